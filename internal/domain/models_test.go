package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:domain_models_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	if (ViewRecord{}).TableName() != "view_records" {
		t.Fatalf("ViewRecord.TableName() = %q", (ViewRecord{}).TableName())
	}
	if (IncrementReceipt{}).TableName() != "increment_receipts" {
		t.Fatalf("IncrementReceipt.TableName() = %q", (IncrementReceipt{}).TableName())
	}
}

func TestMigrate_ViewRecord_PrimaryKeyIsSlug(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&ViewRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !db.Migrator().HasIndex(&ViewRecord{}, "idx_views_count") {
		t.Fatalf("expected idx_views_count index")
	}

	if err := db.Create(&ViewRecord{Slug: "hello", ViewCount: 1}).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Create(&ViewRecord{Slug: "hello", ViewCount: 2}).Error; err == nil {
		t.Fatalf("expected duplicate primary key error")
	}
}

func TestMigrate_Receipt_UniqueSlugKey(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&IncrementReceipt{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Now().UTC()
	r1 := IncrementReceipt{ID: uuid.NewString(), Slug: "a", Key: "k", ViewCount: 1, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(&r1).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	r2 := IncrementReceipt{ID: uuid.NewString(), Slug: "a", Key: "k", ViewCount: 2, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(&r2).Error; err == nil {
		t.Fatalf("expected unique violation on (slug, key)")
	}
	r3 := IncrementReceipt{ID: uuid.NewString(), Slug: "b", Key: "k", ViewCount: 2, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(&r3).Error; err != nil {
		t.Fatalf("same key on another slug should be allowed: %v", err)
	}
}

func TestViewRecord_LastRead(t *testing.T) {
	var nilRec *ViewRecord
	if _, ok := nilRec.LastRead(); ok {
		t.Fatalf("nil record should report ok=false")
	}
	if _, ok := (&ViewRecord{}).LastRead(); ok {
		t.Fatalf("unset LastReadAt should report ok=false")
	}
	ms := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	got, ok := (&ViewRecord{LastReadAt: &ms}).LastRead()
	if !ok || got.UnixMilli() != ms {
		t.Fatalf("LastRead() = %v, %v", got, ok)
	}
}

func TestIncrementReceipt_Result(t *testing.T) {
	r := IncrementReceipt{Slug: "s", ViewCount: 7, Skipped: true, Reason: string(SkipCooldown)}
	res := r.Result()
	if res.Slug != "s" || res.ViewCount != 7 || !res.Skipped || res.Reason != SkipCooldown {
		t.Fatalf("unexpected result: %+v", res)
	}
}
