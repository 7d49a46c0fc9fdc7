package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-view-counter/internal/domain"
)

func TestGetReceipt_BlankInputs_ReturnNotFound(t *testing.T) {
	db := newTestDB(t, &domain.IncrementReceipt{})
	ctx := context.Background()
	now := time.Now()
	if _, err := GetReceipt(ctx, db, "  ", "k", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("blank slug: expected ErrNotFound, got %v", err)
	}
	if _, err := GetReceipt(ctx, db, "s", "", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("blank key: expected ErrNotFound, got %v", err)
	}
}

func TestCreateReceipt_RoundTrip_AndDuplicate(t *testing.T) {
	db := newTestDB(t, &domain.IncrementReceipt{})
	ctx := context.Background()

	res := domain.IncrementResult{Slug: "post", ViewCount: 9, Skipped: true, Reason: domain.SkipCooldown}
	rec, err := CreateReceipt(ctx, db, "key-1", res, time.Hour)
	if err != nil {
		t.Fatalf("CreateReceipt: %v", err)
	}
	if rec.ID == "" || !rec.ExpiresAt.After(rec.CreatedAt) {
		t.Fatalf("unexpected receipt: %+v", rec)
	}

	got, err := GetReceipt(ctx, db, "post", "key-1", time.Now())
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if out := got.Result(); out != res {
		t.Fatalf("replayed result = %+v; want %+v", out, res)
	}

	if _, err := CreateReceipt(ctx, db, "key-1", res, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetReceipt_Expired(t *testing.T) {
	db := newTestDB(t, &domain.IncrementReceipt{})
	ctx := context.Background()
	if _, err := CreateReceipt(ctx, db, "k", domain.IncrementResult{Slug: "s", ViewCount: 1}, time.Minute); err != nil {
		t.Fatalf("CreateReceipt: %v", err)
	}
	if _, err := GetReceipt(ctx, db, "s", "k", time.Now().Add(2*time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired receipt to be ErrNotFound, got %v", err)
	}
}

func TestCreateReceipt_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	_, err := CreateReceipt(context.Background(), db, "k", domain.IncrementResult{Slug: "s"}, time.Minute)
	if err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected raw db error, got %v", err)
	}
}

func TestPurgeExpiredReceipts(t *testing.T) {
	db := newTestDB(t, &domain.IncrementReceipt{})
	ctx := context.Background()
	if _, err := CreateReceipt(ctx, db, "short", domain.IncrementResult{Slug: "s"}, time.Minute); err != nil {
		t.Fatalf("CreateReceipt: %v", err)
	}
	if _, err := CreateReceipt(ctx, db, "long", domain.IncrementResult{Slug: "s"}, 24*time.Hour); err != nil {
		t.Fatalf("CreateReceipt: %v", err)
	}
	n, err := PurgeExpiredReceipts(ctx, db, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpiredReceipts = (%d, %v); want (1, nil)", n, err)
	}
	if _, err := GetReceipt(ctx, db, "s", "long", time.Now()); err != nil {
		t.Fatalf("long-lived receipt should remain: %v", err)
	}
}

func TestReceipts_Adapter(t *testing.T) {
	db := newTestDB(t, &domain.IncrementReceipt{})
	ctx := context.Background()
	r := Receipts{DB: db}

	rec, err := r.GetReceipt(ctx, "s", "k", time.Now())
	if err != nil || rec != nil {
		t.Fatalf("GetReceipt(missing) = (%v, %v); want (nil, nil)", rec, err)
	}
	res := domain.IncrementResult{Slug: "s", ViewCount: 3}
	if err := r.CreateReceipt(ctx, "k", res, time.Hour); err != nil {
		t.Fatalf("CreateReceipt: %v", err)
	}
	if err := r.CreateReceipt(ctx, "k", res, time.Hour); err != nil {
		t.Fatalf("duplicate CreateReceipt should be swallowed: %v", err)
	}
	rec, err = r.GetReceipt(ctx, "s", "k", time.Now())
	if err != nil || rec == nil || rec.ViewCount != 3 {
		t.Fatalf("GetReceipt = (%+v, %v)", rec, err)
	}
	if n, err := r.Purge(ctx, time.Now().Add(2*time.Hour)); err != nil || n != 1 {
		t.Fatalf("Purge = (%d, %v)", n, err)
	}
}
