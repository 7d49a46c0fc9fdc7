package client

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-view-counter/internal/guard"
)

// Marks maps a slug to the Unix millisecond time this reader last counted it.
type Marks map[string]int64

// MarkStore persists Marks for one reader (one browser profile, one CLI
// user). Load returns an empty map when nothing was saved yet.
type MarkStore interface {
	Load() (Marks, error)
	Save(Marks) error
}

// MemoryMarkStore keeps marks for the lifetime of the process.
type MemoryMarkStore struct {
	mu    sync.Mutex
	marks Marks
}

// Load returns a copy of the saved marks.
func (m *MemoryMarkStore) Load() (Marks, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(Marks, len(m.marks))
	for k, v := range m.marks {
		out[k] = v
	}
	return out, nil
}

// Save replaces the saved marks with a copy of marks.
func (m *MemoryMarkStore) Save(marks Marks) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks = make(Marks, len(marks))
	for k, v := range marks {
		m.marks[k] = v
	}
	return nil
}

// Guard suppresses increment calls for slugs this reader counted within the
// window. It only saves requests: the server applies its own cooldown, so a
// lost or cleared mark never inflates a count.
//
// Marks are loaded from the store on first use. Store failures are logged
// and the guard keeps working from memory.
type Guard struct {
	Store    MarkStore
	Disabled bool
	Now      func() time.Time
	Log      zerolog.Logger

	window guard.Cooldown

	mu     sync.Mutex
	marks  Marks
	loaded bool
}

// NewGuard returns a guard over store. A window <= 0 or disabled=true turns
// the guard off: WasMarkedRecently always reports false.
func NewGuard(store MarkStore, window time.Duration, disabled bool) *Guard {
	if store == nil {
		store = &MemoryMarkStore{}
	}
	return &Guard{
		Store:    store,
		Disabled: disabled,
		Now:      time.Now,
		Log:      log.Logger,
		window:   guard.New(window),
	}
}

// WasMarkedRecently reports whether slug was marked within the window.
func (g *Guard) WasMarkedRecently(slug string) bool {
	if g.off() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loadLocked()

	ts, ok := g.marks[slug]
	if !ok {
		return false
	}
	return !g.window.ShouldAccept(&ts, g.Now())
}

// MarkAsViewed records slug as counted now and persists the marks.
func (g *Guard) MarkAsViewed(slug string) {
	if g.off() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loadLocked()

	g.marks[slug] = g.Now().UnixMilli()
	g.saveLocked()
}

// TryMark marks slug as viewed unless it was marked within the window, and
// reports whether it did. The check and the mark happen under one lock, so of
// several concurrent callers for one slug only the first gets true. A
// disabled guard always returns true.
func (g *Guard) TryMark(slug string) bool {
	if g.off() {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loadLocked()

	now := g.Now()
	if ts, ok := g.marks[slug]; ok && !g.window.ShouldAccept(&ts, now) {
		return false
	}
	g.marks[slug] = now.UnixMilli()
	g.saveLocked()
	return true
}

// CleanupStale drops marks older than the window and returns how many were
// removed. It is meant to run when a page opens, not on a timer.
func (g *Guard) CleanupStale() int {
	if g.off() {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loadLocked()

	now := g.Now()
	removed := 0
	for slug, ts := range g.marks {
		ts := ts
		if g.window.ShouldAccept(&ts, now) {
			delete(g.marks, slug)
			removed++
		}
	}
	if removed > 0 {
		g.saveLocked()
	}
	return removed
}

func (g *Guard) off() bool {
	return g == nil || g.Disabled || g.window.Disabled()
}

func (g *Guard) loadLocked() {
	if g.loaded {
		return
	}
	g.loaded = true
	marks, err := g.Store.Load()
	if err != nil {
		g.Log.Warn().Err(err).Msg("view marks: load failed; starting empty")
	}
	if marks == nil {
		marks = Marks{}
	}
	g.marks = marks
}

func (g *Guard) saveLocked() {
	if err := g.Store.Save(g.marks); err != nil {
		g.Log.Warn().Err(err).Msg("view marks: save failed")
	}
}
