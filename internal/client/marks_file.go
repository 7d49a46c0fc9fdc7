package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

// DefaultMarksFile is the marks location relative to XDG_STATE_HOME.
const DefaultMarksFile = "viewcounter/marks.json"

// lockTimeout bounds how long Load and Save wait for another process.
const lockTimeout = 2 * time.Second

// FileMarkStore keeps marks in a JSON file shared by every process of the
// same user. A sibling ".lock" file serializes access, and writes replace the
// file atomically so a crash never leaves a truncated document.
type FileMarkStore struct {
	Path string
}

// NewFileMarkStore returns a store at path, or at the XDG state location
// when path is empty. Parent directories are created.
func NewFileMarkStore(path string) (*FileMarkStore, error) {
	if path == "" {
		p, err := xdg.StateFile(DefaultMarksFile)
		if err != nil {
			return nil, fmt.Errorf("resolve marks file: %w", err)
		}
		path = p
	} else if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create marks dir: %w", err)
	}
	return &FileMarkStore{Path: path}, nil
}

// Load reads the marks file. A missing file yields empty marks.
func (s *FileMarkStore) Load() (Marks, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	raw, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Marks{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read marks: %w", err)
	}
	marks := Marks{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return marks, nil
	}
	if err := json.Unmarshal(raw, &marks); err != nil {
		return Marks{}, fmt.Errorf("decode marks %s: %w", s.Path, err)
	}
	return marks, nil
}

// Save replaces the marks file with marks.
func (s *FileMarkStore) Save(marks Marks) error {
	raw, err := json.Marshal(marks)
	if err != nil {
		return err
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := atomic.WriteFile(s.Path, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("write marks: %w", err)
	}
	return nil
}

func (s *FileMarkStore) lock() (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	l := flock.New(s.Path + ".lock")
	ok, err := l.TryLockContext(ctx, 50*time.Millisecond)
	if !ok {
		_ = l.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("lock marks file: %w", err)
	}
	return func() { _ = l.Close() }, nil
}
