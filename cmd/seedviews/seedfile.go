package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tbourn/go-view-counter/internal/domain"
)

// Entry is one slug in a seed file.
type Entry struct {
	Slug       string     `yaml:"slug"`
	Count      int64      `yaml:"count"`
	LastReadAt *time.Time `yaml:"last_read_at,omitempty"`
}

// seedFile accepts either a bare list of entries or {"views": [...]}.
// JSON input parses the same way.
type seedFile struct {
	Views []Entry `yaml:"views"`
}

// parseSeed decodes and validates a seed document. Slugs are normalized and
// must be unique; counts must be at least 1.
func parseSeed(r io.Reader) ([]Entry, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("seed file is empty")
	}

	var entries []Entry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		var doc seedFile
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err2 := dec.Decode(&doc); err2 != nil {
			return nil, fmt.Errorf("decode seed file: %w", errors.Join(err, err2))
		}
		entries = doc.Views
	}
	if len(entries) == 0 {
		return nil, errors.New("seed file has no entries")
	}

	seen := make(map[string]int, len(entries))
	for i := range entries {
		e := &entries[i]
		slug, err := domain.ValidateSlug(e.Slug)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w: %q", i+1, err, e.Slug)
		}
		if prev, dup := seen[slug]; dup {
			return nil, fmt.Errorf("entry %d: slug %q already seeded by entry %d", i+1, slug, prev)
		}
		if e.Count < 1 {
			return nil, fmt.Errorf("entry %d (%s): count must be at least 1", i+1, slug)
		}
		e.Slug = slug
		seen[slug] = i + 1
	}
	return entries, nil
}
