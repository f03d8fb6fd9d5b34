package services

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// LoadCheckpoint returns the index of the last fully processed item, or 0
// when no checkpoint has been written yet.
func LoadCheckpoint(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}

	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return 0, nil
	}
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid checkpoint %q in %s", raw, path)
	}
	return index, nil
}

// SaveCheckpoint replaces the checkpoint atomically, so a crash leaves
// either the old or the new value.
func SaveCheckpoint(path string, index int) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".progress-*")
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.Itoa(index)); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Progress tracks completed item indices and yields the highest index below
// which every item is done.
type Progress struct {
	mu   sync.Mutex
	last int
	done map[int]bool
}

// NewProgress starts tracking after index start.
func NewProgress(start int) *Progress {
	return &Progress{last: start, done: make(map[int]bool)}
}

// Complete marks index done and returns the contiguous high-water mark and
// whether it moved.
func (p *Progress) Complete(index int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index <= p.last {
		return p.last, false
	}
	p.done[index] = true

	advanced := false
	for p.done[p.last+1] {
		delete(p.done, p.last+1)
		p.last++
		advanced = true
	}
	return p.last, advanced
}

// Last returns the contiguous high-water mark.
func (p *Progress) Last() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
