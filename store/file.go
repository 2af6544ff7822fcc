package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps one append-only log file per domain under dir.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(domain string) string {
	return filepath.Join(s.dir, domain+".log")
}

func (s *FileStore) Append(ctx context.Context, domain string, rec Record) error {
	if err := validate(domain, rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	line := sanitize(rec).String() + "\n"

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path(domain), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s log: %w", domain, err)
	}
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending to %s log: %w", domain, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s log: %w", domain, err)
	}
	return nil
}

func (s *FileStore) Query(ctx context.Context, domain, key string) ([]Record, error) {
	return queryByScan(ctx, s, domain, key)
}

func (s *FileStore) Scan(ctx context.Context, domain string, fn func(Record) bool) error {
	if err := validateDomain(domain); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path(domain))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening %s log: %w", domain, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordBytes+1)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := parseLine(sc.Text())
		if rec == nil {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading %s log: %w", domain, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
