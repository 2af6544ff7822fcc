// Package store keeps the append-only business records written by function
// handlers. Every backend offers the same narrow surface: append a record to
// a domain, then read a domain back by key or by full scan.
package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/bt-bridge/realtime-assistant/shared"
)

const (
	DomainAppointments  = "appointments"
	DomainPrescriptions = "prescriptions"
	DomainMessages      = "messages"
)

const fieldSeparator = ", "

// maxRecordBytes bounds one stored line, separators included.
const maxRecordBytes = 1 << 20

// Record is one comma-joined line. Field 0 is the lookup key.
type Record []string

func (r Record) Key() string {
	if len(r) == 0 {
		return ""
	}
	return r[0]
}

func (r Record) String() string {
	return strings.Join(r, fieldSeparator)
}

type Store interface {
	Append(ctx context.Context, domain string, rec Record) error
	// Query returns every record of domain whose key equals key, oldest first.
	Query(ctx context.Context, domain, key string) ([]Record, error)
	// Scan visits every record of domain, oldest first, until fn returns false.
	Scan(ctx context.Context, domain string, fn func(Record) bool) error
	Close() error
}

var domainPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func validateDomain(domain string) error {
	if !domainPattern.MatchString(domain) {
		return fmt.Errorf("%w: %q", shared.ErrInvalidDomain, domain)
	}
	return nil
}

func validate(domain string, rec Record) error {
	if err := validateDomain(domain); err != nil {
		return err
	}
	if len(rec) == 0 {
		return shared.ErrEmptyRecord
	}
	if n := len(sanitize(rec).String()); n > maxRecordBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", shared.ErrRecordTooLarge, n, maxRecordBytes)
	}
	return nil
}

var fieldReplacer = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", ",", ";")

// sanitize keeps a field on one line and free of the separator.
func sanitize(rec Record) Record {
	out := make(Record, len(rec))
	for i, f := range rec {
		out[i] = sanitizeField(f)
	}
	return out
}

// sanitizeField is applied to stored fields and query keys alike.
func sanitizeField(f string) string {
	return strings.TrimSpace(fieldReplacer.Replace(f))
}

func parseLine(line string) Record {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	parts := strings.Split(line, ",")
	rec := make(Record, len(parts))
	for i, p := range parts {
		rec[i] = strings.TrimSpace(p)
	}
	return rec
}

// Query filters Scan by key; backends without an index use it directly.
func queryByScan(ctx context.Context, s Store, domain, key string) ([]Record, error) {
	key = sanitizeField(key)
	var out []Record
	err := s.Scan(ctx, domain, func(r Record) bool {
		if r.Key() == key {
			out = append(out, r)
		}
		return true
	})
	return out, err
}
