package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dialect captures the differences between the SQL drivers.
type dialect struct {
	name   string
	goose  string
	dir    string
	dollar bool // $1 placeholders instead of ?
	// millis stores times as unix milliseconds instead of native timestamps.
	millis bool
	mapErr func(error) error
}

// rebind rewrites ? placeholders for drivers that number them.
func (d dialect) rebind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (d dialect) timeArg(t time.Time) any {
	if d.millis {
		return t.UnixMilli()
	}
	return t.UTC()
}

func (d dialect) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeArg(*t)
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// dbTime scans a nullable time stored either natively or as unix milliseconds.
type dbTime struct {
	T     time.Time
	Valid bool
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.T, t.Valid = time.Time{}, false
	case int64:
		t.T, t.Valid = time.UnixMilli(v).UTC(), true
	case time.Time:
		t.T, t.Valid = v.UTC(), true
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
	return nil
}

func (t *dbTime) parse(s string) error {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.T, t.Valid = time.UnixMilli(ms).UTC(), true
		return nil
	}
	v, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse time %q: %w", s, err)
	}
	t.T, t.Valid = v.UTC(), true
	return nil
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.T
	return &v
}

var _ sql.Scanner = (*dbTime)(nil)
