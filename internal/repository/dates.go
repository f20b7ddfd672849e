// Package repository implements SQLite persistence for the cache store.
// Repositories hold a *sql.DB and a component logger; writes that must be
// atomic across tables accept the caller's transaction.
package repository

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// formatDate serializes a calendar date for storage.
func formatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// parseDate reads a stored calendar date back to UTC midnight.
func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored date %q: %w", s, err)
	}
	return t, nil
}
