package repo

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrNotFound aliases GORM's sentinel so callers can errors.Is against
	// one value regardless of which helper produced it.
	ErrNotFound = gorm.ErrRecordNotFound

	// ErrDuplicate indicates a unique-constraint violation.
	ErrDuplicate = errors.New("duplicate")

	// ErrStale indicates a compare-and-swap lost: the row's version or status
	// changed since it was read.
	ErrStale = errors.New("stale row")
)

// IsDuplicate detects unique-constraint violations across drivers that may
// not map to gorm.ErrDuplicatedKey.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, ErrDuplicate) {
		return true
	}
	// SQLite: "UNIQUE constraint failed" / "constraint failed: UNIQUE"
	// Postgres: "duplicate key value violates unique constraint"
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key")
}

// mapDuplicate converts unique violations to ErrDuplicate.
func mapDuplicate(err error) error {
	if IsDuplicate(err) {
		return ErrDuplicate
	}
	return err
}
