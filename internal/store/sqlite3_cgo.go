//go:build cgo

package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// isMattnTransient reports whether err is a mattn SQLITE_BUSY/SQLITE_LOCKED
// error; ok is false when err is not a mattn error.
func isMattnTransient(err error) (transient, ok bool) {
	var mattnErr sqlite3.Error
	if errors.As(err, &mattnErr) {
		return mattnErr.Code == sqlite3.ErrBusy || mattnErr.Code == sqlite3.ErrLocked, true
	}
	return false, false
}
