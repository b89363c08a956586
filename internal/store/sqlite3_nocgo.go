//go:build !cgo

package store

import (
	// Registers the "sqlite3" driver; without cgo it is a stub whose Open
	// always fails, so no mattn error values can occur.
	_ "github.com/mattn/go-sqlite3"
)

func isMattnTransient(err error) (transient, ok bool) {
	return false, false
}
