package store

import "strings"

// IsBusyError reports whether err is a transient SQLITE_BUSY / "database is
// locked" error, the two forms modernc.org/sqlite surfaces under write
// contention. Both warrant a bounded retry rather than failing the caller
// outright.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
