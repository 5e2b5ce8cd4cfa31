package tests

import (
	"github.com/google/uuid"
)

// Sqlite3URI returns a URI for a unique in-memory SQLite database.
func Sqlite3URI() string {
	return "file::" + uuid.NewString() + ":?mode=memory&cache=shared&_foreign_keys=on"
}
