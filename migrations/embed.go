// Package migrations carries the device store schema as SQL files
// compiled into the binary, so deployments never need them on disk.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed *.sql
var files embed.FS

// Files returns the embedded migration sources for database.Migrate.
func Files() fs.FS {
	return files
}
