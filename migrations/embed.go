// Package migrations ships the schema with the binary so storage.RunMigrations
// needs no files on disk.
package migrations

import "embed"

// FS holds the *.sql files, applied in name order.
//
//go:embed *.sql
var FS embed.FS
