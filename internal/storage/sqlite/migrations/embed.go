package migrations

import "embed"

// FS contains embedded SQLite migrations for anchoring storage.
//
//go:embed *.sql
var FS embed.FS
