package migrations

import "embed"

// FS contains the embedded event store migrations.
//
//go:embed *.sql
var FS embed.FS
