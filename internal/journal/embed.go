package journal

import "embed"

// migrationFS embeds the SQL migration files so the binary needs no schema
// files on disk; goose reads them through SetBaseFS.
//
//go:embed migrations/*.sql
var migrationFS embed.FS
