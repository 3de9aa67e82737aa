package postgres

import "embed"

// Migrations holds the embedded schema migrations applied by Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS
