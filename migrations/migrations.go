// Package migrations bundles the schema for every supported driver.
package migrations

import "embed"

// Embedded migration files bundled at compile time so the tollgate binary
// migrates its own database without external files.
//
//go:embed sqlite/*.sql
var SqliteMigrations embed.FS

//go:embed postgres/*.sql
var PostgresMigrations embed.FS
