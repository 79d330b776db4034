// Package migrations embeds the SQL schema and seed files.
package migrations

import "embed"

// SQL holds the versioned up/down migrations.
//
//go:embed sql/*.sql
var SQL embed.FS

// Seeds holds idempotent development seeds.
//
//go:embed seeds/*.sql
var Seeds embed.FS
