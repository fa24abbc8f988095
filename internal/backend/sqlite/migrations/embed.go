// Package migrations embeds the sqlite schema for goose.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
