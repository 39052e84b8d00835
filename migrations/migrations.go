// Package migrations embeds the schema so the migrator binary is self-contained.
package migrations

import "embed"

//go:embed *.up.sql
var FS embed.FS
