// Package migrations embeds the schema for the deliveries database.
package migrations

import "embed"

//go:embed *.up.sql
var FS embed.FS
