// Package migrations embeds the checkout service's SQL schema.
package migrations

import "embed"

// FS holds every *.up.sql file, applied in lexical order by
// database.RunMigrations.
//
//go:embed *.sql
var FS embed.FS
