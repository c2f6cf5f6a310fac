// Package migrations embeds the goose SQL migrations for the sealmail
// sqlite database (contacts, pubkeys, search index, local drafts).
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
