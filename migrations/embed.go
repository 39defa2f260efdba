// Package migrations embeds the versioned SQL applied to every agency schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
