// Package migrations embeds the SQL schema files so the migrate manager
// and the API binary can apply them without a checkout on disk.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
