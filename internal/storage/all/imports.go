// Package all wires the built-in storage backends into the storage factory.
// Import it for side effects:
//
//	import _ "github.com/hsp1234-web/SP-DATA/internal/storage/all"
//
// which makes the "duckdb", "sqlite" and "postgres" kinds available to
// storage.New.
package all

import (
	_ "github.com/hsp1234-web/SP-DATA/internal/storage/duckdb"
	_ "github.com/hsp1234-web/SP-DATA/internal/storage/postgres"
	_ "github.com/hsp1234-web/SP-DATA/internal/storage/sqlite"
)
