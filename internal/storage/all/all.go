// Package all registers every store backend. Import it for side effects.
package all

import (
	_ "musicetl/internal/storage/cassandra"
	_ "musicetl/internal/storage/mssql"
	_ "musicetl/internal/storage/postgres"
	_ "musicetl/internal/storage/sqlite"
)
