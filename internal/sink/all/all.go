// Package all registers every database sink backend with the sink
// factory. Binaries that select a backend from configuration import this
// package for its side effects; the core engine never does, keeping
// database drivers out of library consumers that do not want them.
package all

import (
	_ "geoetl/internal/sink/postgres"
	_ "geoetl/internal/sink/sqlite"
)
