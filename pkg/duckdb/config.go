package duck

import "strings"

type Config struct {
	Path string
	// ReadOnly opens the database file in read-only mode, e.g. for history
	// lookups while another process owns the writer.
	ReadOnly bool
}

// ToDBConnectionURI returns the DSN handed to the go-duckdb driver. An empty
// path opens an in-memory database.
func (c Config) ToDBConnectionURI() string {
	path := c.Path
	if path == ":memory:" {
		path = ""
	}
	if !c.ReadOnly {
		return path
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "access_mode=read_only"
}
