package journal

import (
	"fmt"
	"time"
)

// Open returns the journal of the given kind ("csv" or "sqlite") at path.
func Open(kind, path string) (Journal, error) {
	switch kind {
	case "csv":
		return NewCSV(path)
	case "sqlite":
		return NewSQLite(path)
	default:
		return nil, fmt.Errorf("unknown journal type %q", kind)
	}
}

// Read lists records with StopAt in [from, to) without opening the journal
// for writing.
func Read(kind, path string, from, to time.Time) ([]Record, error) {
	switch kind {
	case "csv":
		all, err := ReadCSV(path)
		if err != nil {
			return nil, err
		}
		return between(all, from, to), nil
	case "sqlite":
		j, err := NewSQLite(path)
		if err != nil {
			return nil, err
		}
		defer j.Close()
		return j.List(from, to)
	default:
		return nil, fmt.Errorf("unknown journal type %q", kind)
	}
}
