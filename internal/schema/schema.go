// Package schema defines the three query-shaped tables, the column map that
// fills them from the consolidated file, and the validation queries.
package schema

import (
	"errors"
	"fmt"

	"musicetl/internal/event"
	"musicetl/internal/storage"
)

// ErrUnmappedColumn is returned when a table column has no ColumnMap entry.
var ErrUnmappedColumn = errors.New("column not in column map")

// Table names.
const (
	TableSessionItems = "music_library_q1"
	TableUserSession  = "music_library_q2"
	TableSongUsers    = "music_library_q3"
)

// ColumnMap resolves a table column name to the consolidated-file field that fills it.
type ColumnMap map[string]event.Field

// DefaultColumnMap covers every column of the three tables.
var DefaultColumnMap = ColumnMap{
	"artist":          event.Artist,
	"first_name":      event.FirstName,
	"gender":          event.Gender,
	"item_in_session": event.ItemInSession,
	"last_name":       event.LastName,
	"length":          event.Length,
	"level":           event.Level,
	"location":        event.Location,
	"session_id":      event.SessionID,
	"song":            event.Song,
	"user_id":         event.UserID,
}

// Resolve returns the value of column from row.
func (cm ColumnMap) Resolve(column string, row event.FlatEventRow) (string, error) {
	f, ok := cm[column]
	if !ok || !f.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnmappedColumn, column)
	}
	return row.Value(f), nil
}

// Validate checks every spec and that every spec column is mapped.
func Validate(specs []storage.TableSpec, cm ColumnMap) error {
	var errs []error
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		for _, c := range s.Columns {
			if f, ok := cm[c.Name]; !ok || !f.Valid() {
				errs = append(errs, fmt.Errorf("table %s: %w: %s", s.Name, ErrUnmappedColumn, c.Name))
			}
		}
	}
	return errors.Join(errs...)
}

// Tables returns the three table specs in creation order.
func Tables() []storage.TableSpec {
	return []storage.TableSpec{
		{
			Name:      TableSessionItems,
			Statement: "Give the artist, song title and song length heard during a given session and item in session.",
			Columns: []storage.ColumnSpec{
				{Name: "artist", Type: "text"},
				{Name: "song", Type: "text"},
				{Name: "item_in_session", Type: "int"},
				{Name: "length", Type: "float"},
				{Name: "session_id", Type: "int"},
			},
			PrimaryKey: storage.PrimaryKey{
				Partition:  []string{"session_id"},
				Clustering: []storage.ClusteringColumn{{Name: "item_in_session"}},
			},
		},
		{
			Name:      TableUserSession,
			Statement: "Give the artist, song (sorted by item in session) and user name for a given user and session.",
			Columns: []storage.ColumnSpec{
				{Name: "artist", Type: "text"},
				{Name: "song", Type: "text"},
				{Name: "first_name", Type: "text"},
				{Name: "last_name", Type: "text"},
				{Name: "item_in_session", Type: "int"},
				{Name: "length", Type: "float"},
				{Name: "level", Type: "text"},
				{Name: "location", Type: "text"},
				{Name: "session_id", Type: "int"},
				{Name: "user_id", Type: "int"},
			},
			PrimaryKey: storage.PrimaryKey{
				Partition:  []string{"user_id", "session_id"},
				Clustering: []storage.ClusteringColumn{{Name: "item_in_session"}},
			},
		},
		{
			Name:      TableSongUsers,
			Statement: "Give every user name in the app history who listened to a given song.",
			Columns: []storage.ColumnSpec{
				{Name: "song", Type: "text"},
				{Name: "first_name", Type: "text"},
				{Name: "last_name", Type: "text"},
			},
			PrimaryKey: storage.PrimaryKey{
				Partition: []string{"song"},
				Clustering: []storage.ClusteringColumn{
					{Name: "first_name"},
					{Name: "last_name"},
				},
			},
		},
	}
}

// TableNames returns the names of Tables() in order.
func TableNames() []string {
	specs := Tables()
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}

// Query is one validation query with the business question it answers.
type Query struct {
	Name      string
	Table     string
	Statement string
	CQL       string
}

// Queries returns the validation queries, one per table.
func Queries() []Query {
	specs := Tables()
	return []Query{
		{
			Name:      "q1",
			Table:     TableSessionItems,
			Statement: specs[0].Statement,
			CQL:       "SELECT artist, song, length FROM music_library_q1 WHERE session_id = 338 AND item_in_session = 4",
		},
		{
			Name:      "q2",
			Table:     TableUserSession,
			Statement: specs[1].Statement,
			CQL:       "SELECT artist, song, first_name, last_name FROM music_library_q2 WHERE user_id = 10 AND session_id = 182 ORDER BY item_in_session",
		},
		{
			Name:      "q3",
			Table:     TableSongUsers,
			Statement: specs[2].Statement,
			CQL:       "SELECT first_name, last_name FROM music_library_q3 WHERE song = 'All Hands Against His Own'",
		},
	}
}
