// Package event holds the row shapes that flow through the pipeline: the raw
// per-session log line and the flattened record written to the consolidated file.
package event

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRow is returned when a raw or flat record has too few fields.
	ErrMalformedRow = errors.New("malformed row")

	// ErrNoArtist marks raw rows dropped by the artist filter (non-song events).
	ErrNoArtist = errors.New("empty artist")
)

// RawFieldCount is the number of fields in a source log line.
const RawFieldCount = 18

// minRawFields is the shortest raw record that still holds every projected index.
const minRawFields = 17

// Field names one column of the consolidated file.
type Field int

const (
	Artist Field = iota
	FirstName
	Gender
	ItemInSession
	LastName
	Length
	Level
	Location
	SessionID
	Song
	UserID

	fieldCount
)

var headers = [fieldCount]string{
	Artist:        "artist",
	FirstName:     "firstName",
	Gender:        "gender",
	ItemInSession: "itemInSession",
	LastName:      "lastName",
	Length:        "length",
	Level:         "level",
	Location:      "location",
	SessionID:     "sessionId",
	Song:          "song",
	UserID:        "userId",
}

// rawIndex is the source position of each flat field.
var rawIndex = [fieldCount]int{
	Artist:        0,
	FirstName:     2,
	Gender:        3,
	ItemInSession: 4,
	LastName:      5,
	Length:        6,
	Level:         7,
	Location:      8,
	SessionID:     12,
	Song:          13,
	UserID:        16,
}

// Header returns the consolidated-file column name of f.
func (f Field) Header() string {
	if f < 0 || f >= fieldCount {
		return fmt.Sprintf("Field(%d)", int(f))
	}
	return headers[f]
}

func (f Field) String() string { return f.Header() }

// Valid reports whether f is one of the 11 known fields.
func (f Field) Valid() bool { return f >= 0 && f < fieldCount }

// Fields returns every field in header order.
func Fields() []Field {
	out := make([]Field, fieldCount)
	for i := range out {
		out[i] = Field(i)
	}
	return out
}

// Header returns the fixed consolidated-file header.
func Header() []string {
	out := make([]string, fieldCount)
	copy(out, headers[:])
	return out
}

// FieldByHeader resolves a consolidated-file header name.
func FieldByHeader(name string) (Field, bool) {
	for i, h := range headers {
		if h == name {
			return Field(i), true
		}
	}
	return 0, false
}

// FlatEventRow is one line of the consolidated file.
type FlatEventRow struct {
	Artist        string
	FirstName     string
	Gender        string
	ItemInSession string
	LastName      string
	Length        string
	Level         string
	Location      string
	SessionID     string
	Song          string
	UserID        string
}

// Value returns the field f of r. Unknown fields yield "".
func (r FlatEventRow) Value(f Field) string {
	switch f {
	case Artist:
		return r.Artist
	case FirstName:
		return r.FirstName
	case Gender:
		return r.Gender
	case ItemInSession:
		return r.ItemInSession
	case LastName:
		return r.LastName
	case Length:
		return r.Length
	case Level:
		return r.Level
	case Location:
		return r.Location
	case SessionID:
		return r.SessionID
	case Song:
		return r.Song
	case UserID:
		return r.UserID
	}
	return ""
}

// Record renders r in header order.
func (r FlatEventRow) Record() []string {
	return []string{
		r.Artist, r.FirstName, r.Gender, r.ItemInSession, r.LastName,
		r.Length, r.Level, r.Location, r.SessionID, r.Song, r.UserID,
	}
}

// FromRecord builds a FlatEventRow from a consolidated-file record.
func FromRecord(rec []string) (FlatEventRow, error) {
	if len(rec) != int(fieldCount) {
		return FlatEventRow{}, fmt.Errorf("%w: got %d fields, want %d", ErrMalformedRow, len(rec), fieldCount)
	}
	return FlatEventRow{
		Artist:        rec[Artist],
		FirstName:     rec[FirstName],
		Gender:        rec[Gender],
		ItemInSession: rec[ItemInSession],
		LastName:      rec[LastName],
		Length:        rec[Length],
		Level:         rec[Level],
		Location:      rec[Location],
		SessionID:     rec[SessionID],
		Song:          rec[Song],
		UserID:        rec[UserID],
	}, nil
}

// Project re-shapes a raw log line into a FlatEventRow.
//
// Errors:
//   - ErrNoArtist when the artist field is empty; the row is not a song play.
//     This is checked first, so a short non-song row is filtered, not malformed.
//   - ErrMalformedRow when rec is shorter than the highest projected index.
func Project(rec []string) (FlatEventRow, error) {
	if ix := rawIndex[Artist]; len(rec) > ix && rec[ix] == "" {
		return FlatEventRow{}, ErrNoArtist
	}
	if len(rec) < minRawFields {
		return FlatEventRow{}, fmt.Errorf("%w: got %d fields, want at least %d", ErrMalformedRow, len(rec), minRawFields)
	}
	var out [fieldCount]string
	for f, ix := range rawIndex {
		out[f] = rec[ix]
	}
	return FromRecord(out[:])
}
