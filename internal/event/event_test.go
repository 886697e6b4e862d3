package event

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func rawLine(artist, first, gender, item, last, length, level, location, session, song, user string) []string {
	rec := make([]string, RawFieldCount)
	for i := range rec {
		rec[i] = "x"
	}
	rec[0], rec[2], rec[3], rec[4], rec[5] = artist, first, gender, item, last
	rec[6], rec[7], rec[8], rec[12], rec[13], rec[16] = length, level, location, session, song, user
	return rec
}

func TestProject_KeepsSelectedIndices(t *testing.T) {
	t.Parallel()

	got, err := Project(rawLine("Muse", "Anna", "F", "1", "Smith", "3.1", "paid", "NY", "2", "Plug In Baby", "7"))
	if err != nil {
		t.Fatalf("Project err=%v", err)
	}
	want := FlatEventRow{
		Artist: "Muse", FirstName: "Anna", Gender: "F", ItemInSession: "1", LastName: "Smith",
		Length: "3.1", Level: "paid", Location: "NY", SessionID: "2", Song: "Plug In Baby", UserID: "7",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Project mismatch (-want +got):\n%s", diff)
	}
}

func TestProject_EmptyArtist(t *testing.T) {
	t.Parallel()

	_, err := Project(rawLine("", "", "F", "0", "", "5.2", "free", "LA", "1", "", "2"))
	if !errors.Is(err, ErrNoArtist) {
		t.Fatalf("err=%v want ErrNoArtist", err)
	}

	// A short line without an artist is still a non-song event.
	for _, rec := range [][]string{{""}, {"", "Logged In", "Eminem"}} {
		if _, err := Project(rec); !errors.Is(err, ErrNoArtist) {
			t.Fatalf("Project(%q) err=%v want ErrNoArtist", rec, err)
		}
	}
}

func TestProject_ShortRow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		n    int
		ok   bool
	}{
		{name: "empty", n: 0},
		{name: "sixteen", n: 16},
		{name: "seventeen", n: 17, ok: true},
		{name: "eighteen", n: 18, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := make([]string, tt.n)
			for i := range rec {
				rec[i] = "v"
			}
			_, err := Project(rec)
			if tt.ok && err != nil {
				t.Fatalf("Project(%d fields) err=%v", tt.n, err)
			}
			if !tt.ok && !errors.Is(err, ErrMalformedRow) {
				t.Fatalf("Project(%d fields) err=%v want ErrMalformedRow", tt.n, err)
			}
		})
	}
}

func TestFromRecord_FieldCount(t *testing.T) {
	t.Parallel()

	if _, err := FromRecord(make([]string, 10)); !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("err=%v want ErrMalformedRow", err)
	}
	r, err := FromRecord(Header())
	if err != nil {
		t.Fatalf("FromRecord(header) err=%v", err)
	}
	for _, f := range Fields() {
		if r.Value(f) != f.Header() {
			t.Fatalf("Value(%s)=%q", f, r.Value(f))
		}
	}
}

func TestFieldByHeader(t *testing.T) {
	t.Parallel()

	f, ok := FieldByHeader("sessionId")
	if !ok || f != SessionID {
		t.Fatalf("FieldByHeader(sessionId)=%v,%v", f, ok)
	}
	if _, ok := FieldByHeader("session_id"); ok {
		t.Fatalf("logical column names must not resolve as headers")
	}
	if Field(99).Valid() {
		t.Fatalf("Field(99) reported valid")
	}
}

func TestProperty_ProjectionAndFilter(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	rawGen := gen.SliceOfN(RawFieldCount, gen.OneGenOf(gen.Const(""), gen.AlphaString()))

	properties.Property("row survives iff artist is non-empty", prop.ForAll(
		func(rec []string) bool {
			_, err := Project(rec)
			if rec[0] == "" {
				return errors.Is(err, ErrNoArtist)
			}
			return err == nil
		},
		rawGen,
	))

	properties.Property("record order matches the fixed header regardless of input", prop.ForAll(
		func(rec []string) bool {
			if rec[0] == "" {
				return true
			}
			r, err := Project(rec)
			if err != nil {
				return false
			}
			out := r.Record()
			want := []int{0, 2, 3, 4, 5, 6, 7, 8, 12, 13, 16}
			for i, ix := range want {
				if out[i] != rec[ix] {
					return false
				}
			}
			return len(out) == len(Header())
		},
		rawGen,
	))

	properties.TestingRun(t)
}
