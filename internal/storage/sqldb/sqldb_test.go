package sqldb

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"musicetl/internal/storage"
)

type fakeRows struct {
	cols []string
	data [][]any
	i    int
	err  error
}

func (f *fakeRows) Columns() ([]string, error) { return f.cols, nil }
func (f *fakeRows) Next() bool {
	if f.i >= len(f.data) {
		return false
	}
	f.i++
	return true
}
func (f *fakeRows) Scan(dest ...any) error {
	row := f.data[f.i-1]
	for i := range dest {
		*(dest[i].(*any)) = row[i]
	}
	return nil
}
func (f *fakeRows) Err() error { return f.err }

func TestScanAll_ConvertsBytes(t *testing.T) {
	t.Parallel()

	rows := &fakeRows{
		cols: []string{"artist", "length"},
		data: [][]any{
			{[]byte("Muse"), 3.1},
			{nil, int64(7)},
		},
	}
	got, err := ScanAll(rows)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	want := &storage.Rows{
		Columns: []string{"artist", "length"},
		Values:  [][]any{{"Muse", 3.1}, {nil, int64(7)}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestScanAll_PropagatesErr(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := ScanAll(&fakeRows{cols: []string{"a"}, err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
}
