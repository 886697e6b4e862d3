package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"musicetl/internal/event"
	"musicetl/internal/report"
	"musicetl/internal/schema"
	"musicetl/internal/storage"
	_ "musicetl/internal/storage/sqlite"
	"musicetl/internal/storage/storagetest"
)

const header = `"artist","firstName","gender","itemInSession","lastName","length","level","location","sessionId","song","userId"` + "\n"

func writeConsolidated(t *testing.T, rows ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "event_datafile_new.csv")
	if err := os.WriteFile(path, []byte(header+strings.Join(rows, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_BindsCoercedValuesPerTable(t *testing.T) {
	t.Parallel()

	path := writeConsolidated(t,
		`"Muse","Anna","F","4","Smith","495.3073","paid","NY","338","Plug In Baby","10"`,
	)
	fake := &storagetest.Fake{}
	l := &Loader{Session: fake, Specs: schema.Tables()}

	st, err := l.Load(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Stats{Rows: 1, Chunks: 1, Inserted: 3}, st); diff != "" {
		t.Fatalf("stats (-want +got):\n%s", diff)
	}

	calls := fake.Execs()
	if len(calls) != 3 {
		t.Fatalf("execs=%d", len(calls))
	}
	if want := "INSERT INTO music_library_q1 (artist, song, item_in_session, length, session_id) VALUES (?, ?, ?, ?, ?)"; calls[0].Stmt != want {
		t.Fatalf("q1 stmt=%s", calls[0].Stmt)
	}
	wantArgs := []any{"Muse", "Plug In Baby", 4, float32(495.3073), 338}
	if diff := cmp.Diff(wantArgs, calls[0].Args); diff != "" {
		t.Fatalf("q1 args (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{"Plug In Baby", "Anna", "Smith"}, calls[2].Args); diff != "" {
		t.Fatalf("q3 args (-want +got):\n%s", diff)
	}
}

func TestLoad_FailuresAreRecordedAndLoadingContinues(t *testing.T) {
	t.Parallel()

	path := writeConsolidated(t,
		`"Muse","Anna","F","4","Smith","not-a-number","paid","NY","338","Plug In Baby","10"`,
		`"Muse","Anna","F","5","Smith","3.1","paid","NY","338"`,
		`"Muse","Anna","F","6","Smith","3.1","paid","NY","338","Hysteria","10"`,
	)
	boom := errors.New("write timeout")
	fake := &storagetest.Fake{ExecErr: func(stmt string, args []any) error {
		if strings.Contains(stmt, "music_library_q3") && args[0] == "Hysteria" {
			return boom
		}
		return nil
	}}
	sum := report.NewSummary()
	l := &Loader{Session: fake, Specs: schema.Tables(), ChunkSize: 2}

	st, err := l.Load(context.Background(), path, sum)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Row 1 fails q1+q2 on length (q3 has no length), row 2 fails all three, row 3 fails q3.
	if diff := cmp.Diff(Stats{Rows: 3, Chunks: 2, Inserted: 3, Failed: 6}, st); diff != "" {
		t.Fatalf("stats (-want +got):\n%s", diff)
	}
	if sum.Failed(report.OpInsert) != 6 || sum.Succeeded(report.OpInsert) != 3 {
		t.Fatalf("summary ok=%d failed=%d", sum.Succeeded(report.OpInsert), sum.Failed(report.OpInsert))
	}

	fails := sum.Failures()
	if fails[0].Line != 2 || !errors.Is(fails[0].Err, storage.ErrCoerce) {
		t.Fatalf("first failure=%+v", fails[0])
	}
	if !errors.Is(fails[2].Err, event.ErrMalformedRow) || fails[2].Line != 3 {
		t.Fatalf("malformed failure=%+v", fails[2])
	}
	last := fails[len(fails)-1]
	if !errors.Is(last.Err, boom) || last.Table != schema.TableSongUsers || last.Line != 4 {
		t.Fatalf("exec failure=%+v", last)
	}
}

func TestLoad_HeaderMismatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.csv")
	if err := os.WriteFile(path, []byte("artist,song\n\"a\",\"b\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	fake := &storagetest.Fake{}
	_, err := (&Loader{Session: fake, Specs: schema.Tables()}).Load(context.Background(), path, nil)
	if !errors.Is(err, ErrHeaderMismatch) {
		t.Fatalf("err=%v, want ErrHeaderMismatch", err)
	}
	if len(fake.Execs()) != 0 {
		t.Fatalf("no insert should run after a header mismatch")
	}
}

func TestLoad_UnmappedColumnIsFatal(t *testing.T) {
	t.Parallel()

	path := writeConsolidated(t)
	_, err := (&Loader{
		Session: &storagetest.Fake{},
		Specs:   schema.Tables(),
		Columns: schema.ColumnMap{"artist": event.Artist},
	}).Load(context.Background(), path, nil)
	if !errors.Is(err, schema.ErrUnmappedColumn) {
		t.Fatalf("err=%v, want ErrUnmappedColumn", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := (&Loader{Session: &storagetest.Fake{}, Specs: schema.Tables()}).Load(context.Background(), filepath.Join(t.TempDir(), "nope.csv"), nil)
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoad_Cancelled(t *testing.T) {
	t.Parallel()

	path := writeConsolidated(t, `"Muse","Anna","F","4","Smith","3.1","paid","NY","338","Plug In Baby","10"`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Loader{Session: &storagetest.Fake{}, Specs: schema.Tables()}).Load(ctx, path, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func openSQLite(t *testing.T) storage.Session {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(s.Close)
	for _, spec := range schema.Tables() {
		ddl, err := s.CreateTableSQL(spec)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Exec(context.Background(), ddl); err != nil {
			t.Fatalf("create %s: %v", spec.Name, err)
		}
	}
	return s
}

func count(t *testing.T, s storage.Session, table string) int64 {
	t.Helper()
	rows, err := s.Query(context.Background(), "SELECT COUNT(*) FROM "+table)
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return rows.Values[0][0].(int64)
}

func TestLoad_SQLiteReloadIsIdempotent(t *testing.T) {
	t.Parallel()

	path := writeConsolidated(t,
		`"Faithless","Ava","F","4","Robinson","495.3073","free","NY","338","Music Matters (Mark Knight Dub)","50"`,
		`"Muse","Sylvie","F","0","Cruz","3.1","free","WA","182","Hysteria","10"`,
		`"Muse","Sylvie","F","1","Cruz","3.2","free","WA","182","Starlight","10"`,
	)
	s := openSQLite(t)
	l := &Loader{Session: s, Specs: schema.Tables()}

	for run := 0; run < 2; run++ {
		st, err := l.Load(context.Background(), path, nil)
		if err != nil || st.Failed != 0 {
			t.Fatalf("run %d: stats=%+v err=%v", run, st, err)
		}
	}
	for table, want := range map[string]int64{
		schema.TableSessionItems: 3,
		schema.TableUserSession:  3,
		schema.TableSongUsers:    3,
	} {
		if got := count(t, s, table); got != want {
			t.Fatalf("%s rows=%d want %d after reload", table, got, want)
		}
	}
}

func TestLoad_SQLiteSongUsersAreDistinct(t *testing.T) {
	t.Parallel()

	song := "All Hands Against His Own"
	path := writeConsolidated(t,
		`"The Black Keys","Tegan","F","25","Levine","196.91","paid","Portland","611","`+song+`","80"`,
		`"The Black Keys","Tegan","F","3","Levine","196.91","paid","Portland","700","`+song+`","80"`,
		`"The Black Keys","Sara","F","7","Johnson","196.91","paid","Winston","152","`+song+`","95"`,
	)
	s := openSQLite(t)
	if _, err := (&Loader{Session: s, Specs: schema.Tables()}).Load(context.Background(), path, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	rows, err := s.Query(context.Background(), schema.Queries()[2].CQL)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rows.Len() != 2 {
		t.Fatalf("listeners=%v, want 2 distinct", rows.Values)
	}
}
