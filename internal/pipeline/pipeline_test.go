package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"musicetl/internal/config"
	"musicetl/internal/report"
	"musicetl/internal/schema"
	"musicetl/internal/storage"
	_ "musicetl/internal/storage/sqlite"
	"musicetl/internal/storage/storagetest"
)

const rawHeader = "artist,auth,firstName,gender,itemInSession,lastName,length,level,location,method,page,registration,sessionId,song,status,ts,userId\n"

var rawDays = map[string]string{
	"2018-11-08-events.csv": rawHeader +
		`Faithless,Logged In,Ava,F,4,Robinson,495.3073,free,"New Haven-Milford, CT",PUT,NextSong,1.54E12,338,Music Matters (Mark Knight Dub),200,1.54E12,50` + "\n" +
		`,Logged In,Ava,F,5,Robinson,,free,"New Haven-Milford, CT",GET,Home,1.54E12,338,,200,1.54E12,50` + "\n",
	"2018-11-15-events.csv": rawHeader +
		`Muse,Logged In,Sylvie,F,1,Cruz,247.1,free,"Washington-Arlington-Alexandria, DC-VA-MD-WV",PUT,NextSong,1.54E12,182,Starlight,200,1.54E12,10` + "\n" +
		`Down To The Bone,Logged In,Sylvie,F,0,Cruz,333.76,free,"Washington-Arlington-Alexandria, DC-VA-MD-WV",PUT,NextSong,1.54E12,182,Keep On Keepin' On,200,1.54E12,10` + "\n",
	"2018-11-20-events.csv": rawHeader +
		`The Black Keys,Logged In,Tegan,F,25,Levine,196.91,paid,"Portland-South Portland, ME",PUT,NextSong,1.54E12,611,All Hands Against His Own,200,1.54E12,80` + "\n" +
		`The Black Keys,Logged In,Tegan,F,3,Levine,196.91,paid,"Portland-South Portland, ME",PUT,NextSong,1.54E12,700,All Hands Against His Own,200,1.54E12,80` + "\n" +
		`The Black Keys,Logged In,Sara,F,7,Johnson,196.91,paid,"Winston-Salem, NC",PUT,NextSong,1.54E12,152,All Hands Against His Own,200,1.54E12,95` + "\n",
}

func writeEventDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range rawDays {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func sqliteConfig(t *testing.T) config.Pipeline {
	t.Helper()
	work := t.TempDir()
	c := config.Pipeline{
		Source:  config.Source{Dir: writeEventDir(t)},
		Output:  config.Output{Path: filepath.Join(work, "event_datafile_new.csv")},
		Storage: config.Storage{Kind: "sqlite", DSN: filepath.Join(work, "music.db")},
	}
	c.ApplyDefaults()
	return c
}

func queryDB(t *testing.T, dsn, stmt string) *storage.Rows {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	rows, err := s.Query(context.Background(), stmt)
	if err != nil {
		t.Fatalf("%s: %v", stmt, err)
	}
	return rows
}

func TestRun_SQLiteEndToEnd(t *testing.T) {
	t.Parallel()

	c := sqliteConfig(t)
	c.Storage.KeepTables = true
	var out bytes.Buffer
	p := &Pipeline{Config: c, Out: &out}

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Flatten.Filtered != 1 || res.Flatten.Written != 6 {
		t.Fatalf("flatten stats=%+v", res.Flatten)
	}
	if res.Load.Rows != 6 || res.Load.Failed != 0 {
		t.Fatalf("load stats=%+v", res.Load)
	}
	if n := res.Summary.TotalFailed(); n != 0 {
		t.Fatalf("failures=%v", res.Summary.Failures())
	}
	if res.Summary.Succeeded(report.OpQuery) != 3 {
		t.Fatalf("queries ok=%d", res.Summary.Succeeded(report.OpQuery))
	}

	s := out.String()
	for _, want := range []string{"Faithless", "Music Matters (Mark Knight Dub)", "495.3073", "(2 rows)", "run " + res.Summary.RunID} {
		if !strings.Contains(s, want) {
			t.Fatalf("output missing %q:\n%s", want, s)
		}
	}

	q1 := queryDB(t, c.Storage.DSN, schema.Queries()[0].CQL)
	if diff := cmp.Diff([][]any{{"Faithless", "Music Matters (Mark Knight Dub)", 495.3073}}, q1.Values, cmp.Comparer(func(a, b float64) bool {
		return a-b < 1e-3 && b-a < 1e-3
	})); diff != "" {
		t.Fatalf("q1 (-want +got):\n%s", diff)
	}

	q2 := queryDB(t, c.Storage.DSN, schema.Queries()[1].CQL)
	var songs []any
	for _, r := range q2.Values {
		songs = append(songs, r[1])
	}
	if diff := cmp.Diff([]any{"Keep On Keepin' On", "Starlight"}, songs); diff != "" {
		t.Fatalf("q2 not ordered by item_in_session (-want +got):\n%s", diff)
	}

	q3 := queryDB(t, c.Storage.DSN, schema.Queries()[2].CQL)
	if q3.Len() != 2 {
		t.Fatalf("q3 listeners=%v, want 2 distinct", q3.Values)
	}
}

func TestRun_RerunIsIdempotent(t *testing.T) {
	t.Parallel()

	c := sqliteConfig(t)
	c.Storage.KeepTables = true
	for i := 0; i < 2; i++ {
		if _, err := (&Pipeline{Config: c}).Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	rows := queryDB(t, c.Storage.DSN, "SELECT COUNT(*) FROM "+schema.TableSessionItems)
	if got := rows.Values[0][0]; got != int64(6) {
		t.Fatalf("rows after rerun=%v, want 6", got)
	}
}

func TestRun_TeardownDropsTables(t *testing.T) {
	t.Parallel()

	c := sqliteConfig(t)
	res, err := (&Pipeline{Config: c}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Setup drops and teardown drops: two per table.
	if got := res.Summary.Succeeded(report.OpDrop); got != 6 {
		t.Fatalf("drops=%d, want 6", got)
	}
	rows := queryDB(t, c.Storage.DSN, "SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'music_library_%'")
	if rows.Len() != 0 {
		t.Fatalf("tables left after teardown: %v", rows.Values)
	}
}

func TestRun_ConnectFailureIsFatal(t *testing.T) {
	t.Parallel()

	boom := errors.New("no hosts available")
	p := &Pipeline{
		Config: sqliteConfig(t),
		Open: func(context.Context, storage.Config) (storage.Session, error) {
			return nil, boom
		},
	}
	res, err := p.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want %v", err, boom)
	}
	if res.Load.Rows != 0 {
		t.Fatalf("nothing should load after a failed connect")
	}
}

func TestRun_KeyspaceFailureIsFatal(t *testing.T) {
	t.Parallel()

	boom := errors.New("unauthorized")
	fake := &storagetest.Fake{KeyspaceErr: boom}
	p := &Pipeline{
		Config: sqliteConfig(t),
		Open:   func(context.Context, storage.Config) (storage.Session, error) { return fake, nil },
	}
	res, err := p.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want %v", err, boom)
	}
	if len(fake.Execs()) != 0 {
		t.Fatalf("execs after keyspace failure: %v", fake.ExecStmts())
	}
	if fake.Closed() != 1 {
		t.Fatalf("closed=%d, want 1", fake.Closed())
	}
	if res.Summary.Failed(report.OpKeyspace) != 1 {
		t.Fatalf("keyspace failure not recorded")
	}
}

func TestRun_StatementFailuresContinue(t *testing.T) {
	t.Parallel()

	boom := errors.New("write timeout")
	fake := &storagetest.Fake{ExecErr: func(stmt string, _ []any) error {
		if strings.HasPrefix(stmt, "INSERT INTO music_library_q2") {
			return boom
		}
		return nil
	}}
	c := sqliteConfig(t)
	p := &Pipeline{
		Config: c,
		Open:   func(context.Context, storage.Config) (storage.Session, error) { return fake, nil },
	}
	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary.Failed(report.OpInsert) != 6 || res.Summary.Succeeded(report.OpInsert) != 12 {
		t.Fatalf("insert ok=%d failed=%d", res.Summary.Succeeded(report.OpInsert), res.Summary.Failed(report.OpInsert))
	}
	if len(fake.Queries()) != 3 {
		t.Fatalf("queries=%d, want all three to run", len(fake.Queries()))
	}
	if fake.Used() != config.DefaultKeyspace {
		t.Fatalf("keyspace=%q", fake.Used())
	}

	c.Runtime.FailOnErrors = true
	p.Config = c
	_, err = p.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("fail_on_errors err=%v, want %v", err, boom)
	}
}

func TestFlatten_MissingSourceIsFatal(t *testing.T) {
	t.Parallel()

	c := sqliteConfig(t)
	c.Source.Dir = filepath.Join(t.TempDir(), "missing")
	opened := false
	p := &Pipeline{
		Config: c,
		Open: func(context.Context, storage.Config) (storage.Session, error) {
			opened = true
			return &storagetest.Fake{}, nil
		},
	}
	if _, err := p.Run(context.Background()); err == nil {
		t.Fatalf("expected error for missing source dir")
	}
	if opened {
		t.Fatalf("store must not be opened when flatten fails")
	}
}

func TestStorageConfig(t *testing.T) {
	t.Parallel()

	c := config.Storage{Kind: "cassandra", Hosts: []string{"10.0.0.1"}, Consistency: "quorum", Timeout: "2s", Username: "etl"}
	got := StorageConfig(c, nil)
	if got.Kind != "cassandra" || got.Hosts[0] != "10.0.0.1" || got.Consistency != "quorum" || got.Timeout.Seconds() != 2 || got.Username != "etl" {
		t.Fatalf("storage config=%+v", got)
	}
}
