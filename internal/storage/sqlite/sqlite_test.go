package sqlite

import (
	"context"
	"strings"
	"testing"

	"musicetl/internal/storage"
)

func q1Spec() storage.TableSpec {
	return storage.TableSpec{
		Name: "music_library_q1",
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
	}
}

func TestCreateTableSQL(t *testing.T) {
	t.Parallel()

	got, err := Dialect{}.CreateTableSQL(q1Spec())
	if err != nil {
		t.Fatalf("CreateTableSQL: %v", err)
	}
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "music_library_q1"`,
		`"length" REAL`,
		`"session_id" INTEGER NOT NULL`,
		`PRIMARY KEY ("session_id", "item_in_session")`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("DDL missing %q: %s", want, got)
		}
	}
}

func TestInsertSQL(t *testing.T) {
	t.Parallel()

	got, err := Dialect{}.InsertSQL(q1Spec(), q1Spec().ColumnNames())
	if err != nil {
		t.Fatalf("InsertSQL: %v", err)
	}
	want := `INSERT OR REPLACE INTO "music_library_q1" ("artist", "song", "item_in_session", "length", "session_id") VALUES (?, ?, ?, ?, ?)`
	if got != want {
		t.Fatalf("InsertSQL:\n got %s\nwant %s", got, want)
	}

	if _, err := (Dialect{}).InsertSQL(q1Spec(), []string{"user_id"}); err == nil {
		t.Fatalf("expected error for unknown column")
	}
}

func TestSession_UpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	s, err := storage.Open(ctx, storage.Config{Kind: Kind, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.CreateKeyspace(ctx, "udacity", 1); err != nil {
		t.Fatalf("CreateKeyspace: %v", err)
	}
	ddl, _ := s.CreateTableSQL(q1Spec())
	if err := s.Exec(ctx, ddl); err != nil {
		t.Fatalf("create: %v", err)
	}
	ins, _ := s.InsertSQL(q1Spec(), q1Spec().ColumnNames())
	for _, song := range []string{"Old", "New"} {
		if err := s.Exec(ctx, ins, "Muse", song, 4, float32(3.1), 338); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	q, limited := s.LimitSQL("SELECT artist, song FROM music_library_q1 WHERE session_id = 338", 5)
	if !limited {
		t.Fatalf("sqlite should limit in SQL")
	}
	rows, err := s.Query(ctx, q)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rows.Len() != 1 || rows.Values[0][1] != "New" {
		t.Fatalf("rows=%+v, want one overwritten row", rows.Values)
	}

	if err := s.Exec(ctx, s.DropTableSQL("music_library_q1")); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if err := s.Exec(ctx, s.DropTableSQL("music_library_q1")); err != nil {
		t.Fatalf("second drop should be a no-op: %v", err)
	}
	s.Close()
}
