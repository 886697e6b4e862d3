package cassandra

import (
	"testing"
	"time"

	"github.com/gocql/gocql"

	"musicetl/internal/storage"
)

func q2Spec() storage.TableSpec {
	return storage.TableSpec{
		Name: "music_library_q2",
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
	}
}

func TestCreateTableSQL(t *testing.T) {
	t.Parallel()

	got, err := Dialect{}.CreateTableSQL(q2Spec())
	if err != nil {
		t.Fatalf("CreateTableSQL: %v", err)
	}
	want := "CREATE TABLE IF NOT EXISTS music_library_q2 (artist text, song text, first_name text, last_name text, " +
		"item_in_session int, length float, level text, location text, session_id int, user_id int, " +
		"PRIMARY KEY ((user_id, session_id), item_in_session)) WITH CLUSTERING ORDER BY (item_in_session ASC)"
	if got != want {
		t.Fatalf("CreateTableSQL:\n got %s\nwant %s", got, want)
	}
}

func TestCreateTableSQL_NoClustering(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:       "by_song",
		Columns:    []storage.ColumnSpec{{Name: "song", Type: "text"}},
		PrimaryKey: storage.PrimaryKey{Partition: []string{"song"}},
	}
	got, err := Dialect{}.CreateTableSQL(spec)
	if err != nil {
		t.Fatalf("CreateTableSQL: %v", err)
	}
	if want := "CREATE TABLE IF NOT EXISTS by_song (song text, PRIMARY KEY ((song)))"; got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestInsertSQL(t *testing.T) {
	t.Parallel()

	got, err := Dialect{}.InsertSQL(q2Spec(), []string{"artist", "user_id"})
	if err != nil {
		t.Fatalf("InsertSQL: %v", err)
	}
	if want := "INSERT INTO music_library_q2 (artist, user_id) VALUES (?, ?)"; got != want {
		t.Fatalf("got %s want %s", got, want)
	}
	if _, err := (Dialect{}).InsertSQL(q2Spec(), nil); err == nil {
		t.Fatalf("expected error for no columns")
	}
}

func TestCreateKeyspaceSQL(t *testing.T) {
	t.Parallel()

	got, err := Dialect{}.CreateKeyspaceSQL("udacity", 1)
	if err != nil {
		t.Fatalf("CreateKeyspaceSQL: %v", err)
	}
	want := "CREATE KEYSPACE IF NOT EXISTS udacity WITH REPLICATION = {'class': 'SimpleStrategy', 'replication_factor': 1}"
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
	if _, err := (Dialect{}).CreateKeyspaceSQL("Bad-Name", 1); err == nil {
		t.Fatalf("expected error for invalid name")
	}
	if _, err := (Dialect{}).CreateKeyspaceSQL("udacity", 0); err == nil {
		t.Fatalf("expected error for rf 0")
	}
}

func TestNewCluster(t *testing.T) {
	t.Parallel()

	cluster, err := newCluster(storage.Config{
		Hosts:       []string{"10.0.0.1", "10.0.0.2"},
		Consistency: "quorum",
		Timeout:     2 * time.Second,
		Username:    "u",
		Password:    "p",
	}, "udacity")
	if err != nil {
		t.Fatalf("newCluster: %v", err)
	}
	if cluster.Keyspace != "udacity" || cluster.Consistency != gocql.Quorum || cluster.Timeout != 2*time.Second {
		t.Fatalf("cluster=%+v", cluster)
	}
	if _, ok := cluster.Authenticator.(gocql.PasswordAuthenticator); !ok {
		t.Fatalf("authenticator=%T", cluster.Authenticator)
	}

	if _, err := newCluster(storage.Config{Hosts: DefaultHosts, Consistency: "sometimes"}, ""); err == nil {
		t.Fatalf("expected error for bad consistency")
	}
}
