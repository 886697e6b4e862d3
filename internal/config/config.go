// Package config defines the pipeline configuration file and its validation.
//
// A config is JSON by default; files ending in .yaml or .yml are decoded with
// yaml.v3. Every section has defaults, so `{}` is a valid local run against
// Cassandra on localhost.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultInputDir          = "event_data"
	DefaultOutputPath        = "event_datafile_new.csv"
	DefaultStoreKind         = "cassandra"
	DefaultKeyspace          = "udacity"
	DefaultReplicationFactor = 1
	DefaultChunkSize         = 100000
	DefaultTimeout           = 5 * time.Second
)

// Pipeline is the whole run configuration.
type Pipeline struct {
	Job     string  `json:"job" yaml:"job"`
	Source  Source  `json:"source" yaml:"source"`
	Output  Output  `json:"output" yaml:"output"`
	Storage Storage `json:"storage" yaml:"storage"`
	Runtime Runtime `json:"runtime" yaml:"runtime"`
	Metrics Metrics `json:"metrics" yaml:"metrics"`
}

// Source describes the directory of per-session event files.
type Source struct {
	Dir string `json:"dir" yaml:"dir"`

	// Include is a filepath.Match pattern applied to base names. Empty means every file.
	Include string `json:"include" yaml:"include"`

	// Parser options: comma, lazy_quotes, trim_space, encoding, has_header.
	Parser Options `json:"parser" yaml:"parser"`
}

type Output struct {
	Path string `json:"path" yaml:"path"`
}

// Storage selects and configures the store backend.
type Storage struct {
	// Kind: "cassandra" | "postgres" | "sqlite" | "mssql"
	Kind string `json:"kind" yaml:"kind"`

	// Hosts is used by cassandra. DSN is used by the SQL backends.
	Hosts []string `json:"hosts" yaml:"hosts"`
	DSN   string   `json:"dsn" yaml:"dsn"`

	Keyspace          string `json:"keyspace" yaml:"keyspace"`
	ReplicationFactor int    `json:"replication_factor" yaml:"replication_factor"`
	Consistency       string `json:"consistency" yaml:"consistency"`
	Timeout           string `json:"timeout" yaml:"timeout"`
	Username          string `json:"username" yaml:"username"`
	Password          string `json:"password" yaml:"password"`

	// KeepTables skips the teardown drop so tables can be inspected after a run.
	KeepTables bool `json:"keep_tables" yaml:"keep_tables"`
}

// TimeoutDuration parses Timeout, falling back to DefaultTimeout.
func (s Storage) TimeoutDuration() time.Duration {
	if s.Timeout == "" {
		return DefaultTimeout
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

// Runtime controls load behavior.
type Runtime struct {
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// StrictRows makes a malformed source line fatal instead of counted and skipped.
	StrictRows bool `json:"strict_rows" yaml:"strict_rows"`

	// QueryLimit caps rows printed per validation query. 0 means no limit.
	QueryLimit int `json:"query_limit" yaml:"query_limit"`

	// FailOnErrors makes the run fail when any DDL/DML operation failed.
	FailOnErrors bool `json:"fail_on_errors" yaml:"fail_on_errors"`
}

type Metrics struct {
	// Backend: "none" | "datadog" | "pushgateway"
	Backend        string   `json:"backend" yaml:"backend"`
	PushgatewayURL string   `json:"pushgateway_url" yaml:"pushgateway_url"`
	Tags           []string `json:"tags" yaml:"tags"`
}

// Default returns a Pipeline with every default applied.
func Default() Pipeline {
	var p Pipeline
	p.ApplyDefaults()
	return p
}

// ApplyDefaults fills zero-valued fields. A zero QueryLimit stays "no limit".
func (p *Pipeline) ApplyDefaults() {
	if p.Job == "" {
		p.Job = "musicetl"
	}
	if p.Source.Dir == "" {
		p.Source.Dir = DefaultInputDir
	}
	if p.Output.Path == "" {
		p.Output.Path = DefaultOutputPath
	}
	if p.Storage.Kind == "" {
		p.Storage.Kind = DefaultStoreKind
	}
	if p.Storage.Kind == "cassandra" && len(p.Storage.Hosts) == 0 {
		p.Storage.Hosts = []string{"127.0.0.1"}
	}
	if p.Storage.Keyspace == "" {
		p.Storage.Keyspace = DefaultKeyspace
	}
	if p.Storage.ReplicationFactor <= 0 {
		p.Storage.ReplicationFactor = DefaultReplicationFactor
	}
	if p.Runtime.ChunkSize <= 0 {
		p.Runtime.ChunkSize = DefaultChunkSize
	}
	if p.Runtime.QueryLimit < 0 {
		p.Runtime.QueryLimit = 0
	}
	if p.Metrics.Backend == "" {
		p.Metrics.Backend = "none"
	}
}

// ExpandEnv substitutes ${VAR} references in connection settings.
func (p *Pipeline) ExpandEnv() {
	p.Storage.DSN = os.ExpandEnv(p.Storage.DSN)
	p.Storage.Username = os.ExpandEnv(p.Storage.Username)
	p.Storage.Password = os.ExpandEnv(p.Storage.Password)
	for i, h := range p.Storage.Hosts {
		p.Storage.Hosts[i] = os.ExpandEnv(h)
	}
	p.Source.Dir = os.ExpandEnv(p.Source.Dir)
	p.Output.Path = os.ExpandEnv(p.Output.Path)
}

// Load reads a config file and applies defaults. An empty path returns Default().
func Load(path string) (Pipeline, error) {
	p, err := Read(path)
	if err != nil {
		return Pipeline{}, err
	}
	p.ApplyDefaults()
	return p, nil
}

// Read decodes a config file by extension and expands env references, leaving
// defaults unapplied so callers can layer overrides first. An empty path
// returns the zero Pipeline.
func Read(path string) (Pipeline, error) {
	if path == "" {
		return Pipeline{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read config: %w", err)
	}
	p, err := Decode(raw, filepath.Ext(path))
	if err != nil {
		return Pipeline{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	p.ExpandEnv()
	return p, nil
}

// Decode parses raw config bytes. ext selects YAML for ".yaml"/".yml".
func Decode(raw []byte, ext string) (Pipeline, error) {
	var p Pipeline
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		// An empty document decodes to io.EOF; treat it like `{}`.
		if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
			return Pipeline{}, err
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return Pipeline{}, err
		}
	}
	return p, nil
}
