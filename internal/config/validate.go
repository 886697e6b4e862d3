package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Severity classifies a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding from ValidatePipeline. Path is a dotted config path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// keyspaceName matches lower-case keyspace identifiers, which every backend
// accepts unquoted.
var keyspaceName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

var knownStores = map[string]bool{"cassandra": true, "postgres": true, "sqlite": true, "mssql": true}

var knownConsistency = map[string]bool{
	"": true, "any": true, "one": true, "two": true, "three": true, "quorum": true,
	"all": true, "local_quorum": true, "each_quorum": true, "local_one": true,
}

// ValidatePipeline checks p after defaults were applied and returns every issue found.
func ValidatePipeline(p Pipeline) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, a ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if strings.TrimSpace(p.Source.Dir) == "" {
		add(SeverityError, "source.dir", "must not be empty")
	}
	if p.Source.Include != "" {
		if _, err := filepath.Match(p.Source.Include, "x"); err != nil {
			add(SeverityError, "source.include", "invalid pattern %q: %v", p.Source.Include, err)
		}
	}
	if strings.TrimSpace(p.Output.Path) == "" {
		add(SeverityError, "output.path", "must not be empty")
	}

	if !knownStores[p.Storage.Kind] {
		add(SeverityError, "storage.kind", "unsupported store %q", p.Storage.Kind)
	}
	switch p.Storage.Kind {
	case "cassandra":
		if len(p.Storage.Hosts) == 0 {
			add(SeverityError, "storage.hosts", "at least one host is required for cassandra")
		}
		if p.Storage.DSN != "" {
			add(SeverityWarning, "storage.dsn", "ignored for cassandra")
		}
		if !knownConsistency[strings.ToLower(p.Storage.Consistency)] {
			add(SeverityError, "storage.consistency", "unknown consistency %q", p.Storage.Consistency)
		}
	case "postgres", "sqlite", "mssql":
		if p.Storage.DSN == "" {
			add(SeverityError, "storage.dsn", "required for %s", p.Storage.Kind)
		}
		if len(p.Storage.Hosts) > 0 {
			add(SeverityWarning, "storage.hosts", "ignored for %s", p.Storage.Kind)
		}
	}
	if !keyspaceName.MatchString(p.Storage.Keyspace) {
		add(SeverityError, "storage.keyspace", "invalid keyspace name %q", p.Storage.Keyspace)
	}
	if p.Storage.Timeout != "" {
		if d, err := time.ParseDuration(p.Storage.Timeout); err != nil || d <= 0 {
			add(SeverityWarning, "storage.timeout", "cannot parse %q; using %s", p.Storage.Timeout, DefaultTimeout)
		}
	}

	if p.Runtime.ChunkSize <= 0 {
		add(SeverityError, "runtime.chunk_size", "must be positive")
	}

	switch p.Metrics.Backend {
	case "", "none", "datadog":
	case "pushgateway":
		if p.Metrics.PushgatewayURL == "" {
			add(SeverityWarning, "metrics.pushgateway_url", "empty; PUSHGATEWAY_URL or http://localhost:9091 will be used")
		}
	default:
		add(SeverityWarning, "metrics.backend", "unknown backend %q; metrics disabled", p.Metrics.Backend)
	}

	return out
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
