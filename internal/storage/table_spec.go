// TableSpec lives in storage so schema definitions and every backend dialect can
// use it without import cycles.
package storage

import (
	"fmt"
	"regexp"
	"strings"
)

// ColumnSpec is one table column. Type is a CQL type name (text, int, bigint,
// float, double, boolean); SQL backends map it to their own types.
type ColumnSpec struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// ClusteringColumn is a clustering key column with its sort direction.
type ClusteringColumn struct {
	Name string `json:"name" yaml:"name"`
	Desc bool   `json:"desc,omitempty" yaml:"desc,omitempty"`
}

// PrimaryKey is a partition key plus optional clustering columns.
type PrimaryKey struct {
	Partition  []string           `json:"partition" yaml:"partition"`
	Clustering []ClusteringColumn `json:"clustering,omitempty" yaml:"clustering,omitempty"`
}

// Columns returns partition then clustering column names.
func (pk PrimaryKey) Columns() []string {
	out := make([]string, 0, len(pk.Partition)+len(pk.Clustering))
	out = append(out, pk.Partition...)
	for _, c := range pk.Clustering {
		out = append(out, c.Name)
	}
	return out
}

// CQL renders the key as it appears inside PRIMARY KEY (...), e.g.
// "(user_id, session_id), item_in_session".
func (pk PrimaryKey) CQL() string {
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(strings.Join(pk.Partition, ", "))
	b.WriteString(")")
	for _, c := range pk.Clustering {
		b.WriteString(", ")
		b.WriteString(c.Name)
	}
	return b.String()
}

// TableSpec describes one query-shaped table.
type TableSpec struct {
	Name       string       `json:"name" yaml:"name"`
	Columns    []ColumnSpec `json:"columns" yaml:"columns"`
	PrimaryKey PrimaryKey   `json:"primary_key" yaml:"primary_key"`

	// Statement is the business question the table answers; logged with its DDL.
	Statement string `json:"statement,omitempty" yaml:"statement,omitempty"`
}

// ColumnNames returns column names in declaration order, which is also insert order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Column looks up a column by name.
func (t TableSpec) Column(name string) (ColumnSpec, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// IsKey reports whether name is part of the primary key.
func (t TableSpec) IsKey(name string) bool {
	for _, k := range t.PrimaryKey.Columns() {
		if k == name {
			return true
		}
	}
	return false
}

var identRE = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidIdent reports whether s is a lower-case identifier that needs no quoting
// in CQL or any SQL backend.
func ValidIdent(s string) bool { return identRE.MatchString(s) }

var knownTypes = map[string]bool{
	"text": true, "varchar": true, "ascii": true,
	"int": true, "bigint": true, "smallint": true,
	"float": true, "double": true, "boolean": true,
}

// Validate checks names, types and that every key column is declared.
func (t TableSpec) Validate() error {
	if !ValidIdent(t.Name) {
		return fmt.Errorf("table %q: invalid name", t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if !ValidIdent(c.Name) {
			return fmt.Errorf("table %s: invalid column name %q", t.Name, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %s: duplicate column %s", t.Name, c.Name)
		}
		seen[c.Name] = true
		if !knownTypes[strings.ToLower(c.Type)] {
			return fmt.Errorf("table %s: column %s: unsupported type %q", t.Name, c.Name, c.Type)
		}
	}
	if len(t.PrimaryKey.Partition) == 0 {
		return fmt.Errorf("table %s: empty partition key", t.Name)
	}
	keys := make(map[string]bool)
	for _, k := range t.PrimaryKey.Columns() {
		if !seen[k] {
			return fmt.Errorf("table %s: key column %s is not declared", t.Name, k)
		}
		if keys[k] {
			return fmt.Errorf("table %s: key column %s repeated", t.Name, k)
		}
		keys[k] = true
	}
	return nil
}
