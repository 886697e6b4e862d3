// Package file lists and opens the per-session event files under an input directory.
package file

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrNoFiles is returned by ListFiles when nothing matched under root.
var ErrNoFiles = errors.New("no input files")

// ListFiles walks root recursively and returns every regular file whose base
// name matches include (filepath.Match syntax; "" matches all). Results are sorted
// so reruns concatenate files in the same order.
func ListFiles(root, include string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("input dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input dir: %s is not a directory", root)
	}

	var out []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if include != "" {
			ok, err := filepath.Match(include, d.Name())
			if err != nil {
				return fmt.Errorf("include pattern %q: %w", include, err)
			}
			if !ok {
				return nil
			}
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoFiles, root)
	}
	sort.Strings(out)
	return out, nil
}

// Open opens path and decodes it to UTF-8.
//
// enc is a WHATWG encoding label ("utf-8", "windows-1252", "latin1", ...). An
// empty label means UTF-8. A leading UTF-8 BOM is always stripped.
func Open(path, enc string) (io.ReadCloser, error) {
	dec, err := lookupEncoding(enc)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &decodedFile{
		Reader: transform.NewReader(f, dec.NewDecoder()),
		Closer: f,
	}, nil
}

type decodedFile struct {
	io.Reader
	io.Closer
}

func lookupEncoding(label string) (encoding.Encoding, error) {
	label = strings.TrimSpace(strings.ToLower(label))
	if label == "" || label == "utf-8" || label == "utf8" {
		return unicode.UTF8BOM, nil
	}
	e, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", label, err)
	}
	return e, nil
}
