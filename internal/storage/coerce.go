package storage

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrCoerce is returned when a source string does not parse as the column type.
var ErrCoerce = errors.New("cannot coerce value")

// Coerce converts a consolidated-file string into the Go value bound for a
// column of the given CQL type. An empty string for a non-text column binds NULL.
func Coerce(cqlType, v string) (any, error) {
	typ := strings.ToLower(cqlType)
	switch typ {
	case "text", "varchar", "ascii":
		return v, nil
	}

	s := strings.TrimSpace(v)
	if s == "" {
		return nil, nil
	}

	switch typ {
	case "int":
		n, err := parseInt(s, 32)
		if err != nil {
			return nil, coerceErr(typ, v, err)
		}
		return int(n), nil
	case "smallint":
		n, err := parseInt(s, 16)
		if err != nil {
			return nil, coerceErr(typ, v, err)
		}
		return int16(n), nil
	case "bigint":
		n, err := parseInt(s, 64)
		if err != nil {
			return nil, coerceErr(typ, v, err)
		}
		return n, nil
	case "float":
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, coerceErr(typ, v, err)
		}
		return float32(f), nil
	case "double":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, coerceErr(typ, v, err)
		}
		return f, nil
	case "boolean":
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, coerceErr(typ, v, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: unsupported type %q", ErrCoerce, cqlType)
}

// parseInt accepts integral floats ("338.0") because some exports write ids that way.
func parseInt(s string, bits int) (int64, error) {
	n, err := strconv.ParseInt(s, 10, bits)
	if err == nil {
		return n, nil
	}
	f, ferr := strconv.ParseFloat(s, 64)
	if ferr != nil || f != math.Trunc(f) {
		return 0, err
	}
	lim := math.Ldexp(1, bits-1)
	if f < -lim || f >= lim {
		return 0, err
	}
	return int64(f), nil
}

func coerceErr(typ, v string, err error) error {
	return fmt.Errorf("%w: %q as %s: %v", ErrCoerce, v, typ, err)
}
