package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatValue renders a stored value for display. NULL is rendered as "NULL",
// and float32 keeps its own precision so 495.3073 does not print as 495.30731201171875.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return t
	case []byte:
		return string(t)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case *string:
		if t == nil {
			return "NULL"
		}
		return *t
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
