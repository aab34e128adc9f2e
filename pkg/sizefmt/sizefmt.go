// Package sizefmt provides byte-size parsing and human-readable formatting
// for upload limits and document sizes.
package sizefmt

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var limitPattern = regexp.MustCompile(`^(\d+)\s*(kb|mb|gb)?$`)

// Unbounded is the effective limit when no maximum size is configured.
const Unbounded = math.MaxInt64

// ParseLimit parses a size limit string like "100mb" into a byte count.
// Supported units are kb, mb and gb (decimal multipliers); a bare number is
// taken as raw bytes. An empty string means no limit and returns Unbounded.
func ParseLimit(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Unbounded, nil
	}

	m := limitPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size limit: %q", s)
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size limit: %q", s)
	}

	switch m[2] {
	case "kb":
		return n * 1_000, nil
	case "mb":
		return n * 1_000_000, nil
	case "gb":
		return n * 1_000_000_000, nil
	default:
		return n, nil
	}
}

var units = []string{"Bytes", "KB", "MB", "GB", "TB"}

// Human formats a byte count using binary multiples, one decimal place for
// everything above plain bytes. Zero or negative counts render as "n/a".
func Human(bytes int64) string {
	if bytes <= 0 {
		return "n/a"
	}

	idx := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(units) {
		idx = len(units) - 1
	}

	value := float64(bytes) / math.Pow(1024, float64(idx))
	if idx == 0 {
		return fmt.Sprintf("%d %s", bytes, units[idx])
	}
	return fmt.Sprintf("%.1f %s", value, units[idx])
}

// Ext returns the lower-cased file extension without the dot, or an empty
// string when the name has none.
func Ext(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 || i == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}
