// Package keyformat validates and renders the remote-store key template and
// compares server version strings against a backend's minimum supported
// version.
package keyformat

import (
	"fmt"
	"strconv"
	"strings"
)

// Default is the key format used when none is specified.
const Default = "flexlimit:{zone}:{key}"

// Format is a validated key template containing exactly the replacement
// fields {zone} and {key}.
type Format struct {
	raw string
}

// Parse validates format and returns a Format that can render keys.
//
// The format string must contain exactly the placeholders {zone} and {key},
// no more and no fewer; any other placeholder, or a missing one, is an
// error.
func Parse(format string) (Format, error) {
	fields := map[string]int{}
	i := 0
	for i < len(format) {
		open := strings.IndexByte(format[i:], '{')
		if open < 0 {
			break
		}
		open += i
		end := strings.IndexByte(format[open:], '}')
		if end < 0 {
			return Format{}, fmt.Errorf("keyformat: unterminated placeholder in %q", format)
		}
		end += open
		name := format[open+1 : end]
		if name == "" {
			return Format{}, fmt.Errorf("keyformat: empty placeholder in %q", format)
		}
		fields[name]++
		i = end + 1
	}

	want := map[string]bool{"zone": true, "key": true}
	for name := range fields {
		if !want[name] {
			return Format{}, fmt.Errorf("keyformat: unexpected placeholder %q in %q, only {zone} and {key} are allowed", name, format)
		}
	}
	for name := range want {
		if fields[name] == 0 {
			return Format{}, fmt.Errorf("keyformat: missing required placeholder {%s} in %q", name, format)
		}
	}

	return Format{raw: format}, nil
}

// Render substitutes zone and key into the template.
func (f Format) Render(zone, key string) string {
	s := strings.ReplaceAll(f.raw, "{zone}", zone)
	s = strings.ReplaceAll(s, "{key}", key)
	return s
}

// String returns the original template string.
func (f Format) String() string {
	return f.raw
}

// Version is a dot-separated version tuple, compared lexicographically on
// its integer components.
type Version []int

// ParseVersion parses a dot-separated version string such as "7.0.4" or
// "3.2".
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	v := make(Version, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("keyformat: invalid version component %q in %q: %w", p, s, err)
		}
		v = append(v, n)
	}
	return v, nil
}

// Less reports whether v sorts before other, comparing components
// lexicographically and treating a missing trailing component as 0.
func (v Version) Less(other Version) bool {
	n := len(v)
	if len(other) > n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		a, b := 0, 0
		if i < len(v) {
			a = v[i]
		}
		if i < len(other) {
			b = other[i]
		}
		if a != b {
			return a < b
		}
	}
	return false
}

func (v Version) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}
