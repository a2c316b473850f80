package converter

import (
	"strconv"
	"strings"
)

// frontMatter accumulates a YAML front-matter block line by line.
type frontMatter struct {
	lines []string
}

func newFrontMatter() *frontMatter {
	return &frontMatter{lines: []string{"---"}}
}

// quoted adds key: "value".
func (f *frontMatter) quoted(key, value string) {
	f.lines = append(f.lines, key+`: "`+escapeYAML(value)+`"`)
}

// quotedIf adds key: "value" only when value is not empty.
func (f *frontMatter) quotedIf(key, value string) {
	if value != "" {
		f.quoted(key, value)
	}
}

// raw adds key: value without quoting; callers pass only dates and numbers.
func (f *frontMatter) raw(key, value string) {
	f.lines = append(f.lines, key+": "+value)
}

func (f *frontMatter) int(key string, v int) {
	f.raw(key, strconv.Itoa(v))
}

// list adds a block sequence of quoted values; empty lists are skipped.
func (f *frontMatter) list(key string, values []string) {
	if len(values) == 0 {
		return
	}
	f.lines = append(f.lines, key+":")
	for _, v := range values {
		f.lines = append(f.lines, `  - "`+escapeYAML(v)+`"`)
	}
}

func (f *frontMatter) String() string {
	return strings.Join(append(f.lines, "---"), "\n")
}

// escapeYAML makes s safe inside a double-quoted YAML scalar. Backslashes and
// double quotes are escaped; line breaks and other non-printable characters
// collapse to a single space.
func escapeYAML(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == '"':
			b.WriteString(`\"`)
		case nonPrintable(r):
			if !lastSpace {
				b.WriteByte(' ')
			}
			lastSpace = true
			continue
		default:
			b.WriteRune(r)
		}
		lastSpace = false
	}
	return b.String()
}

func nonPrintable(r rune) bool {
	switch {
	case r < 0x20, r >= 0x7f && r <= 0x9f:
		return true
	case r == 0x2028, r == 0x2029, r == 0xfeff, r == 0xfffe, r == 0xffff:
		return true
	}
	return false
}
