package classify

import "strings"

// maxSignatureLen bounds stored signatures.
const maxSignatureLen = 100

// NormalizeSignature reduces an error message to a stable clustering
// key: first line only, digit runs collapsed to N, quoted strings
// collapsed to STR, truncated to 100 characters. Two failures with the
// same shape but different ids or values normalize identically.
func NormalizeSignature(message string) string {
	line := message
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}

	var b strings.Builder
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte('N')
			for i < len(line) && line[i] >= '0' && line[i] <= '9' {
				i++
			}
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			for j < len(line) && line[j] != quote {
				j++
			}
			if j < len(line) {
				b.WriteString("STR")
				i = j + 1
			} else {
				b.WriteByte(c)
				i++
			}
		default:
			b.WriteByte(c)
			i++
		}
	}

	out := b.String()
	if len(out) > maxSignatureLen {
		out = out[:maxSignatureLen]
	}
	return out
}
