package format

import "strings"

// flattenMarkdown drops heading hashes and inline emphasis markers
// (**bold**, *italic*, `code`) so agent prose reads cleanly in a terminal.
// Unclosed markers stay literal; a backslash escapes a marker.
func flattenMarkdown(input string) string {
	if input == "" {
		return input
	}
	lines := strings.Split(input, "\n")
	for i, line := range lines {
		lines[i] = flattenInline(stripHeading(line))
	}
	return strings.Join(lines, "\n")
}

func stripHeading(line string) string {
	rest := strings.TrimLeft(line, "#")
	level := len(line) - len(rest)
	if level == 0 || level > 6 || !strings.HasPrefix(rest, " ") {
		return line
	}
	return strings.TrimPrefix(rest, " ")
}

func flattenInline(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	var bold, italic, code bool
	for i := 0; i < len(input); {
		ch := input[i]
		switch {
		case ch == '\\' && !code && i+1 < len(input) && isMarker(input[i+1]):
			b.WriteByte(input[i+1])
			i += 2
		case ch == '`':
			if code || strings.Contains(input[i+1:], "`") {
				code = !code
			} else {
				b.WriteByte(ch)
			}
			i++
		case code:
			b.WriteByte(ch)
			i++
		case strings.HasPrefix(input[i:], "**"):
			if bold || strings.Contains(input[i+2:], "**") {
				bold = !bold
			} else {
				b.WriteString("**")
			}
			i += 2
		case ch == '*':
			if italic || strings.Contains(input[i+1:], "*") {
				italic = !italic
			} else {
				b.WriteByte(ch)
			}
			i++
		default:
			b.WriteByte(ch)
			i++
		}
	}
	return b.String()
}

func isMarker(ch byte) bool {
	return ch == '*' || ch == '`' || ch == '\\'
}
