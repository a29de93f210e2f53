package pathcodec

import "strings"

const (
	// Separator joins encoded path components.
	Separator = '/'
	// Escape prefixes a literal separator or escape character.
	Escape = '\\'
)

// EscapeComponent escapes a single path component.
func EscapeComponent(component string) string {
	if !strings.ContainsAny(component, `\/`) {
		return component
	}
	var sb strings.Builder
	sb.Grow(len(component) + 4)
	for i := 0; i < len(component); i++ {
		c := component[i]
		if c == Escape || c == Separator {
			sb.WriteByte(Escape)
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// Encode escapes every component and joins them with the separator.
func Encode(components []string) string {
	var sb strings.Builder
	for i, c := range components {
		if i > 0 {
			sb.WriteByte(Separator)
		}
		sb.WriteString(EscapeComponent(c))
	}
	return sb.String()
}

// Decode splits an encoded path on unescaped separators and unescapes each
// component. A backslash that does not precede `\` or `/` is kept as is.
// Decoding the empty string yields a single empty component.
func Decode(path string) []string {
	components := make([]string, 0, 4)
	var sb strings.Builder
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case c == Escape && i+1 < len(path) && (path[i+1] == Escape || path[i+1] == Separator):
			sb.WriteByte(path[i+1])
			i++
		case c == Separator:
			components = append(components, sb.String())
			sb.Reset()
		default:
			sb.WriteByte(c)
		}
	}
	return append(components, sb.String())
}
