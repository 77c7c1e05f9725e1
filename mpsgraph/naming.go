package mpsgraph

import (
	"strings"
	"unicode"
)

// MethodName derives the Go name of a selector: the first keyword, without
// a trailing "With..." argument label, in CamelCase. "additionWithPrimaryTensor:
// secondaryTensor:name:" becomes "Addition" and "reLUWithTensor:name:" becomes
// "ReLU".
func MethodName(selector string) string {
	first := firstKeyword(selector)
	if i := withLabel(first); i > 0 {
		first = first[:i]
	}
	return upperFirst(first)
}

// SnakeName is the snake_case form of a Go name. A run of capitals is one
// word: "RunWithMTLCommandQueue" gives "run_with_mtl_command_queue".
func SnakeName(goName string) string {
	return strings.Join(camelWords(goName), "_")
}

func firstKeyword(selector string) string {
	if i := strings.IndexByte(selector, ':'); i >= 0 {
		return selector[:i]
	}
	return selector
}

// withLabel returns the index of the first "With" that starts an argument
// label, or -1.
func withLabel(keyword string) int {
	for i := 1; i+4 < len(keyword); i++ {
		if strings.HasPrefix(keyword[i:], "With") && unicode.IsUpper(rune(keyword[i+4])) {
			return i
		}
	}
	return -1
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// camelWords splits a CamelCase identifier into lower-case words.
func camelWords(s string) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}
	var words []string
	start := 0
	for i := 1; i < len(runes); i++ {
		cur, prev := runes[i], runes[i-1]
		lowerToUpper := unicode.IsUpper(cur) && unicode.IsLower(prev)
		acronymEnd := unicode.IsUpper(cur) && unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1])
		if lowerToUpper || acronymEnd {
			words = append(words, strings.ToLower(string(runes[start:i])))
			start = i
		}
	}
	return append(words, strings.ToLower(string(runes[start:])))
}

// Binding is a registry entry together with its Go names.
type Binding struct {
	EntryPoint
	GoName    string
	SnakeName string
	// Extension is set when GoName had to be extended past MethodName to
	// stay unique within the class.
	Extension bool
}

// Names resolves the Go name of every registry entry, in registry order.
// Within a class the first entry keeps MethodName; later entries that would
// collide are named after their whole first keyword
// ("runWithMTLCommandQueue:..." gives "RunWithMTLCommandQueue") and, if
// that is taken too, after all of their keywords.
func Names() []Binding {
	taken := map[string]map[string]bool{}
	out := make([]Binding, 0, len(registry))
	for _, ep := range registry {
		used := taken[ep.Class]
		if used == nil {
			used = map[string]bool{}
			taken[ep.Class] = used
		}
		name := MethodName(ep.Selector)
		ext := false
		if used[name] {
			ext = true
			name = upperFirst(firstKeyword(ep.Selector))
			if used[name] {
				name = allKeywords(ep.Selector)
			}
		}
		used[name] = true
		out = append(out, Binding{EntryPoint: ep, GoName: name, SnakeName: SnakeName(name), Extension: ext})
	}
	return out
}

func allKeywords(selector string) string {
	var b strings.Builder
	for _, kw := range strings.Split(selector, ":") {
		b.WriteString(upperFirst(kw))
	}
	return b.String()
}
