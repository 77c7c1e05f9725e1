package objc

import (
	"strings"
	"unicode"
)

// Ownership says whether a native entry point hands its result to the caller.
type Ownership uint8

const (
	// Borrowed results (+0) are not owned by the caller and must be retained
	// to outlive the current autorelease pool.
	Borrowed Ownership = iota
	// Transferred results (+1) are owned by the caller, who releases them
	// exactly once.
	Transferred
)

func (o Ownership) String() string {
	if o == Transferred {
		return "+1"
	}
	return "+0"
}

var leadingFamilies = map[string]bool{
	"alloc":  true,
	"init":   true,
	"new":    true,
	"copy":   true,
	"create": true,
	"make":   true,
}

var embeddedFamilies = map[string]bool{
	"Create": true,
	"Copy":   true,
	"New":    true,
}

// Family returns the naming-convention family name matched by name, or ""
// when the name is in no transferring family.
func Family(name string) string {
	words := selectorWords(name)
	if len(words) == 0 {
		return ""
	}
	first := words[0]
	if first == "mutable" && len(words) > 1 && words[1] == "Copy" {
		return "mutableCopy"
	}
	if leadingFamilies[first] {
		return first
	}
	for _, w := range words[1:] {
		if embeddedFamilies[w] {
			return strings.ToLower(w[:1]) + w[1:]
		}
	}
	return ""
}

// Classify applies the Cocoa and CoreFoundation naming conventions to a
// selector or C function name: alloc/init/new/copy/mutableCopy method
// families, create/make constructors, and names with an embedded Create, Copy
// or New word transfer ownership. Everything else is borrowed.
//
// Matching is done on camelCase word boundaries, so "newAxis" and
// "copyFrom" transfer but "renewal" and "copyright" do not match as "new"
// or "copy" in their embedded positions.
func Classify(name string) Ownership {
	if Family(name) != "" {
		return Transferred
	}
	return Borrowed
}

// selectorWords splits the part of a selector before its first colon into
// camelCase words. Runs of capitals stay together ("MTLCreate" gives "MTL",
// "Create").
func selectorWords(name string) []string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimLeft(name, "_")
	if name == "" {
		return nil
	}
	runes := []rune(name)
	var words []string
	start := 0
	for i := 1; i < len(runes); i++ {
		cur, prev := runes[i], runes[i-1]
		boundary := false
		switch {
		case unicode.IsUpper(cur) && unicode.IsLower(prev):
			boundary = true
		case unicode.IsUpper(cur) && unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1]):
			boundary = true
		case unicode.IsDigit(cur) != unicode.IsDigit(prev) && !unicode.IsUpper(cur):
			boundary = unicode.IsDigit(cur)
		}
		if boundary {
			words = append(words, string(runes[start:i]))
			start = i
		}
	}
	return append(words, string(runes[start:]))
}

// Take wraps a value returned by selector according to its ownership. A Nil
// result is an error unless optional is set, in which case (nil, nil) is
// returned.
func Take(rt Runtime, selector string, own Ownership, id ID, optional bool) (*Object, error) {
	if id.IsNil() {
		if optional {
			return nil, nil
		}
		return nil, &NilHandleError{Selector: selector}
	}
	if own == Transferred {
		return Adopt(rt, id)
	}
	return RetainBorrowed(rt, id)
}
