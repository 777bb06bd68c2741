// Copyright 2024-2026 Aiku AI

package discordfmt

import (
	"strings"
	"testing"
)

// FuzzParse: arbitrary Discord content must convert deterministically and
// never leak placeholder bytes into either form.
func FuzzParse(f *testing.F) {
	f.Add("**bold** _it_ ~~s~~ ||sp||")
	f.Add("```go\ncode```")
	f.Add("<@1> <#2> <@&3> <:e:4> <a:e:5>")
	f.Add("[x](https://a.b) https://c.d <https://e.f>")
	f.Add(">>> quoted\n> line")
	f.Add(`\*\_\\`)

	f.Fuzz(func(t *testing.T, text string) {
		if strings.ContainsRune(text, 0) {
			return
		}
		first := Parse(text)
		second := Parse(text)
		if *first != *second {
			t.Errorf("non-deterministic output for %q", text)
		}
		if strings.ContainsRune(first.Body, 0) || strings.ContainsRune(first.FormattedBody, 0) {
			t.Errorf("placeholder leaked for %q: %+v", text, first)
		}
	})
}
