// Package render substitutes {{key}} placeholders in email templates.
//
// Rendering is permissive by default: placeholders without a value are left
// verbatim and malformed placeholder syntax is treated as literal text, so a
// single bad template never fails a whole batch.
package render

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrUnresolved is returned by a strict Renderer when placeholders remain.
var ErrUnresolved = errors.New("unresolved placeholders")

var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Content is the renderable part of a template.
type Content struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer renders template content. The zero value is permissive.
type Renderer struct {
	// Strict makes Render report placeholders that had no value.
	Strict bool
}

// Render substitutes vars into c. HTML falls back to Text when empty, before
// substitution. In strict mode the rendered content is still returned
// alongside ErrUnresolved.
func (r Renderer) Render(c Content, vars map[string]string) (Content, error) {
	if c.HTML == "" {
		c.HTML = c.Text
	}

	missing := make(map[string]struct{})
	out := Content{
		Subject: substitute(c.Subject, vars, missing),
		HTML:    substitute(c.HTML, vars, missing),
		Text:    substitute(c.Text, vars, missing),
	}

	if r.Strict && len(missing) > 0 {
		keys := make([]string, 0, len(missing))
		for k := range missing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return out, fmt.Errorf("%w: %s", ErrUnresolved, strings.Join(keys, ", "))
	}

	return out, nil
}

// Render renders c permissively.
func Render(c Content, vars map[string]string) Content {
	out, _ := Renderer{}.Render(c, vars)
	return out
}

// substitute replaces placeholders in one left-to-right pass. Substituted
// values are never rescanned.
func substitute(s string, vars map[string]string, missing map[string]struct{}) string {
	if !strings.Contains(s, "{{") {
		return s
	}

	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-2]
		if v, ok := vars[key]; ok {
			return v
		}
		if missing != nil {
			missing[key] = struct{}{}
		}
		return match
	})
}

// Placeholders returns the distinct placeholder keys of the given strings in
// order of first appearance. Keys with surrounding spaces are not listed.
func Placeholders(ss ...string) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, s := range ss {
		for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
			key := m[1]
			if seen[key] || strings.TrimSpace(key) != key {
				continue
			}
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}
