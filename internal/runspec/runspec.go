// Package runspec expands the operator's URL set and language selection
// into the ordered list of single-language invocations the sequencer drives.
package runspec

import (
	"errors"
	"fmt"
	"strings"
)

// Language selects which client-facing language an invocation audits in.
type Language string

const (
	LangRO   Language = "ro"
	LangEN   Language = "en"
	LangBoth Language = "both"
)

// ErrNoTargets is returned when the URL set is empty.
var ErrNoTargets = errors.New("runspec: no target URLs")

// Spec is one (url, language) invocation. Specs are transient: they live
// only for the duration of a single sequence and are never persisted.
type Spec struct {
	URL  string
	Lang Language
}

// ParseLanguage normalizes a selector string.
func ParseLanguage(value string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "ro":
		return LangRO, nil
	case "en", "":
		return LangEN, nil
	case "both":
		return LangBoth, nil
	default:
		return "", fmt.Errorf("runspec: unknown language %q", value)
	}
}

// Expand produces the ordered run list. A single language yields one spec
// per URL in input order; "both" yields two per URL, Romanian first. URLs
// are assumed already validated by the caller.
func Expand(urls []string, lang Language) ([]Spec, error) {
	if len(urls) == 0 {
		return nil, ErrNoTargets
	}
	langs := []Language{lang}
	if lang == LangBoth {
		langs = []Language{LangRO, LangEN}
	}
	specs := make([]Spec, 0, len(urls)*len(langs))
	for _, url := range urls {
		for _, l := range langs {
			specs = append(specs, Spec{URL: url, Lang: l})
		}
	}
	return specs, nil
}
