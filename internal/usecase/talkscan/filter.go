package talkscan

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidFilter reports an empty filter set or a regex that fails to
// compile.
var ErrInvalidFilter = errors.New("talkscan: invalid filter")

// matcher finds occurrences of one filter inside revision content.
type matcher interface {
	Label() string
	Find(content string) []string
}

// literalMatcher matches a bare string as a substring anywhere in the
// content.
type literalMatcher struct {
	needle string
}

func (m literalMatcher) Label() string { return m.needle }

func (m literalMatcher) Find(content string) []string {
	count := strings.Count(content, m.needle)
	if count == 0 {
		return nil
	}
	matches := make([]string, count)
	for i := range matches {
		matches[i] = m.needle
	}
	return matches
}

// regexMatcher wraps a compiled pattern; matching is always global.
type regexMatcher struct {
	label string
	re    *regexp.Regexp
}

func (m regexMatcher) Label() string { return m.label }

func (m regexMatcher) Find(content string) []string {
	return m.re.FindAllString(content, -1)
}

// FilterSet is the parsed filter descriptor: exact string, set of exact
// strings, or a regular expression.
type FilterSet struct {
	matchers []matcher
}

// Labels returns the filter labels in declaration order.
func (f *FilterSet) Labels() []string {
	labels := make([]string, len(f.matchers))
	for i, m := range f.matchers {
		labels[i] = m.Label()
	}
	return labels
}

// rawRegex is the regex-shaped JSON object form of a filter.
type rawRegex struct {
	Regex string `json:"regex"`
	Flags string `json:"flags"`
}

// ParseFilter decodes the request filter field: a string, a string array,
// or a {regex, flags} object.
func ParseFilter(raw json.RawMessage) (*FilterSet, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing filter", ErrInvalidFilter)
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, fmt.Errorf("%w: empty string", ErrInvalidFilter)
		}
		return &FilterSet{matchers: []matcher{literalMatcher{single}}}, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		if len(many) == 0 {
			return nil, fmt.Errorf("%w: empty array", ErrInvalidFilter)
		}
		set := &FilterSet{}
		for _, needle := range many {
			if needle == "" {
				return nil, fmt.Errorf("%w: empty string in array", ErrInvalidFilter)
			}
			set.matchers = append(set.matchers, literalMatcher{needle})
		}
		return set, nil
	}

	var shaped rawRegex
	if err := json.Unmarshal(raw, &shaped); err == nil && shaped.Regex != "" {
		re, err := compileRegex(shaped)
		if err != nil {
			return nil, err
		}
		return &FilterSet{matchers: []matcher{regexMatcher{label: shaped.Regex, re: re}}}, nil
	}

	return nil, fmt.Errorf("%w: unrecognized filter shape", ErrInvalidFilter)
}

// compileRegex translates the client's flag letters into Go's inline
// flags. The global flag is implied: matching always finds every
// occurrence.
func compileRegex(shaped rawRegex) (*regexp.Regexp, error) {
	var inline strings.Builder
	for _, flag := range shaped.Flags {
		switch flag {
		case 'i', 'm', 's':
			inline.WriteRune(flag)
		case 'g':
			// Already global.
		default:
			return nil, fmt.Errorf("%w: unsupported regex flag %q", ErrInvalidFilter, string(flag))
		}
	}

	pattern := shaped.Regex
	if inline.Len() > 0 {
		pattern = "(?" + inline.String() + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return re, nil
}
