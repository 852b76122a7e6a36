// Package filter implements the feed item title matching engine.
package filter

import (
	"fmt"
	"regexp"
)

// Rule is a compiled include/exclude pair. The zero value matches every title.
type Rule struct {
	include *regexp.Regexp
	exclude *regexp.Regexp

	includeSrc string
	excludeSrc string
}

// PatternError reports which side of a rule failed to compile.
type PatternError struct {
	Side    string
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid %s pattern %q: %v", e.Side, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// Compile builds a Rule from user supplied fragments. Both fragments are
// anchored to the whole title and matched case-insensitively.
// An empty include matches every title, an empty exclude matches none.
func Compile(include, exclude string) (Rule, error) {
	incSrc := include
	if incSrc == "" {
		incSrc = ".*"
	}
	inc, err := compileAnchored(incSrc)
	if err != nil {
		return Rule{}, &PatternError{Side: "include", Pattern: include, Err: err}
	}

	var exc *regexp.Regexp
	if exclude != "" {
		exc, err = compileAnchored(exclude)
		if err != nil {
			return Rule{}, &PatternError{Side: "exclude", Pattern: exclude, Err: err}
		}
	}

	return Rule{include: inc, exclude: exc, includeSrc: include, excludeSrc: exclude}, nil
}

// MatchAll returns a rule that passes every title.
func MatchAll() Rule {
	r, _ := Compile("", "")
	return r
}

// Match reports whether title passes the rule: include matches the whole
// title and exclude does not.
func (r Rule) Match(title string) bool {
	if r.include != nil && !r.include.MatchString(title) {
		return false
	}
	if r.exclude != nil && r.exclude.MatchString(title) {
		return false
	}
	return true
}

// Include returns the include fragment the rule was compiled from.
func (r Rule) Include() string { return r.includeSrc }

// Exclude returns the exclude fragment the rule was compiled from.
func (r Rule) Exclude() string { return r.excludeSrc }

// ValidateRegex checks whether a pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	if _, err := compileAnchored(pattern); err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}

func compileAnchored(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)^(?:" + pattern + ")$")
}
