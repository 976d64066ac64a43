package attribution

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ReplyMatcher decides whether text has the shape of an automated reply.
// The decision is a best-effort heuristic.
type ReplyMatcher interface {
	Match(text string) bool
}

// DefaultPatterns are the reply shapes used when no pattern file is given:
// any digit, or a duration keyword.
var DefaultPatterns = []string{
	`\d`,
	`(?i)\b(days?|hours?|minutes?|mins?|seconds?|secs?|weeks?|months?|years?)\b`,
}

// PatternSet matches text against any of a list of regular expressions.
type PatternSet struct {
	patterns []*regexp.Regexp
}

// patternFile is the YAML shape of a pattern set file.
type patternFile struct {
	Patterns []string `yaml:"patterns"`
}

// NewPatternSet compiles exprs into a PatternSet.
//
// Postcondition: Returns an error naming the first expression that fails to compile.
func NewPatternSet(exprs []string) (*PatternSet, error) {
	ps := &PatternSet{}
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compiling reply pattern %q: %w", expr, err)
		}
		ps.patterns = append(ps.patterns, re)
	}
	return ps, nil
}

// DefaultPatternSet returns a PatternSet built from DefaultPatterns.
func DefaultPatternSet() *PatternSet {
	ps, err := NewPatternSet(DefaultPatterns)
	if err != nil {
		panic(err)
	}
	return ps
}

// ParsePatterns decodes a YAML pattern set document.
func ParsePatterns(data []byte) (*PatternSet, error) {
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing reply patterns: %w", err)
	}
	if len(f.Patterns) == 0 {
		return nil, fmt.Errorf("reply pattern file defines no patterns")
	}
	return NewPatternSet(f.Patterns)
}

// LoadPatterns reads a YAML pattern set from path.
func LoadPatterns(path string) (*PatternSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading reply patterns: %w", err)
	}
	return ParsePatterns(data)
}

// Match reports whether any pattern matches text.
func (p *PatternSet) Match(text string) bool {
	for _, re := range p.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Len returns the number of compiled patterns.
func (p *PatternSet) Len() int {
	return len(p.patterns)
}
