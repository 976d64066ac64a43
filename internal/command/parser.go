package command

import "strings"

// ParseResult holds the parsed command name and arguments from a text line.
type ParseResult struct {
	// Command is the first word of the input without its prefix, lowercased.
	Command string
	// Args are the remaining words after the command.
	Args []string
	// RawArgs is the raw text after the command, preserving inner spacing.
	RawArgs string
}

// Parse splits a prefixed line such as "!w bob hello" into a command and
// arguments.
//
// Postcondition: ok is false when line does not start with prefix or holds
// nothing after it.
func Parse(line, prefix string) (ParseResult, bool) {
	line = strings.TrimSpace(line)
	if prefix == "" || !strings.HasPrefix(line, prefix) {
		return ParseResult{}, false
	}
	line = strings.TrimSpace(line[len(prefix):])
	if line == "" {
		return ParseResult{}, false
	}

	spaceIdx := strings.IndexAny(line, " \t")
	if spaceIdx < 0 {
		return ParseResult{Command: strings.ToLower(line)}, true
	}

	cmd := strings.ToLower(line[:spaceIdx])
	rest := strings.TrimSpace(line[spaceIdx+1:])

	var args []string
	if rest != "" {
		args = strings.Fields(rest)
	}
	return ParseResult{Command: cmd, Args: args, RawArgs: rest}, true
}

// After returns RawArgs with the first n arguments removed, preserving the
// spacing of what remains.
func (r ParseResult) After(n int) string {
	rest := r.RawArgs
	for i := 0; i < n; i++ {
		rest = strings.TrimLeft(rest, " \t")
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			return ""
		}
		rest = rest[idx:]
	}
	return strings.TrimSpace(rest)
}
