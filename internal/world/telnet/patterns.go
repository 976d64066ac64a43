package telnet

import (
	"fmt"
	"regexp"

	"github.com/cory-johannsen/worldrelay/internal/config"
	"github.com/cory-johannsen/worldrelay/internal/world"
)

// Patterns are the compiled line classifiers for a telnet world.
type Patterns struct {
	LoginPrompt    *regexp.Regexp
	PasswordPrompt *regexp.Regexp
	Spawn          *regexp.Regexp
	Chat           *regexp.Regexp
	Whisper        *regexp.Regexp
	Kick           *regexp.Regexp
}

// CompilePatterns compiles every pattern in cfg.
//
// Postcondition: Returns an error naming the first pattern that fails to compile.
func CompilePatterns(cfg config.WorldPatterns) (*Patterns, error) {
	p := &Patterns{}
	for _, f := range []struct {
		name string
		expr string
		dst  **regexp.Regexp
	}{
		{"login_prompt", cfg.LoginPrompt, &p.LoginPrompt},
		{"password_prompt", cfg.PasswordPrompt, &p.PasswordPrompt},
		{"spawn", cfg.Spawn, &p.Spawn},
		{"chat", cfg.Chat, &p.Chat},
		{"whisper", cfg.Whisper, &p.Whisper},
		{"kick", cfg.Kick, &p.Kick},
	} {
		re, err := regexp.Compile(f.expr)
		if err != nil {
			return nil, fmt.Errorf("compiling world.patterns.%s: %w", f.name, err)
		}
		*f.dst = re
	}
	return p, nil
}

// Classify turns one post-login line into a world event.
func (p *Patterns) Classify(line string) world.Event {
	if m := p.Kick.FindStringSubmatch(line); m != nil {
		return world.Event{Kind: world.EventKicked, Reason: group(p.Kick, m, "reason", line)}
	}
	if m := p.Whisper.FindStringSubmatch(line); m != nil {
		return world.Event{Kind: world.EventWhisper, Sender: group(p.Whisper, m, "sender", ""), Text: group(p.Whisper, m, "text", "")}
	}
	if m := p.Chat.FindStringSubmatch(line); m != nil {
		return world.Event{Kind: world.EventChat, Sender: group(p.Chat, m, "sender", ""), Text: group(p.Chat, m, "text", "")}
	}
	return world.Event{Kind: world.EventMessage, Text: line}
}

func group(re *regexp.Regexp, m []string, name, fallback string) string {
	if i := re.SubexpIndex(name); i > 0 && i < len(m) {
		return m[i]
	}
	return fallback
}
