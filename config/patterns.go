package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/agentdeck/agentdeck-core/paths"
)

// Patterns holds the regexes used to classify externally-owned session
// output, loaded from an optional YAML file so users can extend them.
type Patterns struct {
	// Attention matches output that usually means the session is blocked
	// on the user, like a permission prompt.
	Attention []string `yaml:"attention"`
}

// defaultPatterns cover the agent CLI's stock prompts.
var defaultPatterns = Patterns{
	Attention: []string{
		`(?i)do you want to`,
		`(?i)would you like to`,
		`(?i)\(y/n\)`,
		`(?i)permission required`,
		`(?i)waiting for (your )?input`,
	},
}

// LoadPatterns reads the patterns file, falling back to the built-in
// defaults when it doesn't exist. Entries from the file replace the
// defaults entirely so users can opt out of stock patterns.
func LoadPatterns() (*Patterns, error) {
	path, err := paths.PatternsFilePath()
	if err != nil {
		return nil, err
	}
	return loadPatternsFrom(path)
}

func loadPatternsFrom(path string) (*Patterns, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		p := defaultPatterns
		return &p, nil
	}
	if err != nil {
		return nil, err
	}

	var p Patterns
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse patterns file: %w", err)
	}
	if len(p.Attention) == 0 {
		p.Attention = defaultPatterns.Attention
	}
	return &p, nil
}

// CompileAttention compiles the attention patterns. An invalid pattern
// fails the whole compile so misconfigurations surface immediately.
func (p *Patterns) CompileAttention() ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(p.Attention))
	for _, pattern := range p.Attention {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid attention pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
