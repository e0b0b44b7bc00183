// Package classify decides whether a work item was AI-assisted. A
// deterministic pattern pass runs on every change; an external model verdict
// arrives asynchronously and, once present, is authoritative.
package classify

import (
	"regexp"
	"strings"
)

// Field is the part of a work item a pattern scans
type Field string

const (
	FieldTitle  Field = "title"
	FieldBody   Field = "body"
	FieldCommit Field = "commit"
)

// Pattern is one tool signature.
type Pattern struct {
	Tool       string
	Provenance string // what kind of evidence a match is, e.g. "co-author-trailer"
	Fields     []Field
	Regex      *regexp.Regexp
}

// PatternSet is a versioned signature table. Bump Version whenever Patterns
// changes so stored verdicts get recomputed.
type PatternSet struct {
	Version  int
	Patterns []Pattern
}

// Signal is a pattern match on a work item
type Signal struct {
	Tool       string `json:"tool"`
	Provenance string `json:"provenance"`
	Field      Field  `json:"field"`
	Match      string `json:"match"`
}

var allFields = []Field{FieldTitle, FieldBody, FieldCommit}

func trailer(tool, expr string) Pattern {
	return Pattern{
		Tool:       tool,
		Provenance: "co-author-trailer",
		Fields:     []Field{FieldCommit, FieldBody},
		Regex:      regexp.MustCompile(`(?im)^co-authored-by:.*(` + expr + `)`),
	}
}

func footer(tool, expr string) Pattern {
	return Pattern{
		Tool:       tool,
		Provenance: "generated-footer",
		Fields:     []Field{FieldBody, FieldCommit},
		Regex:      regexp.MustCompile(`(?i)(generated|created|written) (with|by|using) \[?(` + expr + `)`),
	}
}

func mention(tool, expr string) Pattern {
	return Pattern{
		Tool:       tool,
		Provenance: "mention",
		Fields:     allFields,
		Regex:      regexp.MustCompile(`(?i)\b(` + expr + `)\b`),
	}
}

// DefaultPatterns is the built-in signature table.
func DefaultPatterns() *PatternSet {
	return &PatternSet{
		Version: 3,
		Patterns: []Pattern{
			trailer("claude", `claude|noreply@anthropic\.com`),
			trailer("copilot", `copilot`),
			trailer("cursor", `cursor(agent)?@|cursor agent`),
			trailer("devin", `devin-ai-integration|devin`),
			trailer("aider", `aider`),
			footer("claude", `claude( code)?`),
			footer("chatgpt", `chatgpt|openai codex|codex`),
			footer("copilot", `(github )?copilot`),
			footer("cursor", `cursor`),
			footer("codeium", `codeium|windsurf`),
			footer("aider", `aider`),
			mention("copilot", `github copilot|copilot workspace`),
			mention("chatgpt", `chatgpt|gpt-4o?|gpt-5`),
			mention("claude", `claude code|claude`),
			mention("cursor", `cursor ide|cursor composer`),
			mention("codeium", `codeium|windsurf`),
			mention("devin", `devin\.ai`),
			{
				Tool:       "copilot",
				Provenance: "bot-branch",
				Fields:     []Field{FieldTitle},
				Regex:      regexp.MustCompile(`(?i)^\[?copilot\]?[:/]`),
			},
		},
	}
}

// Scan runs every pattern over the input. At most one signal is kept per
// (tool, provenance); the first field in Title, Body, Commit order wins.
func (s *PatternSet) Scan(in Input) []Signal {
	texts := map[Field]string{
		FieldTitle:  in.Title,
		FieldBody:   in.Body,
		FieldCommit: strings.Join(in.CommitMessages, "\n"),
	}

	var out []Signal
	seen := make(map[string]bool)
	for _, p := range s.Patterns {
		key := p.Tool + "|" + p.Provenance
		if seen[key] {
			continue
		}
		for _, f := range allFields {
			if !hasField(p.Fields, f) || texts[f] == "" {
				continue
			}
			if m := p.Regex.FindString(texts[f]); m != "" {
				out = append(out, Signal{Tool: p.Tool, Provenance: p.Provenance, Field: f, Match: strings.TrimSpace(m)})
				seen[key] = true
				break
			}
		}
	}
	return out
}

// Tools returns the distinct tools named by signals, in first-seen order.
func Tools(signals []Signal) []string {
	var tools []string
	for _, s := range signals {
		dup := false
		for _, t := range tools {
			if t == s.Tool {
				dup = true
				break
			}
		}
		if !dup {
			tools = append(tools, s.Tool)
		}
	}
	return tools
}

func hasField(fields []Field, f Field) bool {
	for _, v := range fields {
		if v == f {
			return true
		}
	}
	return false
}
