package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// maxPromptChars caps the item text sent to the model.
const maxPromptChars = 12000

// AnthropicModel classifies items with the Anthropic Messages API.
type AnthropicModel struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewAnthropicModel creates a model client. Extra options are passed to the
// SDK (base URL, retries).
func NewAnthropicModel(apiKey, model string, opts ...option.RequestOption) *AnthropicModel {
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicModel{api: &client, model: anthropic.Model(model)}
}

func (m *AnthropicModel) Name() string { return string(m.model) }

func buildPrompt(in Input) (system string, user string) {
	system = `You judge whether a code change was produced with help from an AI coding assistant. Return ONLY a JSON object with these fields:
- "tools": array of assistant names you believe were used, lowercase (e.g. "copilot", "claude", "cursor", "chatgpt", "codeium", "devin", "aider"); empty if none
- "usage_type": one of "none", "autocomplete", "chat", "agent"
- "confidence": number between 0 and 1

Rules:
- Look for explicit evidence first: co-author trailers, "generated with" footers, tool mentions
- Absent explicit evidence, judge from style and structure, and lower your confidence accordingly
- "agent" means the change was largely authored by an autonomous tool
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Repository: %s\n", in.Repo)
	fmt.Fprintf(&sb, "Title: %s\n", in.Title)
	if in.Additions != 0 || in.Deletions != 0 {
		fmt.Fprintf(&sb, "Size: +%d -%d\n", in.Additions, in.Deletions)
	}
	if in.Body != "" {
		sb.WriteString("\nDescription:\n")
		sb.WriteString(in.Body)
		sb.WriteString("\n")
	}
	if len(in.CommitMessages) > 0 {
		sb.WriteString("\nCommit messages:\n")
		for _, c := range in.CommitMessages {
			sb.WriteString("---\n")
			sb.WriteString(c)
			sb.WriteString("\n")
		}
	}
	user = sb.String()
	user = truncate(user, maxPromptChars)
	return
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// parseReply decodes the model's JSON answer, tolerating markdown fencing.
func parseReply(text string) (*ExternalVerdict, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var v ExternalVerdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("failed to parse model reply as JSON: %w", err)
	}
	switch v.UsageType {
	case UsageNone, UsageAutocomplete, UsageChat, UsageAgent:
	default:
		return nil, fmt.Errorf("unknown usage_type %q in model reply", v.UsageType)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", v.Confidence)
	}
	for i, t := range v.Tools {
		v.Tools[i] = strings.ToLower(strings.TrimSpace(t))
	}
	return &v, nil
}

func (m *AnthropicModel) Classify(ctx context.Context, in Input) (*ExternalVerdict, error) {
	systemPrompt, userPrompt := buildPrompt(in)

	msg, err := m.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     m.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call anthropic API: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	v, err := parseReply(text)
	if err != nil {
		return nil, err
	}
	v.Model = string(msg.Model)
	return v, nil
}
