package slack

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/skridlevsky/ai-detective/internal/survey"
)

// Button values carry everything needed to record an answer:
//
//	<survey>|author|yes
//	<survey>|reviewer|ai|2
const actionPrefix = "detective_"

type block map[string]interface{}

func textBlock(md string) block {
	return block{"type": "section", "text": block{"type": "mrkdwn", "text": md}}
}

func button(label, value string, style string) block {
	b := block{
		"type":      "button",
		"text":      block{"type": "plain_text", "text": label},
		"value":     value,
		"action_id": actionPrefix + strings.ReplaceAll(value, "|", "_"),
	}
	if style != "" {
		b["style"] = style
	}
	return b
}

func actions(elements ...block) block {
	return block{"type": "actions", "elements": elements}
}

func itemLink(msg survey.Message) string {
	if msg.ItemURL == "" {
		return "*" + msg.ItemTitle + "*"
	}
	return fmt.Sprintf("<%s|%s>", msg.ItemURL, msg.ItemTitle)
}

// render returns the notification fallback text and the Block Kit blocks.
func render(msg survey.Message, users *UserMap) (string, []block) {
	link := itemLink(msg)
	switch msg.Kind {
	case survey.KindAuthorPrompt:
		text := fmt.Sprintf("Your change %s in %s was merged. Did an AI assistant help write it?", link, msg.Repo)
		if msg.SelfReview {
			text += " Nobody else reviewed it, so your answer reveals the verdict right away."
		}
		return "AI Detective: did AI help?", []block{
			textBlock(text),
			actions(
				button("Yes, AI helped", msg.SurveyID+"|author|yes", "primary"),
				button("No, all me", msg.SurveyID+"|author|no", ""),
			),
		}

	case survey.KindReviewerPrompt:
		return "AI Detective: make your guess", []block{
			textBlock(fmt.Sprintf("You reviewed %s in %s. Was it AI-assisted, and how was the code?", link, msg.Repo)),
			textBlock("*AI-assisted* (rate the code 1 to 3)"),
			actions(
				button("AI · 1", msg.SurveyID+"|reviewer|ai|1", ""),
				button("AI · 2", msg.SurveyID+"|reviewer|ai|2", ""),
				button("AI · 3", msg.SurveyID+"|reviewer|ai|3", ""),
			),
			textBlock("*Human-written* (rate the code 1 to 3)"),
			actions(
				button("Human · 1", msg.SurveyID+"|reviewer|human|1", ""),
				button("Human · 2", msg.SurveyID+"|reviewer|human|2", ""),
				button("Human · 3", msg.SurveyID+"|reviewer|human|3", ""),
			),
		}

	case survey.KindReveal:
		var sb strings.Builder
		fmt.Fprintf(&sb, "*Reveal* for %s\n", link)
		if msg.AuthorUsedAI != nil {
			fmt.Fprintf(&sb, "Author says: %s\n", yesNo(*msg.AuthorUsedAI, "AI helped", "no AI"))
		}
		if msg.Assisted != nil {
			fmt.Fprintf(&sb, "Detector verdict: %s\n", yesNo(*msg.Assisted, "AI-assisted", "human-written"))
		}
		for _, r := range msg.Responses {
			who := r.ReviewerRef
			if id, ok := users.SlackID(r.ReviewerRef); ok {
				who = "<@" + id + ">"
			}
			outcome := "pending"
			if r.GuessCorrect != nil {
				outcome = yesNo(*r.GuessCorrect, "correct", "wrong")
			}
			fmt.Fprintf(&sb, "• %s guessed %s: %s\n", who, yesNo(r.AIGuess, "AI", "human"), outcome)
		}
		return "AI Detective: the reveal is in", []block{textBlock(sb.String())}
	}
	return "", nil
}

func yesNo(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}

// Answer is a decoded button press
type Answer struct {
	SurveyID string
	Role     string // "author" or "reviewer"
	UsedAI   bool   // author's answer, or reviewer's guess
	Rating   int    // reviewer only
}

func parseValue(value string) (*Answer, error) {
	parts := strings.Split(value, "|")
	if len(parts) < 3 || parts[0] == "" {
		return nil, fmt.Errorf("malformed action value %q", value)
	}
	a := &Answer{SurveyID: parts[0], Role: parts[1]}
	switch {
	case a.Role == "author" && len(parts) == 3:
		switch parts[2] {
		case "yes":
			a.UsedAI = true
		case "no":
		default:
			return nil, fmt.Errorf("malformed author answer %q", value)
		}
	case a.Role == "reviewer" && len(parts) == 4:
		switch parts[2] {
		case "ai":
			a.UsedAI = true
		case "human":
		default:
			return nil, fmt.Errorf("malformed reviewer guess %q", value)
		}
		rating, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, fmt.Errorf("malformed rating %q", value)
		}
		a.Rating = rating
	default:
		return nil, fmt.Errorf("malformed action value %q", value)
	}
	return a, nil
}
