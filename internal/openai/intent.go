package openai

import (
	"regexp"
	"strings"
	"time"
)

// IntentKind is the closed set of actions the parser can produce.
type IntentKind string

const (
	IntentUnknown        IntentKind = "unknown"
	IntentCreateReminder IntentKind = "create_reminder"
	IntentUpdateReminder IntentKind = "update_reminder"
	IntentDeleteReminder IntentKind = "delete_reminder"
	IntentPauseReminder  IntentKind = "pause_reminder"
	IntentResumeReminder IntentKind = "resume_reminder"
	IntentListReminders  IntentKind = "list_reminders"
	IntentOptOutCalls    IntentKind = "opt_out_calls"
	IntentOptInCalls     IntentKind = "opt_in_calls"
	IntentAcknowledge    IntentKind = "acknowledge"
)

// ParsedIntent is the structured representation of a user request, as
// consumed by the engine's dispatcher.
type ParsedIntent struct {
	Kind             IntentKind
	Title            string
	Description      string
	DueAt            *time.Time // UTC
	FollowUpMinutes  *int
	CallOnNoResponse *bool
	Target           string
	ResponseMessage  string
}

func normaliseKind(label string) IntentKind {
	switch IntentKind(strings.ToLower(strings.TrimSpace(label))) {
	case IntentCreateReminder:
		return IntentCreateReminder
	case IntentUpdateReminder:
		return IntentUpdateReminder
	case IntentDeleteReminder:
		return IntentDeleteReminder
	case IntentPauseReminder:
		return IntentPauseReminder
	case IntentResumeReminder:
		return IntentResumeReminder
	case IntentListReminders:
		return IntentListReminders
	case IntentOptOutCalls:
		return IntentOptOutCalls
	case IntentOptInCalls:
		return IntentOptInCalls
	case IntentAcknowledge:
		return IntentAcknowledge
	default:
		return IntentUnknown
	}
}

var (
	targetCommandRegex = regexp.MustCompile(`(?i)^(pause|resume|delete|cancel|remove)\s+(?:my\s+)?(.+?)(?:\s+reminders?)?\s*$`)
	acknowledgements   = map[string]bool{
		"ok": true, "okay": true, "done": true, "thanks": true,
		"thank you": true, "got it": true, "yes": true, "👍": true,
	}
)

// parseHeuristic is the keyword fallback used when no API key is configured.
func (c *Client) parseHeuristic(message string) ParsedIntent {
	body := strings.ToLower(strings.TrimSpace(message))

	if acknowledgements[body] {
		return ParsedIntent{Kind: IntentAcknowledge}
	}
	if strings.Contains(body, "reminder") && (strings.Contains(body, "list") || strings.Contains(body, "show")) {
		return ParsedIntent{Kind: IntentListReminders}
	}
	if strings.Contains(body, "do not call") || strings.Contains(body, "don't call") || strings.Contains(body, "stop calling") {
		return ParsedIntent{Kind: IntentOptOutCalls}
	}
	if strings.Contains(body, "enable calls") || strings.Contains(body, "you can call me") {
		return ParsedIntent{Kind: IntentOptInCalls}
	}

	if m := targetCommandRegex.FindStringSubmatch(message); m != nil {
		target := strings.TrimSpace(m[2])
		switch strings.ToLower(m[1]) {
		case "pause":
			return ParsedIntent{Kind: IntentPauseReminder, Target: target}
		case "resume":
			return ParsedIntent{Kind: IntentResumeReminder, Target: target}
		case "delete", "cancel", "remove":
			return ParsedIntent{Kind: IntentDeleteReminder, Target: target}
		}
	}

	return ParsedIntent{Kind: IntentUnknown}
}
