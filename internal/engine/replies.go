package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/afnanhaq/yaad/internal/model"
	"github.com/afnanhaq/yaad/internal/timeutil"
)

func helpReply() string {
	return "I'm not sure what you'd like me to do. You can say things like:\n" +
		"- \"Remind me to pay rent tomorrow at 9am\"\n" +
		"- \"List my reminders\"\n" +
		"- \"Pause my wifi reminder\"\n" +
		"- \"Delete the rent reminder\"\n" +
		"- \"Do not call me if I don't respond\""
}

func createdReply(r *model.Reminder, loc *time.Location) string {
	var sb strings.Builder
	sb.WriteString("✅ *Reminder created!*\n\n")
	sb.WriteString("📌 *" + r.Title + "*\n")
	sb.WriteString("⏰ " + timeutil.Format(r.DueAt, loc) + "\n")
	sb.WriteString("📅 (" + timeutil.Relative(r.DueAt, time.Now(), loc) + ")")
	if r.FollowUpMinutes > 0 {
		sb.WriteString(fmt.Sprintf("\n⏳ Follow-up: %d minutes after", r.FollowUpMinutes))
	}
	if r.CallOnNoResponse {
		sb.WriteString("\n📞 Will call if no response")
	}
	return sb.String()
}

func duplicateReply(existing *model.Reminder, loc *time.Location) string {
	return fmt.Sprintf("You already have a similar reminder: *%s* scheduled for %s.",
		existing.Title, timeutil.Format(existing.DueAt, loc))
}

func updatedReply(r *model.Reminder, changed []string) string {
	if len(changed) == 0 {
		return "No changes were made to *" + r.Title + "*."
	}
	return "✅ Updated *" + r.Title + "*\n\nChanged: " + strings.Join(changed, ", ")
}

func pausedReply(r *model.Reminder, target string) string {
	return "⏸️ Paused: *" + r.Title + "*\n\nSay 'resume " + target + " reminder' to reactivate it."
}

func resumedReply(r *model.Reminder, loc *time.Location) string {
	return "▶️ Resumed: *" + r.Title + "*\n\nScheduled for " + timeutil.Format(r.DueAt, loc)
}

func ambiguousReply(err *AmbiguousTargetError) string {
	var sb strings.Builder
	sb.WriteString("'" + err.Target + "' matches more than one reminder:\n")
	for _, title := range err.Titles {
		sb.WriteString("- *" + title + "*\n")
	}
	sb.WriteString("\nPlease be more specific so I don't touch the wrong one.")
	return sb.String()
}

func listReply(reminders []model.Reminder, loc *time.Location) string {
	if len(reminders) == 0 {
		return "📭 You don't have any active reminders.\n\nSay 'Remind me to...' to create one!"
	}

	now := time.Now()
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📋 *Your Reminders* (%d)\n\n", len(reminders)))
	for i, r := range reminders {
		sb.WriteString(fmt.Sprintf("%d. %s *%s*", i+1, stateIcon(r.State), r.Title))
		if r.CallOnNoResponse {
			sb.WriteString(" 📞")
		}
		sb.WriteString("\n    ⏰ " + timeutil.Format(r.DueAt, loc) + "\n")
		if r.State == model.StateScheduled {
			sb.WriteString("    📅 " + timeutil.Relative(r.DueAt, now, loc) + "\n")
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func stateIcon(state model.State) string {
	switch state {
	case model.StatePaused:
		return "⏸️"
	case model.StateNotified, model.StateAwaitingResponse:
		return "🔔"
	case model.StateCompleted:
		return "✔️"
	default:
		return "✅"
	}
}

func notificationBody(r *model.Reminder) string {
	body := "⏰ *Reminder*: " + r.Title
	if r.Description != "" {
		body += "\n\n" + r.Description
	}
	body += "\n\n_Reply to acknowledge this reminder._"
	return body
}
