package telegram

import (
	"fmt"
	"strings"

	"github.com/saleskingacademy/agentpool/internal/natsbus"
	"github.com/saleskingacademy/agentpool/internal/status"
	"github.com/saleskingacademy/agentpool/internal/store"
)

// alertable reports whether an event is worth a chat message. Cancellations
// are deliberate and stay quiet.
func alertable(ev natsbus.Event) bool {
	return ev.Type == natsbus.EventTaskFailed
}

func formatFailure(ev natsbus.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s failed", ev.TaskID)
	if ev.TaskType != "" {
		fmt.Fprintf(&b, " (%s)", ev.TaskType)
	}
	b.WriteString("\n")
	if ev.AgentID != "" {
		fmt.Fprintf(&b, "Agent: %s\n", ev.AgentID)
	}
	reason := ev.Reason
	if reason == "" {
		reason = "unknown"
	}
	fmt.Fprintf(&b, "Reason: %s", reason)
	if ev.Reason == store.ReasonNoAgentAvailable {
		b.WriteString("\nEvery eligible agent was busy or inactive.")
	}
	return b.String()
}

func formatStatus(snap *status.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agents: %d total, %d active, %d busy, %d idle\n",
		snap.TotalAgents, snap.ActiveAgents, snap.BusyAgents, snap.IdleAgents)
	fmt.Fprintf(&b, "Tasks: %d running, %d completed, %d failed, %d cancelled\n",
		snap.ActiveTasks, snap.CompletedTasks, snap.FailedTasks, snap.CancelledTasks)
	fmt.Fprintf(&b, "Average score: %.1f\n", snap.AverageScore)
	if snap.CreditsLabel != "" {
		fmt.Fprintf(&b, "Credits: %s\n", snap.CreditsLabel)
	}

	var busy []string
	for _, a := range snap.Agents {
		if a.CurrentTask != nil {
			busy = append(busy, fmt.Sprintf("  %s → %s", a.Name, *a.CurrentTask))
		}
	}
	if len(busy) > 0 {
		b.WriteString("\nWorking now:\n")
		b.WriteString(strings.Join(busy, "\n"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Prefer splitting at a newline in the second half.
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}
