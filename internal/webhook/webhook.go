// Package webhook posts run-completion notifications to Discord and Slack,
// adapted from the teacher repo's internal/webhook package. The core queue
// invariants never depend on this package: it observes FinishRun outcomes
// after the fact and is the first thing a deployment can disable.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/taskhub/taskhub/internal/store"
)

// client is the shared HTTP client both notifiers use, matching the
// teacher's 10s-timeout convention.
var client = &http.Client{Timeout: 10 * time.Second}

// Notifier posts run outcomes to the configured webhook URLs. Either field
// may be empty, in which case that channel is skipped.
type Notifier struct {
	DiscordURL string
	SlackURL   string
	TaskName   func(taskID string) string
}

// NotifyFinished posts run to every configured channel, logging failures to
// the caller's discretion via the returned error slice rather than
// panicking or blocking the caller's finalize path.
func (n *Notifier) NotifyFinished(run *store.Run) []error {
	if n == nil {
		return nil
	}
	var errs []error
	if n.DiscordURL != "" {
		if err := n.sendDiscord(run); err != nil {
			errs = append(errs, fmt.Errorf("discord webhook: %w", err))
		}
	}
	if n.SlackURL != "" {
		if err := n.sendSlack(run); err != nil {
			errs = append(errs, fmt.Errorf("slack webhook: %w", err))
		}
	}
	return errs
}

func (n *Notifier) taskName(taskID string) string {
	if n.TaskName != nil {
		if name := n.TaskName(taskID); name != "" {
			return name
		}
	}
	return taskID
}

func duration(run *store.Run) string {
	if run.StartedAt == nil {
		return "unknown"
	}
	end := time.Now()
	if run.FinishedAt != nil {
		end = *run.FinishedAt
	}
	return end.Sub(*run.StartedAt).Round(time.Millisecond).String()
}

func statusEmoji(status store.RunStatus) (string, int) {
	switch status {
	case store.RunSucceeded:
		return "✅", 0x2ECC71
	case store.RunCanceled:
		return "⏹", 0xF1C40F
	default:
		return "❌", 0xE74C3C
	}
}

// discordEmbed mirrors the teacher's DiscordEmbed/EmbedField shape.
type discordEmbed struct {
	Title     string       `json:"title"`
	Color     int          `json:"color"`
	Fields    []embedField `json:"fields,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
	Footer    *embedFooter `json:"footer,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) sendDiscord(run *store.Run) error {
	emoji, color := statusEmoji(run.Status)
	fields := []embedField{
		{Name: "Status", Value: string(run.Status), Inline: true},
		{Name: "Duration", Value: duration(run), Inline: true},
		{Name: "Run ID", Value: run.RunID, Inline: true},
	}
	if run.ExitCode != nil {
		fields = append(fields, embedField{Name: "Exit code", Value: fmt.Sprintf("%d", *run.ExitCode), Inline: true})
	}
	if run.Error != nil && *run.Error != "" {
		fields = append(fields, embedField{Name: "⚠️ Error", Value: fmt.Sprintf("```\n%s\n```", *run.Error), Inline: false})
	}

	embed := discordEmbed{
		Title:     fmt.Sprintf("%s Task: %s", emoji, n.taskName(run.TaskID)),
		Color:     color,
		Fields:    fields,
		Timestamp: time.Now().Format(time.RFC3339),
		Footer:    &embedFooter{Text: "TaskHub"},
	}
	return post(n.DiscordURL, discordPayload{Embeds: []discordEmbed{embed}})
}

// slackBlock mirrors the teacher's SlackBlock/SlackTextObj Block Kit shapes.
type slackTextObj struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string         `json:"type"`
	Text   *slackTextObj  `json:"text,omitempty"`
	Fields []slackTextObj `json:"fields,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Blocks []slackBlock `json:"blocks"`
}

type slackPayload struct {
	Attachments []slackAttachment `json:"attachments"`
}

func (n *Notifier) sendSlack(run *store.Run) error {
	_, color := statusEmoji(run.Status)
	fields := []slackTextObj{
		{Type: "mrkdwn", Text: fmt.Sprintf("*Status:*\n%s", run.Status)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Duration:*\n%s", duration(run))},
	}
	blocks := []slackBlock{
		{Type: "section", Text: &slackTextObj{Type: "mrkdwn", Text: fmt.Sprintf("*Task: %s*", n.taskName(run.TaskID))}},
		{Type: "section", Fields: fields},
	}
	if run.Error != nil && *run.Error != "" {
		blocks = append(blocks, slackBlock{Type: "section", Text: &slackTextObj{Type: "mrkdwn", Text: fmt.Sprintf("*Error:*\n```%s```", *run.Error)}})
	}

	payload := slackPayload{Attachments: []slackAttachment{{Color: fmt.Sprintf("#%06x", color), Blocks: blocks}}}
	return post(n.SlackURL, payload)
}

func post(url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
