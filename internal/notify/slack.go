package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SlackNotifier posts run and gate events to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// SlackMessage is the webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the colored detail block of a message
type SlackAttachment struct {
	Fallback string       `json:"fallback"`
	Color    string       `json:"color"`
	Text     string       `json:"text,omitempty"`
	Fields   []SlackField `json:"fields,omitempty"`
	MrkdwnIn []string     `json:"mrkdwn_in,omitempty"`
	Footer   string       `json:"footer,omitempty"`
}

// SlackField is one short key/value cell of an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a notifier for webhookURL. An empty URL disables it.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackColor maps a notification type to an attachment color
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// SlackMessageFor lays out n. Gate requests get the phase, the role that
// may decide and the command a reviewer runs to approve or reject.
func SlackMessageFor(n Notification) SlackMessage {
	att := SlackAttachment{
		Fallback: n.Title + ": " + n.Message,
		Color:    SlackColor(n.Type),
		Text:     n.Message,
		Footer:   "Epistemic Engine",
	}
	if n.RunID != "" {
		att.Fields = append(att.Fields, SlackField{Title: "Run", Value: n.RunID, Short: true})
	}
	if label := n.PhaseLabel(); label != "" {
		att.Fields = append(att.Fields, SlackField{Title: "Phase", Value: label, Short: true})
	}
	if cmd := n.ApproveCommand(); cmd != "" {
		att.Fields = append(att.Fields, SlackField{Title: "Required role", Value: n.RequiredRole, Short: true})
		att.Text += fmt.Sprintf("\n```%s\n%s --reject --rationale \"...\"```", cmd, cmd)
		att.MrkdwnIn = []string{"text"}
	}
	return SlackMessage{
		Text:        "*" + n.Title + "*",
		Attachments: []SlackAttachment{att},
	}
}

// Send posts n to the webhook
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(SlackMessageFor(n))
	if err != nil {
		return err
	}
	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}
