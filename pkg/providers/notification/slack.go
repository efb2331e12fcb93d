/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/arbplane/arbplane/pkg/apis/core"
)

type SlackChannel struct {
	webhookURL string
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{webhookURL: webhookURL}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) IsConfigured() bool {
	return s.webhookURL != ""
}

func (s *SlackChannel) Send(ctx context.Context, alert core.Alert) error {
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("%s %s", severityEmoji(alert.Severity), alert.Message),
		Attachments: []slack.Attachment{{
			Color: severityColor(alert.Severity),
			Fields: []slack.AttachmentField{
				{Title: "Type", Value: alert.Type, Short: true},
				{Title: "Severity", Value: string(alert.Severity), Short: true},
				{Title: "Service", Value: serviceOrSystem(alert.Service), Short: true},
				{Title: "Time", Value: alert.Timestamp.UTC().Format(time.RFC3339), Short: true},
			},
		}},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("posting slack webhook, %w", err)
	}
	return nil
}

func serviceOrSystem(service string) string {
	if service == "" {
		return "system"
	}
	return service
}

func severityEmoji(severity core.AlertSeverity) string {
	switch severity {
	case core.SeverityCritical:
		return ":rotating_light:"
	case core.SeverityHigh, core.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

func severityColor(severity core.AlertSeverity) string {
	switch severity {
	case core.SeverityCritical:
		return "#d7263d"
	case core.SeverityHigh:
		return "#e76f51"
	case core.SeverityWarning:
		return "#f4a261"
	default:
		return "#2a9d8f"
	}
}
