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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"

	"github.com/arbplane/arbplane/pkg/apis/core"
)

type discordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color"`
	Timestamp   string              `json:"timestamp"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

type DiscordChannel struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordChannel(webhookURL string) *DiscordChannel {
	return &DiscordChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordChannel) Name() string {
	return "discord"
}

func (d *DiscordChannel) IsConfigured() bool {
	return d.webhookURL != ""
}

func (d *DiscordChannel) Send(ctx context.Context, alert core.Alert) error {
	payload := discordPayload{Embeds: []discordEmbed{{
		Title:       alert.Type,
		Description: alert.Message,
		Color:       discordColor(alert.Severity),
		Timestamp:   alert.Timestamp.UTC().Format(time.RFC3339),
		Fields: []discordEmbedField{
			{Name: "Severity", Value: string(alert.Severity), Inline: true},
			{Name: "Service", Value: serviceOrSystem(alert.Service), Inline: true},
		},
	}}}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding discord payload, %w", err)
	}
	return retry.Do(func() error {
		return d.post(ctx, body)
	}, retry.Attempts(3), retry.Delay(500*time.Millisecond), retry.Context(ctx))
}

func (d *DiscordChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("building discord request, %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting discord webhook, %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("discord webhook returned %d", resp.StatusCode)
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return retry.Unrecoverable(err)
		}
		return err
	}
	return nil
}

func discordColor(severity core.AlertSeverity) int {
	switch severity {
	case core.SeverityCritical:
		return 0xd7263d
	case core.SeverityHigh:
		return 0xe76f51
	case core.SeverityWarning:
		return 0xf4a261
	default:
		return 0x2a9d8f
	}
}
