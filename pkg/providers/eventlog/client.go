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

package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// Entry is a single message read from a stream.
type Entry struct {
	ID     string
	Stream string
	Fields map[string]string
}

// PendingSummary reports a consumer group's unacknowledged backlog for lag monitoring.
type PendingSummary struct {
	Count int64
	MinID string
	MaxID string
}

// Client is the event-log substrate: an ordered append-only log with per-stream consumer
// groups, implemented over Redis Streams. Delivery is at-least-once; callers must be
// idempotent keyed by their domain id.
type Client struct {
	rdb redis.UniversalClient
}

func NewClient(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Append writes fields to the tail of the stream and returns the strictly monotone entry id.
func (c *Client) Append(ctx context.Context, stream string, fields map[string]any) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: fields}).Result()
	if err != nil {
		return "", fmt.Errorf("appending to %s, %w", stream, err)
	}
	return id, nil
}

// AppendJSON marshals v under the canonical "data" field and appends it.
func (c *Client) AppendJSON(ctx context.Context, stream string, v any, extra map[string]string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding payload for %s, %w", stream, err)
	}
	fields := map[string]any{"data": string(raw)}
	for k, val := range extra {
		fields[k] = val
	}
	return c.Append(ctx, stream, fields)
}

// CreateGroup creates the consumer group at the given start position, creating the stream
// if necessary. Creating a group that already exists is not an error.
func (c *Client) CreateGroup(ctx context.Context, stream, group, from string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, from).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating group %s on %s, %w", group, stream, err)
	}
	return nil
}

// ReadGroup returns up to count entries not yet delivered to this group, blocking up to
// block when the stream is empty. An empty result with a nil error means the block timed out.
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading group %s on %s, %w", group, stream, err)
	}
	var entries []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			entries = append(entries, Entry{ID: msg.ID, Stream: s.Stream, Fields: stringValues(msg.Values)})
		}
	}
	return entries, nil
}

// Claim transfers ownership of pending entries idle for at least minIdle to the given
// consumer, so messages stranded by a crashed consumer are redelivered.
func (c *Client) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming pending entries of %s on %s, %w", group, stream, err)
	}
	return lo.Map(msgs, func(msg redis.XMessage, _ int) Entry {
		return Entry{ID: msg.ID, Stream: stream, Fields: stringValues(msg.Values)}
	}), nil
}

// Ack removes the entries from the group's pending list.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("acking %d entries on %s, %w", len(ids), stream, err)
	}
	return nil
}

// Pending summarizes the group's unacknowledged backlog.
func (c *Client) Pending(ctx context.Context, stream, group string) (PendingSummary, error) {
	p, err := c.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return PendingSummary{}, nil
		}
		return PendingSummary{}, fmt.Errorf("reading pending of %s on %s, %w", group, stream, err)
	}
	return PendingSummary{Count: p.Count, MinID: p.Lower, MaxID: p.Higher}, nil
}

// Len returns the number of entries in the stream.
func (c *Client) Len(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("reading length of %s, %w", stream, err)
	}
	return n, nil
}

// Trim caps the stream at approximately maxLen entries, dropping the oldest.
func (c *Client) Trim(ctx context.Context, stream string, maxLen int64) error {
	if err := c.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		return fmt.Errorf("trimming %s to %d, %w", stream, maxLen, err)
	}
	return nil
}

// DeadLetter forwards an entry that cannot be processed to the dead-letter stream together
// with its origin and the error kind, so it can be inspected and replayed by hand.
func (c *Client) DeadLetter(ctx context.Context, entry Entry, errKind string) error {
	raw, err := json.Marshal(entry.Fields)
	if err != nil {
		return fmt.Errorf("encoding dead-lettered fields, %w", err)
	}
	_, err = c.Append(ctx, StreamDeadLetter, map[string]any{
		"originStream": entry.Stream,
		"originId":     entry.ID,
		"errorKind":    errKind,
		"fields":       string(raw),
	})
	return err
}

func stringValues(values map[string]any) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return fields
}
