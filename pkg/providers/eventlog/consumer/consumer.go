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

package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/arbplane/arbplane/pkg/providers/eventlog"
)

// MaxStreamErrors is the consecutive read-error count that fires a single
// STREAM_CONSUMER_FAILURE alert per error burst.
const MaxStreamErrors = 10

// Handler processes one entry. A nil return acknowledges the entry; an error wrapping
// ErrDeadLetter moves it to the dead-letter stream immediately; any other error leaves it
// pending for redelivery until MaxDeliveries, after which it is dead-lettered.
type Handler func(ctx context.Context, entry eventlog.Entry) error

// ErrDeferAck signals that the handler took ownership of the entry and will acknowledge it
// (or deliberately leave it pending) itself. It is not counted as a failure.
var ErrDeferAck = errors.New("acknowledgment deferred to handler")

// ErrDeadLetter signals a permanent failure, such as an entry that cannot be parsed.
// Redelivery can never succeed, so the entry is dead-lettered and acknowledged on the
// spot instead of waiting out MaxDeliveries.
var ErrDeadLetter = errors.New("entry not processable")

// Options configures a Consumer. Zero values take the documented defaults.
type Options struct {
	Stream        string
	Group         string
	ConsumerID    string
	BatchSize     int64         // default 10
	Block         time.Duration // default 5s
	MaxDeliveries int           // default 5
	ClaimMinIdle  time.Duration // default 60s
	ClaimInterval time.Duration // default 30s
	// OnStreamFailure is invoked once per error burst when MaxStreamErrors consecutive
	// read errors accumulate on this stream.
	OnStreamFailure func(stream string, errorCount int)
}

func (o Options) withDefaults() Options {
	if o.BatchSize == 0 {
		o.BatchSize = 10
	}
	if o.Block == 0 {
		o.Block = 5 * time.Second
	}
	if o.MaxDeliveries == 0 {
		o.MaxDeliveries = 5
	}
	if o.ClaimMinIdle == 0 {
		o.ClaimMinIdle = 60 * time.Second
	}
	if o.ClaimInterval == 0 {
		o.ClaimInterval = 30 * time.Second
	}
	return o
}

// Consumer runs a consumer-group poll loop over a single stream: create the group
// idempotently, block-read undelivered entries, dispatch each to the handler, acknowledge
// on success. Pending entries stranded by dead consumers are periodically claimed back.
type Consumer struct {
	log     *eventlog.Client
	opts    Options
	handler Handler
	logger  *zap.SugaredLogger

	// failures tracks consecutive handler failures per entry id; owned by the poll loop.
	// Counters expire alongside ClaimMinIdle so an entry that is claimed and completed
	// by another consumer does not leak its counter here.
	failures *cache.Cache

	consecutiveReadErrors int
	burstAlerted          bool
	lastClaim             time.Time
}

func New(log *eventlog.Client, opts Options, handler Handler, logger *zap.SugaredLogger) *Consumer {
	opts = opts.withDefaults()
	return &Consumer{
		log:      log,
		opts:     opts,
		handler:  handler,
		logger:   logger.Named("consumer").With("stream", opts.Stream, "group", opts.Group),
		failures: cache.New(opts.ClaimMinIdle, opts.ClaimInterval),
	}
}

// Run polls until the context is canceled. The group is created from the beginning of the
// stream; creating an existing group is a no-op.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.log.CreateGroup(ctx, c.opts.Stream, c.opts.Group, eventlog.GroupStartBeginning); err != nil {
		return err
	}
	c.logger.Infow("consuming stream", "consumer", c.opts.ConsumerID)
	for {
		if ctx.Err() != nil {
			return nil
		}
		entries, err := c.log.ReadGroup(ctx, c.opts.Stream, c.opts.Group, c.opts.ConsumerID, c.opts.BatchSize, c.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.recordReadError(err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		c.recordReadSuccess()
		for _, entry := range entries {
			c.dispatch(ctx, entry)
		}
		if time.Since(c.lastClaim) >= c.opts.ClaimInterval {
			c.lastClaim = time.Now()
			c.reclaimPending(ctx)
		}
	}
}

// Lag reports the group's unacknowledged backlog.
func (c *Consumer) Lag(ctx context.Context) (eventlog.PendingSummary, error) {
	return c.log.Pending(ctx, c.opts.Stream, c.opts.Group)
}

func (c *Consumer) dispatch(ctx context.Context, entry eventlog.Entry) {
	err := c.handler(ctx, entry)
	switch {
	case err == nil:
		if ackErr := c.log.Ack(ctx, c.opts.Stream, c.opts.Group, entry.ID); ackErr != nil {
			c.logger.Errorw("failed to ack entry", "id", entry.ID, "error", ackErr)
			return
		}
		c.failures.Delete(entry.ID)
		entriesProcessed.WithLabelValues(c.opts.Stream).Inc()
	case errors.Is(err, ErrDeferAck):
		c.failures.Delete(entry.ID)
	case errors.Is(err, ErrDeadLetter):
		c.logger.Warnw("dead-lettering unprocessable entry", "id", entry.ID, "error", err)
		c.deadLetter(ctx, entry, err)
	default:
		count := 1
		if v, ok := c.failures.Get(entry.ID); ok {
			count = v.(int) + 1
		}
		c.failures.SetDefault(entry.ID, count)
		entriesFailed.WithLabelValues(c.opts.Stream).Inc()
		if count >= c.opts.MaxDeliveries {
			c.logger.Warnw("dead-lettering entry after repeated failures",
				"id", entry.ID, "deliveries", count, "error", err)
			c.deadLetter(ctx, entry, err)
			return
		}
		c.logger.Debugw("handler failed, leaving entry pending", "id", entry.ID, "error", err)
	}
}

// deadLetter moves the entry to the dead-letter stream and acknowledges it so the group
// stops redelivering it.
func (c *Consumer) deadLetter(ctx context.Context, entry eventlog.Entry, cause error) {
	if dlErr := c.log.DeadLetter(ctx, entry, errorKind(cause)); dlErr != nil {
		c.logger.Errorw("failed to dead-letter entry", "id", entry.ID, "error", dlErr)
		return
	}
	if ackErr := c.log.Ack(ctx, c.opts.Stream, c.opts.Group, entry.ID); ackErr != nil {
		c.logger.Errorw("failed to ack dead-lettered entry", "id", entry.ID, "error", ackErr)
	}
	c.failures.Delete(entry.ID)
	entriesDeadLettered.WithLabelValues(c.opts.Stream).Inc()
}

// reclaimPending re-delivers entries whose previous consumer went silent.
func (c *Consumer) reclaimPending(ctx context.Context) {
	entries, err := c.log.Claim(ctx, c.opts.Stream, c.opts.Group, c.opts.ConsumerID, c.opts.ClaimMinIdle, c.opts.BatchSize)
	if err != nil {
		c.logger.Debugw("failed to claim pending entries", "error", err)
		return
	}
	for _, entry := range entries {
		c.dispatch(ctx, entry)
	}
}

func (c *Consumer) recordReadError(err error) {
	c.consecutiveReadErrors++
	readErrors.WithLabelValues(c.opts.Stream).Inc()
	c.logger.Errorw("failed to read from stream", "consecutive", c.consecutiveReadErrors, "error", err)
	if c.consecutiveReadErrors >= MaxStreamErrors && !c.burstAlerted {
		c.burstAlerted = true
		if c.opts.OnStreamFailure != nil {
			c.opts.OnStreamFailure(c.opts.Stream, c.consecutiveReadErrors)
		}
	}
}

func (c *Consumer) recordReadSuccess() {
	c.consecutiveReadErrors = 0
	c.burstAlerted = false
}

func errorKind(err error) string {
	return err.Error()
}
