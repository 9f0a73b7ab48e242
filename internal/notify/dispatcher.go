// Package notify fans chat activity out to participants the live broadcast
// cannot reach, through an external push gateway.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tabletalk/internal/domain"
)

// TokenSource resolves a user's registered push handles.
type TokenSource interface {
	PushTokens(ctx context.Context, userID string) ([]string, error)
}

// Presence answers whether a user currently has a live connection.
type Presence interface {
	IsOnline(identityID string) bool
}

// Counter receives delivery outcome counts. Satisfied by realtime.Metrics.
type Counter interface {
	IncPushSent()
	IncPushFailed()
}

// Options tune the dispatcher's policy.
type Options struct {
	// SkipOnline suppresses push for recipients who already got the live
	// broadcast, so connected clients are not alerted twice. On by default.
	SkipOnline bool
	// Timeout bounds each individual gateway call.
	Timeout time.Duration
}

// Dispatcher resolves the recipients of a message and invokes the gateway
// per handle. Fan-out is independent per recipient: one failure never aborts
// the others, and nothing on this path blocks the sender's ack.
type Dispatcher struct {
	gateway  Gateway
	tokens   TokenSource
	presence Presence
	counter  Counter
	opts     Options
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

func NewDispatcher(gateway Gateway, tokens TokenSource, presence Presence, counter Counter, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Dispatcher{
		gateway:  gateway,
		tokens:   tokens,
		presence: presence,
		counter:  counter,
		opts:     opts,
		logger:   logger,
	}
}

// MessageSent asynchronously notifies every room participant other than the
// sender. Implements the pipeline's Notifier hand-off.
func (d *Dispatcher) MessageSent(roomID string, msg *domain.Message, participants []string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(roomID, msg, participants)
	}()
}

// Flush blocks until all in-flight fan-outs are done. Used on shutdown and
// in tests.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(roomID string, msg *domain.Message, participants []string) {
	title := fmt.Sprintf("Message from %s", msg.Sender.Nickname)
	data := map[string]string{
		"type":      "chat_message",
		"roomId":    roomID,
		"messageId": msg.ID,
	}
	var failures int
	for _, recipientID := range participants {
		if recipientID == msg.Sender.ID {
			continue
		}
		if d.opts.SkipOnline && d.presence != nil && d.presence.IsOnline(recipientID) {
			continue
		}
		handles, err := d.tokens.PushTokens(context.Background(), recipientID)
		if err != nil {
			d.logger.Error().Err(err).Str("user_id", recipientID).Msg("push handle lookup failed")
			failures++
			continue
		}
		for _, handle := range handles {
			if err := d.push(handle, title, msg.Content, data); err != nil {
				// per-recipient failure: logged, counted, never raised
				d.logger.Warn().Err(err).Str("user_id", recipientID).Msg("push delivery failed")
				if d.counter != nil {
					d.counter.IncPushFailed()
				}
				failures++
				continue
			}
			if d.counter != nil {
				d.counter.IncPushSent()
			}
		}
	}
	if failures > 0 {
		d.logger.Warn().Int("failures", failures).Str("room_id", roomID).Msg("push fan-out finished with failures")
	}
}

func (d *Dispatcher) push(handle, title, body string, data map[string]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()
	return d.gateway.SendPush(ctx, handle, title, body, data)
}
