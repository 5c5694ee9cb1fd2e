// Package telegram delivers formatted notices to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"notice-relay/format"
	"notice-relay/pkg/notifier"
	"time"
)

// Provider sends one message segment to the configured destination.
type Provider interface {
	// Send delivers text, with the HTML parse mode enabled when rich is true.
	Send(ctx context.Context, text string, rich bool) error
}

// DeliveryError indicates a segment that could not be delivered at all.
type DeliveryError struct {
	NoticeID string
	Segment  int
	Rich     error // Error from the HTML attempt
	Plain    error // Error from the plain-text fallback
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver notice %s segment %d: rich: %v; plain: %v", e.NoticeID, e.Segment, e.Rich, e.Plain)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{e.Rich, e.Plain}
}

// IsDeliveryError checks if an error is a delivery error.
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

// Report summarizes the delivery of one message.
type Report struct {
	Delivered int // Segments accepted on either path
	Fallbacks int // Segments accepted only as plain text
	Failed    int // Segments dropped
	Errors    []error
}

// Deliverer sends messages segment by segment with a plain-text fallback.
type Deliverer struct {
	provider Provider
	logger   *slog.Logger
}

// NewDeliverer creates a deliverer on top of provider.
func NewDeliverer(provider Provider, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		provider: provider,
		logger:   logger,
	}
}

// SendSegment delivers one segment. A failed HTML attempt is followed by
// exactly one attempt with the plain rendering of the same segment.
func (d *Deliverer) SendSegment(ctx context.Context, noticeID string, index int, segment string) (fallback bool, err error) {
	startTime := time.Now()
	richErr := d.provider.Send(ctx, segment, true)
	if richErr == nil {
		d.logger.Info("Message sent successfully",
			"notice_id", noticeID,
			"segment", index,
			"duration_ms", time.Since(startTime).Milliseconds())
		return false, nil
	}

	d.logger.Warn("Rich message rejected, retrying as plain text",
		"notice_id", noticeID,
		"segment", index,
		"error", richErr)

	if ctx.Err() != nil {
		return false, &DeliveryError{NoticeID: noticeID, Segment: index, Rich: richErr, Plain: ctx.Err()}
	}

	plainErr := d.provider.Send(ctx, format.PlainText(segment), false)
	if plainErr != nil {
		return false, &DeliveryError{NoticeID: noticeID, Segment: index, Rich: richErr, Plain: plainErr}
	}

	d.logger.Info("Message sent as plain text",
		"notice_id", noticeID,
		"segment", index,
		"duration_ms", time.Since(startTime).Milliseconds())
	return true, nil
}

// Deliver sends every segment of msg in order. Segment failures are logged
// and do not stop later segments.
func (d *Deliverer) Deliver(ctx context.Context, msg *notifier.Message) Report {
	var r Report
	for i, seg := range msg.Segments {
		fallback, err := d.SendSegment(ctx, msg.NoticeID, i, seg)
		if err != nil {
			d.logger.Error("Error sending message", "notice_id", msg.NoticeID, "segment", i, "error", err)
			r.Failed++
			r.Errors = append(r.Errors, err)
			continue
		}
		r.Delivered++
		if fallback {
			r.Fallbacks++
		}
	}
	return r
}
