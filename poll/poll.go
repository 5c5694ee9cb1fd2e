// Package poll runs one relay pass: find new notices and deliver them.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"notice-relay/internal/filelock"
	"notice-relay/pkg/notifier"
	"notice-relay/telegram"
	"sync"
	"time"
)

// ErrRunInProgress is returned when another run holds the watermark.
var ErrRunInProgress = errors.New("relay run already in progress")

const persistTimeout = 30 * time.Second

// Feed interface for reading the notice board.
type Feed interface {
	ListNotices(ctx context.Context) ([]*notifier.Notice, error)
	FetchDetail(ctx context.Context, id string) (*notifier.NoticeDetail, error)
}

// Store interface for watermark persistence.
type Store interface {
	Read(ctx context.Context) (id string, ok bool)
	Write(ctx context.Context, id string) error
}

// Formatter interface for building chat messages.
type Formatter interface {
	Format(n *notifier.Notice, d *notifier.NoticeDetail) *notifier.Message
}

// Deliverer interface for sending messages.
type Deliverer interface {
	Deliver(ctx context.Context, msg *notifier.Message) telegram.Report
}

// Result summarizes one run.
type Result struct {
	Fetched           int    `json:"fetched"`
	New               int    `json:"new"`
	Delivered         int    `json:"delivered"`          // Notices with at least one segment delivered
	Skipped           int    `json:"skipped"`            // Notices whose detail could not be fetched
	Undelivered       int    `json:"undelivered"`        // Notices with no segment delivered
	SegmentsFailed    int    `json:"segments_failed"`    // Segments dropped after both attempts
	Fallbacks         int    `json:"fallbacks"`          // Segments delivered as plain text
	PreviousWatermark string `json:"previous_watermark"` // Empty when none was stored
	Watermark         string `json:"watermark"`
	WatermarkFound    bool   `json:"watermark_found"`
	Persisted         bool   `json:"persisted"`
	FeedUnavailable   bool   `json:"feed_unavailable"`
}

// Monitor handles relay runs.
type Monitor struct {
	feed      Feed
	store     Store
	formatter Formatter
	deliverer Deliverer
	logger    *slog.Logger
	lockPath  string
	mu        sync.Mutex
}

// New creates a new monitor. An empty lockPath disables the cross-process
// run lock.
func New(feed Feed, store Store, formatter Formatter, deliverer Deliverer, lockPath string, logger *slog.Logger) *Monitor {
	return &Monitor{
		feed:      feed,
		store:     store,
		formatter: formatter,
		deliverer: deliverer,
		lockPath:  lockPath,
		logger:    logger,
	}
}

// Run performs one pass. It returns an error only when another run is in
// progress, the run lock cannot be taken, or ctx is cancelled; every other
// failure is logged and reflected in the result.
func (m *Monitor) Run(ctx context.Context) (*Result, error) {
	if !m.mu.TryLock() {
		m.logger.Warn("Skipping run, another run is in progress in this process")
		return nil, ErrRunInProgress
	}
	defer m.mu.Unlock()

	if m.lockPath != "" {
		lock, err := filelock.TryAcquire(m.lockPath)
		if errors.Is(err, filelock.ErrAlreadyLocked) {
			m.logger.Warn("Skipping run, run lock held by another process", "lock_file", m.lockPath)
			return nil, fmt.Errorf("%w: %w", ErrRunInProgress, err)
		}
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				m.logger.Warn("Failed to release run lock", "lock_file", m.lockPath, "error", err)
			}
		}()
	}

	startTime := time.Now()
	res := &Result{}

	watermark, ok := m.store.Read(ctx)
	if ok {
		res.PreviousWatermark = watermark
	}
	res.Watermark = res.PreviousWatermark
	m.logger.Info("Starting relay run", "watermark", watermark, "has_watermark", ok)

	notices, err := m.feed.ListNotices(ctx)
	if err != nil {
		m.logger.Error("Failed to fetch notice list, ending run", "error", err)
		res.FeedUnavailable = true
		return res, nil
	}
	res.Fetched = len(notices)

	delta, found := ResolveDelta(notices, watermark, ok)
	res.New = len(delta)
	res.WatermarkFound = found
	if ok && !found && len(delta) > 0 {
		m.logger.Warn("Watermark not found in fetched notices, treating all as new",
			"watermark", watermark,
			"fetched", len(notices))
	}

	if len(delta) == 0 {
		m.logger.Info("No new notices", "fetched", len(notices), "duration_ms", time.Since(startTime).Milliseconds())
		return res, nil
	}

	m.logger.Info("New notices detected",
		"count", len(delta),
		"oldest_id", delta[0].ID,
		"newest_id", delta[len(delta)-1].ID)

	advance := ""
	blocked := false
	var runErr error

	for i, n := range delta {
		if err := ctx.Err(); err != nil {
			m.logger.Info("Context cancelled, stopping relay run", "processed", i, "remaining", len(delta)-i, "error", err)
			runErr = err
			break
		}

		if m.process(ctx, n, res) {
			if !blocked {
				advance = n.ID
			}
			continue
		}
		if !blocked {
			blocked = true
			m.logger.Warn("Watermark held before undelivered notice", "notice_id", n.ID)
		}
	}

	if advance != "" {
		m.persist(ctx, advance, res)
	}

	m.logger.Info("Relay run completed",
		"new", res.New,
		"delivered", res.Delivered,
		"skipped", res.Skipped,
		"undelivered", res.Undelivered,
		"segments_failed", res.SegmentsFailed,
		"watermark", res.Watermark,
		"persisted", res.Persisted,
		"duration_ms", time.Since(startTime).Milliseconds())

	return res, runErr
}

// process delivers one notice and reports whether the watermark may pass it.
func (m *Monitor) process(ctx context.Context, n *notifier.Notice, res *Result) bool {
	detail, err := m.feed.FetchDetail(ctx, n.ID)
	if err != nil {
		m.logger.Error("Failed to fetch notice detail, skipping", "notice_id", n.ID, "error", err)
		res.Skipped++
		return false
	}

	msg := m.formatter.Format(n, detail)
	if len(msg.Segments) == 0 {
		m.logger.Warn("Notice rendered no content", "notice_id", n.ID)
		res.Undelivered++
		return false
	}

	report := m.deliverer.Deliver(ctx, msg)
	res.SegmentsFailed += report.Failed
	res.Fallbacks += report.Fallbacks
	if report.Delivered == 0 {
		m.logger.Error("Notice not delivered", "notice_id", n.ID, "segments", len(msg.Segments))
		res.Undelivered++
		return false
	}

	res.Delivered++
	m.logger.Info("Notice delivered",
		"notice_id", n.ID,
		"segments", len(msg.Segments),
		"failed_segments", report.Failed,
		"fallbacks", report.Fallbacks)
	return true
}

// persist writes the watermark. Progress made before a cancellation is
// still recorded.
func (m *Monitor) persist(ctx context.Context, id string, res *Result) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := m.store.Write(wctx, id); err != nil {
		m.logger.Warn("Failed to persist watermark, next run will resend", "watermark", id, "error", err)
		return
	}
	res.Watermark = id
	res.Persisted = true
	m.logger.Info("Watermark updated", "previous", res.PreviousWatermark, "watermark", id)
}
