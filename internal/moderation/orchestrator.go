// Package moderation turns each observed chat message into, at most, one
// classification round-trip against the context store and, conditionally, one
// status mutation. A classification failure is logged and skipped; it never
// blocks or corrupts future message processing.
package moderation

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/sentinel/modbot/internal/audit"
	"github.com/sentinel/modbot/internal/classifier"
	"github.com/sentinel/modbot/internal/messaging"
	"github.com/sentinel/modbot/internal/metrics"
	"github.com/sentinel/modbot/internal/ratelimit"
	"github.com/sentinel/modbot/internal/store"
)

const (
	// DefaultWindow is the number of recent records sent per
	// classification request.
	DefaultWindow = 20

	// DefaultTimeout bounds each classifier call so a hung request cannot
	// stall message handling indefinitely.
	DefaultTimeout = 30 * time.Second

	// repeatOffenderWindow and repeatOffenderThreshold control when a
	// flagged user is called out as a repeat offender in the audit trail.
	repeatOffenderWindow    = 24 * time.Hour
	repeatOffenderThreshold = 3
)

// Classifier produces a verdict for a window of records.
type Classifier interface {
	Classify(ctx context.Context, window []store.Record) (classifier.Verdict, error)
}

// Config holds orchestrator tunables.
type Config struct {
	Window  int           // records per classification window, defaults to DefaultWindow
	Timeout time.Duration // per classification call, defaults to DefaultTimeout
}

// Orchestrator drives the store-classify-validate cycle for each message.
type Orchestrator struct {
	store   *store.Handle
	cls     Classifier
	window  int
	timeout time.Duration

	// Optional collaborators, nil when the backing service is not
	// configured.
	limiter   *ratelimit.Limiter
	audit     *audit.Store
	publisher *messaging.Client
}

// New creates an orchestrator bound to a store handle and a classifier.
func New(h *store.Handle, cls Classifier, config Config) *Orchestrator {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &Orchestrator{
		store:   h,
		cls:     cls,
		window:  config.Window,
		timeout: config.Timeout,
	}
}

// SetLimiter enables per-channel classification throttling.
func (o *Orchestrator) SetLimiter(l *ratelimit.Limiter) { o.limiter = l }

// SetAuditStore enables verdict persistence.
func (o *Orchestrator) SetAuditStore(s *audit.Store) { o.audit = s }

// SetPublisher enables verdict broadcasting over NATS.
func (o *Orchestrator) SetPublisher(c *messaging.Client) { o.publisher = c }

// HandleMessage runs one moderation cycle for a newly observed message:
// insert it, read back the latest window, classify, and on a violation mark
// the window's records validated. Both store requests travel through the same
// handle in send order, so the window is guaranteed to contain the record
// that was just inserted.
//
// HandleMessage is synchronous; a caller that needs concurrent cycles can run
// it from multiple goroutines, each cycle still observing a consistent store.
func (o *Orchestrator) HandleMessage(ctx context.Context, rec store.Record) {
	rec.Status = store.StatusNotValidated
	metrics.MessagesTotal.WithLabelValues("observed").Inc()

	if err := o.store.Insert(rec); err != nil {
		log.Printf("[moderation] insert message %d: %v", rec.ID, err)
		return
	}

	window, err := o.store.Latest(ctx, o.window)
	if err != nil {
		log.Printf("[moderation] read window: %v", err)
		return
	}
	if len(window) == 0 {
		return
	}

	if o.limiter != nil {
		channel := strconv.FormatUint(rec.ChannelID, 10)
		allowed, _ := o.limiter.Allow(ctx, channel, ratelimit.RuleClassify)
		if !allowed {
			metrics.ClassificationsTotal.WithLabelValues("throttled").Inc()
			log.Printf("[moderation] classification throttled channel=%d", rec.ChannelID)
			return
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	started := time.Now()
	verdict, err := o.cls.Classify(callCtx, window)
	metrics.ClassificationLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		// Recoverable per-message failure: the window's status stays
		// exactly as it was.
		metrics.ClassificationsTotal.WithLabelValues("error").Inc()
		log.Printf("[moderation] classify channel=%d: %v", rec.ChannelID, err)
		return
	}

	if !verdict.Violation() {
		metrics.ClassificationsTotal.WithLabelValues("clean").Inc()
		return
	}

	metrics.ClassificationsTotal.WithLabelValues("violation").Inc()
	log.Printf("[moderation] FLAGGED channel=%d user=%d reason=%q",
		rec.ChannelID, verdict.UserID, verdict.Reason)

	if err := o.store.Validate(o.window); err != nil {
		log.Printf("[moderation] validate window: %v", err)
	}

	o.recordVerdict(ctx, rec.ChannelID, verdict, window)
}

// recordVerdict persists and broadcasts a confirmed violation through the
// optional collaborators. Failures here are logged only; the in-memory
// verdict has already been applied.
func (o *Orchestrator) recordVerdict(ctx context.Context, channelID uint64, verdict classifier.Verdict, window []store.Record) {
	if o.audit != nil {
		v := &audit.Verdict{
			ChannelID: channelID,
			UserID:    verdict.UserID,
			Reason:    verdict.Reason,
			Window:    window,
		}
		if err := o.audit.Create(ctx, v); err != nil {
			log.Printf("[moderation] persist verdict: %v", err)
		} else if verdict.UserID != 0 {
			count, err := o.audit.CountRecent(ctx, verdict.UserID, repeatOffenderWindow)
			if err != nil {
				log.Printf("[moderation] count recent verdicts: %v", err)
			} else if count >= repeatOffenderThreshold {
				log.Printf("[moderation] REPEAT OFFENDER user=%d verdicts=%d window=%s",
					verdict.UserID, count, repeatOffenderWindow)
			}
		}
	}

	if o.publisher != nil {
		event := messaging.VerdictEvent{
			ChannelID: channelID,
			UserID:    verdict.UserID,
			Reason:    verdict.Reason,
			Ts:        time.Now().Unix(),
		}
		data, err := json.Marshal(event)
		if err != nil {
			log.Printf("[moderation] marshal verdict event: %v", err)
			return
		}
		if err := o.publisher.PublishVerdict(channelID, data); err != nil {
			log.Printf("[moderation] publish verdict: %v", err)
		}
	}
}
