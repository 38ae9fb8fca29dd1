// Package executor performs single delivery attempts. It is invoked by the
// task scheduler, possibly concurrently and more than once per entry, and
// relies on the store's claim guard to make sure an entry is sent at most
// once.
package executor

import (
	"context"
	"errors"
	"time"

	courier "github.com/openhire/courier"
	"github.com/openhire/courier/internal/backoff"
	"github.com/openhire/courier/internal/dao"
	"github.com/openhire/courier/internal/metrics"
	"github.com/openhire/courier/internal/scheduler"
	"github.com/openhire/courier/internal/smtpx"
	"github.com/openhire/courier/tools"
	"github.com/sirupsen/logrus"
)

const DefaultMaxRetries = 3

type Executor struct {
	db        dao.DAO
	transport smtpx.Transport
	sched     scheduler.Scheduler
	strategy  backoff.Strategy

	maxRetries int
	localName  string

	log *logrus.Logger
}

func New(lc *tools.Logger, db dao.DAO, transport smtpx.Transport, sched scheduler.Scheduler, strategy backoff.Strategy, maxRetries int, localName string) *Executor {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if strategy == nil {
		strategy = backoff.NewExponentialWithJitter(time.Minute, time.Hour)
	}
	if localName == "" {
		localName = "localhost"
	}
	return &Executor{
		db:         db,
		transport:  transport,
		sched:      sched,
		strategy:   strategy,
		maxRetries: maxRetries,
		localName:  localName,
		log:        lc.New("executor"),
	}
}

// Process performs exactly one delivery attempt for the entry. Missing
// entries, terminal entries and lost claim races are silent no-ops, all of
// them expected under at-least-once scheduling.
func (e *Executor) Process(ctx context.Context, id string) {
	entry, err := e.db.GetEntry(id)
	if errors.Is(err, dao.ErrNotFound) {
		e.log.WithField("id", id).Debug("process; entry not found, skipping")
		return
	}
	if err != nil {
		e.log.WithError(err).WithField("id", id).Error("process; could not load entry")
		return
	}

	if entry.Status.Terminal() {
		e.log.WithField("id", id).WithField("status", entry.Status).
			Debug("process; entry already settled, skipping duplicate invocation")
		return
	}
	if entry.Status == dao.StatusQueued {
		// a concurrent invocation holds the claim
		e.log.WithField("id", id).Debug("process; entry already claimed, skipping")
		return
	}

	// The claim is committed before the network call starts, so a duplicate
	// invocation arriving mid-send observes 'queued' and aborts above.
	err = e.db.ClaimEntry(id)
	if err != nil {
		if errors.Is(err, dao.ErrWrongState) {
			e.log.WithField("id", id).Debug("process; lost claim race, skipping")
			return
		}
		e.log.WithError(err).WithField("id", id).Error("process; could not claim entry")
		return
	}

	sendErr := e.transport.Send(ctx, e.email(entry))
	if sendErr == nil {
		err = e.db.MarkSent(id, time.Now())
		if err != nil {
			e.log.WithError(err).WithField("id", id).Error("process; sent but could not mark entry")
			return
		}
		metrics.EmailsSent.Inc()
		e.log.WithField("id", id).Info("process; email sent")
		return
	}

	e.retryOrFail(entry, sendErr)
}

func (e *Executor) retryOrFail(entry *dao.DeliveryLog, sendErr error) {
	id := entry.ID

	// The count tracks failed attempts, this one included.
	meta := entry.Meta
	meta.Attempt.Count++

	if meta.Attempt.Count >= e.maxRetries {
		err := e.db.MarkFailed(id, meta, sendErr.Error())
		if err != nil {
			e.log.WithError(err).WithField("id", id).Error("process; could not mark entry failed")
			return
		}
		metrics.EmailsFailed.Inc()
		e.log.WithError(sendErr).WithField("id", id).
			Warnf("process; retries exhausted after %d attempts", meta.Attempt.Count)
		return
	}

	delay := e.strategy.Delay(meta.Attempt.Count)
	at := time.Now().Add(delay)

	err := e.db.ScheduleRetry(id, meta, at, sendErr.Error())
	if err != nil {
		e.log.WithError(err).WithField("id", id).Error("process; could not schedule retry")
		return
	}
	metrics.EmailsRetried.Inc()
	e.log.WithError(sendErr).WithField("id", id).
		Infof("process; send failed, retry %d/%d in %s", meta.Attempt.Count, e.maxRetries, delay.Truncate(time.Second))

	e.sched.RunAt(id, at)
}

func (e *Executor) email(entry *dao.DeliveryLog) *courier.Email {
	return &courier.Email{
		From:    courier.Address{Name: entry.SenderName, Email: entry.Sender},
		To:      courier.Address{Name: entry.RecipientName, Email: entry.Recipient},
		Subject: entry.Subject,
		HTML:    entry.BodyHTML,
		Text:    entry.BodyText,
		Headers: map[string]string{
			"Message-Id": smtpx.GenerateMessageId(e.localName),
		},
	}
}
