// Package queue is the public api of the delivery pipeline. It owns every
// transition into and out of 'pending', the executor owns the rest.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	courier "github.com/openhire/courier"
	"github.com/openhire/courier/internal/dao"
	"github.com/openhire/courier/internal/metrics"
	"github.com/openhire/courier/internal/scheduler"
	"github.com/openhire/courier/internal/signals"
	"github.com/openhire/courier/tools"
	"github.com/sirupsen/logrus"
)

const DefaultBatchSize = 50

// Payload is a rendered email plus the opaque references it was produced
// from.
type Payload struct {
	Email         courier.Email
	ApplicationID int64
	TemplateID    int64
}

type Queue struct {
	db    dao.DAO
	sched scheduler.Scheduler
	run   scheduler.Runner // direct fallback when the scheduler is unavailable

	log   *logrus.Logger
	batch int
}

func New(lc *tools.Logger, db dao.DAO, sched scheduler.Scheduler, batch int) *Queue {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Queue{
		db:    db,
		sched: sched,
		log:   lc.New("queue"),
		batch: batch,
	}
}

// SetRunner binds the executor used when ProcessQueue cannot hand jobs to the
// scheduler. Both paths funnel through the same claim guard.
func (q *Queue) SetRunner(run scheduler.Runner) {
	q.run = run
}

// Enqueue creates a pending entry due immediately and hands it to the
// scheduler.
func (q *Queue) Enqueue(p Payload) (string, error) {
	return q.add(p, nil)
}

// Schedule creates a pending entry due at the given time.
func (q *Queue) Schedule(p Payload, at time.Time) (string, error) {
	at = at.In(time.UTC)
	return q.add(p, &at)
}

func (q *Queue) add(p Payload, at *time.Time) (string, error) {
	if !tools.ValidEmail(p.Email.To.Email) {
		return "", fmt.Errorf("recipient %q is not a valid email address", p.Email.To.Email)
	}
	if !tools.ValidEmail(p.Email.From.Email) {
		return "", fmt.Errorf("sender %q is not a valid email address", p.Email.From.Email)
	}

	entry := dao.DeliveryLog{
		Recipient:     p.Email.To.Email,
		RecipientName: p.Email.To.Name,
		Sender:        p.Email.From.Email,
		SenderName:    p.Email.From.Name,
		Subject:       p.Email.Subject,
		BodyHTML:      p.Email.HTML,
		BodyText:      p.Email.Text,
		ApplicationID: p.ApplicationID,
		TemplateID:    p.TemplateID,
		ScheduledAt:   at,
	}

	id, err := q.db.CreateEntry(entry)
	if err != nil {
		return "", fmt.Errorf("could not persist delivery log entry, %w", err)
	}
	metrics.EmailsEnqueued.Inc()

	if at == nil {
		q.log.WithField("id", id).Debug("enqueue; entry created, due now")
		q.sched.RunAsync(id)
	} else {
		q.log.WithField("id", id).Debugf("schedule; entry created, due %s", at.Format(time.RFC3339))
		q.sched.RunAt(id, *at)
	}
	signals.Notify(signals.NewEntryInQueue)

	return id, nil
}

// Cancel succeeds only while the entry is still pending. A scheduler job
// already dispatched for the entry is not recalled, the executor discovers
// the cancelled status at its guard check and aborts.
func (q *Queue) Cancel(id string) bool {
	err := q.db.CancelEntry(id)
	if err != nil {
		if !errors.Is(err, dao.ErrWrongState) && !errors.Is(err, dao.ErrNotFound) {
			q.log.WithError(err).WithField("id", id).Error("cancel failed")
		}
		return false
	}
	q.sched.CancelAllFor(id)
	metrics.EmailsCancelled.Inc()
	q.log.WithField("id", id).Info("cancel; entry cancelled")
	return true
}

// Resend copies a terminal entry's payload into a brand-new pending entry due
// immediately. The original is never mutated, the copy records its origin.
func (q *Queue) Resend(id string) (string, error) {
	orig, err := q.db.GetEntry(id)
	if err != nil {
		return "", fmt.Errorf("could not load entry %s, %w", id, err)
	}
	if orig.Status != dao.StatusSent && orig.Status != dao.StatusFailed {
		return "", fmt.Errorf("entry %s is %s, only sent or failed entries can be resent", id, orig.Status)
	}

	entry := dao.DeliveryLog{
		Recipient:     orig.Recipient,
		RecipientName: orig.RecipientName,
		Sender:        orig.Sender,
		SenderName:    orig.SenderName,
		Subject:       orig.Subject,
		BodyHTML:      orig.BodyHTML,
		BodyText:      orig.BodyText,
		ApplicationID: orig.ApplicationID,
		TemplateID:    orig.TemplateID,
		Meta: dao.Meta{
			Provenance: dao.Provenance{ResentFrom: orig.ID},
		},
	}

	newId, err := q.db.CreateEntry(entry)
	if err != nil {
		return "", fmt.Errorf("could not persist resend entry, %w", err)
	}
	_ = q.db.AddEntryEvent(orig.ID, fmt.Sprintf("resent as new entry %s", newId))
	metrics.EmailsResent.Inc()

	q.log.WithField("id", newId).WithField("resent_from", orig.ID).Info("resend; new entry created")
	q.sched.RunAsync(newId)
	signals.Notify(signals.NewEntryInQueue)
	return newId, nil
}

// ProcessQueue pulls a batch of due pending entries and re-submits each one.
// Idempotent, the executor re-checks entry status before acting, so
// re-submitting an already queued or terminal entry is a no-op.
func (q *Queue) ProcessQueue() {
	entries, err := q.db.GetPendingDue(q.batch)
	if err != nil {
		q.log.WithError(err).Error("process-queue; could not read due entries")
		return
	}
	if len(entries) == 0 {
		return
	}

	q.log.Debugf("process-queue; found %d due entries", len(entries))
	for _, entry := range entries {
		if q.sched.IsAvailable() {
			q.sched.RunAsync(entry.ID)
			continue
		}
		if q.run == nil {
			q.log.WithField("id", entry.ID).Warn("process-queue; no scheduler and no fallback runner")
			continue
		}
		q.run(context.Background(), entry.ID)
	}
}

func (q *Queue) Stats() (dao.QueueStats, error) {
	return q.db.QueueStats()
}

func (q *Queue) Scheduled(sq dao.ScheduledQuery) ([]dao.DeliveryLog, error) {
	return q.db.GetScheduled(sq)
}

func (q *Queue) Events(id string) ([]dao.EntryEvent, error) {
	return q.db.GetEntryEvents(id)
}

func (q *Queue) Entry(id string) (*dao.DeliveryLog, error) {
	return q.db.GetEntry(id)
}
