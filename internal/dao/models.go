package dao

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the delivery state of a log entry.
//
//	enqueue/schedule ─► pending ─► queued ─► sent
//	pending ─► cancelled
//	queued  ─► pending (retry) | failed
//
// sent, failed and cancelled are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Attempt tracks how many delivery attempts have failed so far. The count
// only ever increases.
type Attempt struct {
	Count int `json:"count"`
}

// Provenance links a resent entry back to the terminal entry it was copied
// from.
type Provenance struct {
	ResentFrom string `json:"resent_from,omitempty"`
}

// Meta is the open per-entry metadata, persisted as a JSON column so the
// schema does not need a migration for every new field.
type Meta struct {
	Attempt    Attempt    `json:"attempt"`
	Provenance Provenance `json:"provenance"`
}

func (m Meta) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *Meta) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*m = Meta{}
		return nil
	case string:
		return json.Unmarshal([]byte(v), m)
	case []byte:
		return json.Unmarshal(v, m)
	}
	return fmt.Errorf("cannot scan %T into Meta", value)
}

// DeliveryLog is one email send lineage, append-only from the outside. The
// payload columns are immutable once created, only status, scheduling and
// outcome fields change.
type DeliveryLog struct {
	ID     string `db:"id" json:"id"`
	Status Status `db:"status" json:"status"`

	Recipient     string `db:"recipient" json:"recipient"`
	RecipientName string `db:"recipient_name" json:"recipient_name,omitempty"`
	Sender        string `db:"sender" json:"sender"`
	SenderName    string `db:"sender_name" json:"sender_name,omitempty"`
	Subject       string `db:"subject" json:"subject"`
	BodyHTML      string `db:"body_html" json:"body_html,omitempty"`
	BodyText      string `db:"body_text" json:"body_text,omitempty"`

	// Opaque references for traceability, not owned by the pipeline.
	ApplicationID int64 `db:"application_id" json:"application_id,omitempty"`
	TemplateID    int64 `db:"template_id" json:"template_id,omitempty"`

	ScheduledAt  *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"` // nil means due immediately
	SentAt       *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	ErrorMessage string     `db:"error_message" json:"error_message,omitempty"`

	Meta Meta `db:"meta" json:"meta"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// EntryEvent is one line of the per-entry audit trail.
type EntryEvent struct {
	EntryID   string    `db:"entry_id" json:"entry_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Note      string    `db:"note" json:"note"`
}

// Template is a stored notification template. Placeholder substitution
// happens elsewhere, the store only holds the raw bodies.
type Template struct {
	ID       int64  `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Subject  string `db:"subject" json:"subject"`
	BodyHTML string `db:"body_html" json:"body_html"`
	BodyText string `db:"body_text" json:"body_text"`
}

// Application is the slice of ATS data needed to address and render a
// notification. The pipeline treats it as read-only collaborator data.
type Application struct {
	ID             int64  `db:"id" json:"id"`
	CandidateName  string `db:"candidate_name" json:"candidate_name"`
	CandidateEmail string `db:"candidate_email" json:"candidate_email"`
	JobTitle       string `db:"job_title" json:"job_title"`
	Company        string `db:"company" json:"company"`
}

// QueueStats is the per-status breakdown used by reporting reads.
type QueueStats struct {
	Pending   int `json:"pending"`
	Queued    int `json:"queued"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// ScheduledQuery narrows GetScheduled. Zero values mean unbounded.
type ScheduledQuery struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Limit int       `json:"limit"`
}
