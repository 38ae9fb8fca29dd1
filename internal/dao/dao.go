package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrWrongState is returned when a guarded status transition affected no
	// row, meaning the entry was not in the expected source state.
	ErrWrongState = errors.New("entry not in expected state")
)

type DAO interface {
	CreateEntry(entry DeliveryLog) (string, error)
	GetEntry(id string) (*DeliveryLog, error)

	ClaimEntry(id string) error
	MarkSent(id string, at time.Time) error
	ScheduleRetry(id string, meta Meta, at time.Time, reason string) error
	MarkFailed(id string, meta Meta, errMsg string) error
	CancelEntry(id string) error

	GetPendingDue(limit int) ([]DeliveryLog, error)
	GetScheduled(q ScheduledQuery) ([]DeliveryLog, error)
	QueueStats() (QueueStats, error)

	AddEntryEvent(id string, note string) error
	GetEntryEvents(id string) ([]EntryEvent, error)

	GetTemplate(id int64) (*Template, error)
	AddTemplate(t Template) (int64, error)

	GetApplication(id int64) (*Application, error)
	AddApplication(a Application) error

	GetOption(key string) ([]byte, error)
	SetOption(key string, value []byte) error
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	db   *sqlx.DB
	path string
}

func (s *sqlite) CreateEntry(entry DeliveryLog) (id string, err error) {
	q := `
	INSERT INTO delivery_log (id, status, recipient, recipient_name, sender, sender_name,
	                          subject, body_html, body_text, application_id, template_id,
	                          scheduled_at, meta, created_at, updated_at)
	VALUES (:id, :status, :recipient, :recipient_name, :sender, :sender_name,
	        :subject, :body_html, :body_text, :application_id, :template_id,
	        :scheduled_at, :meta, :created_at, :updated_at)
`
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return "", err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	entry.ID = xid.New().String()
	entry.Status = StatusPending
	now := time.Now().In(time.UTC)
	entry.CreatedAt = now
	entry.UpdatedAt = now

	_, err = tx.NamedExec(q, entry)
	if err != nil {
		return "", fmt.Errorf("failed to insert into delivery_log, err %w", err)
	}

	err = s.addEntryEventTx(tx, entry.ID, "entry created, status 'pending'")
	return entry.ID, err
}

func (s *sqlite) GetEntry(id string) (*DeliveryLog, error) {
	q := `SELECT * FROM delivery_log WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var entry DeliveryLog
	err = db.Get(&entry, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	return &entry, err
}

// ClaimEntry moves an entry from 'pending' to 'queued'. The WHERE clause on
// the current status along with a rows-affected check makes the transition a
// compare-and-swap, exactly one of any number of concurrent claimers wins.
func (s *sqlite) ClaimEntry(id string) (err error) {
	q := `
		UPDATE delivery_log
		SET status = 'queued', updated_at = ?
		WHERE id = ?
		  AND status = 'pending'
	`
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(q, time.Now().In(time.UTC), id)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		err = fmt.Errorf("could not claim entry %s, %d rows affected: %w", id, affected, ErrWrongState)
		return
	}

	err = s.addEntryEventTx(tx, id, "claimed for delivery, status 'queued'")
	return
}

func (s *sqlite) MarkSent(id string, at time.Time) error {
	q := `
		UPDATE delivery_log
		SET status = 'sent', sent_at = ?, updated_at = ?
		WHERE id = ?
		  AND status = 'queued'
	`
	return s.guardedTransition(q, "delivery succeeded, status 'sent'", id, at.In(time.UTC), time.Now().In(time.UTC), id)
}

func (s *sqlite) ScheduleRetry(id string, meta Meta, at time.Time, reason string) error {
	q := `
		UPDATE delivery_log
		SET status = 'pending', scheduled_at = ?, meta = ?, updated_at = ?
		WHERE id = ?
		  AND status = 'queued'
	`
	note := fmt.Sprintf("delivery failed (%s), retry %d scheduled for %s",
		reason, meta.Attempt.Count, at.In(time.UTC).Format(time.RFC3339))
	return s.guardedTransition(q, note, id, at.In(time.UTC), meta, time.Now().In(time.UTC), id)
}

func (s *sqlite) MarkFailed(id string, meta Meta, errMsg string) error {
	q := `
		UPDATE delivery_log
		SET status = 'failed', error_message = ?, meta = ?, updated_at = ?
		WHERE id = ?
		  AND status = 'queued'
	`
	note := fmt.Sprintf("retries exhausted after %d attempts, status 'failed': %s", meta.Attempt.Count, errMsg)
	return s.guardedTransition(q, note, id, errMsg, meta, time.Now().In(time.UTC), id)
}

func (s *sqlite) CancelEntry(id string) error {
	q := `
		UPDATE delivery_log
		SET status = 'cancelled', updated_at = ?
		WHERE id = ?
		  AND status = 'pending'
	`
	return s.guardedTransition(q, "cancelled by operator", id, time.Now().In(time.UTC), id)
}

// guardedTransition runs a status-guarded UPDATE and appends an audit event in
// the same transaction. ErrWrongState when the guard matched no row.
func (s *sqlite) guardedTransition(q, note, id string, args ...interface{}) (err error) {
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(q, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		err = fmt.Errorf("transition of entry %s affected %d rows: %w", id, affected, ErrWrongState)
		return
	}
	err = s.addEntryEventTx(tx, id, note)
	return
}

func (s *sqlite) GetPendingDue(limit int) (entries []DeliveryLog, err error) {
	q := `
		SELECT *
		FROM delivery_log
		WHERE status = 'pending'
		  AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY COALESCE(scheduled_at, created_at)
		LIMIT ?
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	err = db.Select(&entries, q, time.Now().In(time.UTC), limit)
	return entries, err
}

func (s *sqlite) GetScheduled(sq ScheduledQuery) (entries []DeliveryLog, err error) {
	q := `
		SELECT *
		FROM delivery_log
		WHERE status = 'pending'
		  AND scheduled_at IS NOT NULL
		  AND scheduled_at > ?
	`
	args := []interface{}{sq.From.In(time.UTC)}
	if !sq.To.IsZero() {
		q += ` AND scheduled_at <= ?`
		args = append(args, sq.To.In(time.UTC))
	}
	q += ` ORDER BY scheduled_at LIMIT ?`
	if sq.Limit <= 0 {
		sq.Limit = 100
	}
	args = append(args, sq.Limit)

	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	err = db.Select(&entries, q, args...)
	return entries, err
}

func (s *sqlite) QueueStats() (stats QueueStats, err error) {
	q := `SELECT status, COUNT(*) AS n FROM delivery_log GROUP BY status`
	db, err := s.getDB()
	if err != nil {
		return stats, err
	}
	var rows []struct {
		Status Status `db:"status"`
		N      int    `db:"n"`
	}
	err = db.Select(&rows, q)
	if err != nil {
		return stats, err
	}
	for _, row := range rows {
		switch row.Status {
		case StatusPending:
			stats.Pending = row.N
		case StatusQueued:
			stats.Queued = row.N
		case StatusSent:
			stats.Sent = row.N
		case StatusFailed:
			stats.Failed = row.N
		case StatusCancelled:
			stats.Cancelled = row.N
		}
	}

	// sqlite keeps no declared type for expression columns, the aggregate
	// comes back as a string rather than a time.Time
	var oldest sql.NullString
	err = db.Get(&oldest, `SELECT MIN(COALESCE(scheduled_at, created_at)) FROM delivery_log WHERE status = 'pending'`)
	if err != nil {
		return stats, err
	}
	if oldest.Valid {
		at, err := parseStoredTime(oldest.String)
		if err != nil {
			return stats, err
		}
		stats.OldestPending = &at
	}
	return stats, nil
}

func parseStoredTime(s string) (time.Time, error) {
	layouts := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		time.RFC3339Nano,
	}
	for _, layout := range layouts {
		at, err := time.Parse(layout, s)
		if err == nil {
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse stored time %q", s)
}

func (s *sqlite) AddEntryEvent(id, note string) error {
	tx, err := s.getTX()
	if err != nil {
		return err
	}
	err = s.addEntryEventTx(tx, id, note)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlite) addEntryEventTx(tx *sqlx.Tx, id, note string) error {
	q := `INSERT INTO delivery_log_events (entry_id, created_at, note) VALUES (?, ?, ?)`
	_, err := tx.Exec(q, id, time.Now().In(time.UTC), note)
	if err != nil {
		return fmt.Errorf("failed to insert audit event, %w", err)
	}
	return nil
}

func (s *sqlite) GetEntryEvents(id string) (events []EntryEvent, err error) {
	q := `SELECT * FROM delivery_log_events WHERE entry_id = ? ORDER BY created_at`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	err = db.Select(&events, q, id)
	return events, err
}

func (s *sqlite) GetTemplate(id int64) (*Template, error) {
	q := `SELECT * FROM template WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var t Template
	err = db.Get(&t, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	return &t, err
}

func (s *sqlite) AddTemplate(t Template) (int64, error) {
	q := `INSERT INTO template (name, subject, body_html, body_text) VALUES (?, ?, ?, ?)`
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(q, t.Name, t.Subject, t.BodyHTML, t.BodyText)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqlite) GetApplication(id int64) (*Application, error) {
	q := `SELECT * FROM application WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var a Application
	err = db.Get(&a, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("application %d: %w", id, ErrNotFound)
	}
	return &a, err
}

func (s *sqlite) AddApplication(a Application) error {
	q := `INSERT OR REPLACE INTO application (id, candidate_name, candidate_email, job_title, company)
	      VALUES (?, ?, ?, ?, ?)`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, a.ID, a.CandidateName, a.CandidateEmail, a.JobTitle, a.Company)
	return err
}

func (s *sqlite) GetOption(key string) ([]byte, error) {
	q := `SELECT value FROM option WHERE key = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var value string
	err = db.Get(&value, q, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("option %s: %w", key, ErrNotFound)
	}
	return []byte(value), err
}

func (s *sqlite) SetOption(key string, value []byte) error {
	q := `INSERT OR REPLACE INTO option (key, value, updated_at) VALUES (?, ?, ?)`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, key, string(value), time.Now().In(time.UTC))
	return err
}

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma busy_timeout = 5000;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *sqlite) getDB() (*sqlx.DB, error) {

	var err error
	for s.db == nil || s.db.Ping() != nil {

		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}

		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}

	return s.db, nil
}

func (s *sqlite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}

func (s *sqlite) ensureSchema() error {

	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS delivery_log (
	    id TEXT PRIMARY KEY,
	    status TEXT NOT NULL, -- pending, queued, sent, failed, cancelled

	    recipient      TEXT NOT NULL,
	    recipient_name TEXT DEFAULT '',
	    sender         TEXT NOT NULL,
	    sender_name    TEXT DEFAULT '',
	    subject        TEXT NOT NULL,
	    body_html      TEXT DEFAULT '',
	    body_text      TEXT DEFAULT '',

	    application_id INT DEFAULT 0,
	    template_id    INT DEFAULT 0,

	    scheduled_at  DATETIME,
	    sent_at       DATETIME,
	    error_message TEXT DEFAULT '',

	    meta TEXT DEFAULT '{}',

		created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_delivery_log_due
	    ON delivery_log(scheduled_at) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS delivery_log_events (
	    entry_id TEXT NOT NULL,
	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    note TEXT NOT NULL,
	    PRIMARY KEY (entry_id, created_at)
	);

	CREATE TABLE IF NOT EXISTS template (
	    id INTEGER PRIMARY KEY AUTOINCREMENT,
	    name TEXT NOT NULL,
	    subject TEXT NOT NULL,
	    body_html TEXT DEFAULT '',
	    body_text TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS application (
	    id INTEGER PRIMARY KEY,
	    candidate_name TEXT NOT NULL,
	    candidate_email TEXT NOT NULL,
	    job_title TEXT DEFAULT '',
	    company TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS option (
	    key TEXT PRIMARY KEY,
	    value TEXT NOT NULL,
	    updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
`)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}

	return err
}
