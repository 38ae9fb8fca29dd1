package dao

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func setup(t *testing.T) DAO {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "courier_test.sqlite"))
	if err != nil {
		t.Fatalf("could not create sqlite dao: %v", err)
	}
	return db
}

func validEntry() DeliveryLog {
	return DeliveryLog{
		Recipient: "candidate@example.com",
		Sender:    "no-reply@example.com",
		Subject:   "Interview invitation",
		BodyText:  "Hello",
	}
}

func TestCreateEntryAssignsIdAndPendingStatus(t *testing.T) {
	db := setup(t)

	id, err := db.CreateEntry(validEntry())
	if err != nil {
		t.Fatalf("CreateEntry failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty id")
	}

	entry, err := db.GetEntry(id)
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if entry.Status != StatusPending {
		t.Fatalf("expected status pending, got %s", entry.Status)
	}
	if entry.Meta.Attempt.Count != 0 {
		t.Fatalf("expected attempt count 0, got %d", entry.Meta.Attempt.Count)
	}
}

func TestGetEntryNotFound(t *testing.T) {
	db := setup(t)

	_, err := db.GetEntry("no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimEntryIsExclusive(t *testing.T) {
	db := setup(t)

	id, err := db.CreateEntry(validEntry())
	if err != nil {
		t.Fatalf("CreateEntry failed: %v", err)
	}

	err = db.ClaimEntry(id)
	if err != nil {
		t.Fatalf("first claim should succeed: %v", err)
	}

	err = db.ClaimEntry(id)
	if !errors.Is(err, ErrWrongState) {
		t.Fatalf("second claim should lose, got %v", err)
	}

	entry, err := db.GetEntry(id)
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if entry.Status != StatusQueued {
		t.Fatalf("expected status queued, got %s", entry.Status)
	}
}

func TestMarkSentRequiresQueued(t *testing.T) {
	db := setup(t)

	id, _ := db.CreateEntry(validEntry())

	err := db.MarkSent(id, time.Now())
	if !errors.Is(err, ErrWrongState) {
		t.Fatalf("marking a pending entry sent should fail, got %v", err)
	}

	if err := db.ClaimEntry(id); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := db.MarkSent(id, time.Now()); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}

	entry, _ := db.GetEntry(id)
	if entry.Status != StatusSent {
		t.Fatalf("expected status sent, got %s", entry.Status)
	}
	if entry.SentAt == nil {
		t.Fatal("expected sent_at to be set")
	}
}

func TestScheduleRetryRoundTripsMeta(t *testing.T) {
	db := setup(t)

	id, _ := db.CreateEntry(validEntry())
	if err := db.ClaimEntry(id); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	at := time.Now().Add(5 * time.Minute)
	err := db.ScheduleRetry(id, Meta{Attempt: Attempt{Count: 2}}, at, "connection refused")
	if err != nil {
		t.Fatalf("ScheduleRetry failed: %v", err)
	}

	entry, _ := db.GetEntry(id)
	if entry.Status != StatusPending {
		t.Fatalf("expected status pending, got %s", entry.Status)
	}
	if entry.Meta.Attempt.Count != 2 {
		t.Fatalf("expected attempt count 2, got %d", entry.Meta.Attempt.Count)
	}
	if entry.ScheduledAt == nil {
		t.Fatal("expected scheduled_at to be set")
	}
}

func TestMarkFailedRecordsErrorAndMeta(t *testing.T) {
	db := setup(t)

	id, _ := db.CreateEntry(validEntry())
	if err := db.ClaimEntry(id); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	err := db.MarkFailed(id, Meta{Attempt: Attempt{Count: 3}}, "550 mailbox unavailable")
	if err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	entry, _ := db.GetEntry(id)
	if entry.Status != StatusFailed {
		t.Fatalf("expected status failed, got %s", entry.Status)
	}
	if entry.ErrorMessage != "550 mailbox unavailable" {
		t.Fatalf("unexpected error message %q", entry.ErrorMessage)
	}
	if entry.Meta.Attempt.Count != 3 {
		t.Fatalf("expected attempt count 3, got %d", entry.Meta.Attempt.Count)
	}
}

func TestCancelOnlyPendingEntries(t *testing.T) {
	db := setup(t)

	id, _ := db.CreateEntry(validEntry())
	if err := db.CancelEntry(id); err != nil {
		t.Fatalf("cancel of pending entry failed: %v", err)
	}

	// terminal, cannot be cancelled again
	if err := db.CancelEntry(id); !errors.Is(err, ErrWrongState) {
		t.Fatalf("cancel of cancelled entry should fail, got %v", err)
	}

	// claimed entries cannot be cancelled either
	id2, _ := db.CreateEntry(validEntry())
	if err := db.ClaimEntry(id2); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := db.CancelEntry(id2); !errors.Is(err, ErrWrongState) {
		t.Fatalf("cancel of queued entry should fail, got %v", err)
	}
}

func TestGetPendingDueSkipsFutureEntries(t *testing.T) {
	db := setup(t)

	dueNow := validEntry()
	idNow, _ := db.CreateEntry(dueNow)

	past := time.Now().Add(-time.Minute)
	duePast := validEntry()
	duePast.ScheduledAt = &past
	idPast, _ := db.CreateEntry(duePast)

	future := time.Now().Add(time.Hour)
	dueLater := validEntry()
	dueLater.ScheduledAt = &future
	idLater, _ := db.CreateEntry(dueLater)

	entries, err := db.GetPendingDue(50)
	if err != nil {
		t.Fatalf("GetPendingDue failed: %v", err)
	}

	got := map[string]bool{}
	for _, e := range entries {
		got[e.ID] = true
	}
	if !got[idNow] || !got[idPast] {
		t.Fatalf("expected due entries %s and %s in %v", idNow, idPast, got)
	}
	if got[idLater] {
		t.Fatalf("future entry %s should not be due", idLater)
	}
}

func TestGetScheduledReturnsFutureEntries(t *testing.T) {
	db := setup(t)

	future := time.Now().Add(time.Hour)
	e := validEntry()
	e.ScheduledAt = &future
	id, _ := db.CreateEntry(e)

	_, _ = db.CreateEntry(validEntry()) // due now, should not show up

	entries, err := db.GetScheduled(ScheduledQuery{From: time.Now()})
	if err != nil {
		t.Fatalf("GetScheduled failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("expected exactly the future entry, got %+v", entries)
	}
}

func TestQueueStatsCountsPerStatus(t *testing.T) {
	db := setup(t)

	id1, _ := db.CreateEntry(validEntry())
	id2, _ := db.CreateEntry(validEntry())
	_, _ = db.CreateEntry(validEntry())

	_ = db.ClaimEntry(id1)
	_ = db.MarkSent(id1, time.Now())
	_ = db.CancelEntry(id2)

	stats, err := db.QueueStats()
	if err != nil {
		t.Fatalf("QueueStats failed: %v", err)
	}
	if stats.Pending != 1 || stats.Sent != 1 || stats.Cancelled != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.OldestPending == nil {
		t.Fatal("expected oldest pending timestamp")
	}
}

func TestQueueStatsReportsOldestPending(t *testing.T) {
	db := setup(t)

	soon := time.Now().Add(10 * time.Minute)
	e1 := validEntry()
	e1.ScheduledAt = &soon
	_, _ = db.CreateEntry(e1)

	later := time.Now().Add(2 * time.Hour)
	e2 := validEntry()
	e2.ScheduledAt = &later
	_, _ = db.CreateEntry(e2)

	stats, err := db.QueueStats()
	if err != nil {
		t.Fatalf("QueueStats failed with pending entries: %v", err)
	}
	if stats.Pending != 2 {
		t.Fatalf("expected 2 pending entries, got %d", stats.Pending)
	}
	if stats.OldestPending == nil {
		t.Fatal("expected oldest pending timestamp")
	}
	if got := *stats.OldestPending; got.Sub(soon) > time.Second || soon.Sub(got) > time.Second {
		t.Fatalf("oldest pending %s, want about %s", got, soon)
	}
}

func TestEntryEventsAreAppended(t *testing.T) {
	db := setup(t)

	id, _ := db.CreateEntry(validEntry())
	_ = db.ClaimEntry(id)
	_ = db.MarkSent(id, time.Now())

	events, err := db.GetEntryEvents(id)
	if err != nil {
		t.Fatalf("GetEntryEvents failed: %v", err)
	}
	if len(events) < 3 {
		t.Fatalf("expected at least 3 audit events, got %d", len(events))
	}
}

func TestOptionsRoundTrip(t *testing.T) {
	db := setup(t)

	_, err := db.GetOption("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	err = db.SetOption("trigger_settings", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("SetOption failed: %v", err)
	}
	v, err := db.GetOption("trigger_settings")
	if err != nil {
		t.Fatalf("GetOption failed: %v", err)
	}
	if string(v) != `{"a":1}` {
		t.Fatalf("unexpected option value %q", v)
	}
}

func TestTemplatesAndApplications(t *testing.T) {
	db := setup(t)

	tplId, err := db.AddTemplate(Template{Name: "rejection", Subject: "Re: {{job_title}}", BodyText: "Sorry"})
	if err != nil {
		t.Fatalf("AddTemplate failed: %v", err)
	}
	tpl, err := db.GetTemplate(tplId)
	if err != nil {
		t.Fatalf("GetTemplate failed: %v", err)
	}
	if tpl.Name != "rejection" {
		t.Fatalf("unexpected template %+v", tpl)
	}

	err = db.AddApplication(Application{ID: 7, CandidateName: "Ada", CandidateEmail: "ada@example.com", JobTitle: "Engineer"})
	if err != nil {
		t.Fatalf("AddApplication failed: %v", err)
	}
	app, err := db.GetApplication(7)
	if err != nil {
		t.Fatalf("GetApplication failed: %v", err)
	}
	if app.CandidateEmail != "ada@example.com" {
		t.Fatalf("unexpected application %+v", app)
	}
}
