package trigger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	courier "github.com/openhire/courier"
	"github.com/openhire/courier/internal/dao"
	"github.com/openhire/courier/internal/queue"
	"github.com/openhire/courier/internal/render"
	"github.com/openhire/courier/tools"
)

type fakeScheduler struct {
	mu    sync.Mutex
	async []string
	at    map[string]time.Time
}

func newFakeScheduler() *fakeScheduler { return &fakeScheduler{at: map[string]time.Time{}} }

func (f *fakeScheduler) RunAsync(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.async = append(f.async, id)
}
func (f *fakeScheduler) RunAt(id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.at[id] = at
}
func (f *fakeScheduler) CancelAllFor(string) {}
func (f *fakeScheduler) IsAvailable() bool   { return true }

// countingDirectory wraps the dao so tests can assert the engine never
// touched the store for gated statuses.
type countingDirectory struct {
	dao.DAO
	lookups int
}

func (c *countingDirectory) GetApplication(id int64) (*dao.Application, error) {
	c.lookups++
	return c.DAO.GetApplication(id)
}

func setup(t *testing.T) (*Engine, *countingDirectory, dao.DAO, *fakeScheduler) {
	t.Helper()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "trigger_test.sqlite"))
	require.NoError(t, err)

	require.NoError(t, db.AddApplication(dao.Application{
		ID:             1,
		CandidateName:  "Ada Lovelace",
		CandidateEmail: "ada@example.com",
		JobTitle:       "Engineer",
		Company:        "Acme",
	}))

	sched := newFakeScheduler()
	lc := tools.LoggerCloner(logrus.New())
	q := queue.New(lc, db, sched, 50)
	dir := &countingDirectory{DAO: db}

	engine, err := NewEngine(lc, db, dir, q, render.New(db),
		courier.AddressOf("no-reply@example.com"))
	require.NoError(t, err)
	return engine, dir, db, sched
}

func addTemplate(t *testing.T, db dao.DAO) int64 {
	t.Helper()
	id, err := db.AddTemplate(dao.Template{
		Name:     "status-update",
		Subject:  "Update on {{job_title}}",
		BodyText: "Hi {{candidate_name}}, your application is now {{status}}.",
	})
	require.NoError(t, err)
	return id
}

func TestDefaultSettingsCoverAutomatableStatuses(t *testing.T) {
	s := DefaultSettings()

	expected := Settings{
		courier.StatusRejected:  {},
		courier.StatusInterview: {},
		courier.StatusOffer:     {},
		courier.StatusHired:     {},
	}
	if diff := deep.Equal(s, expected); diff != nil {
		t.Fatal(diff)
	}
}

func TestSanitizeDropsUnknownStatusesAndCoerces(t *testing.T) {
	s := Sanitize(map[string]map[string]interface{}{
		"rejected":  {"enabled": "1", "template_id": float64(2), "delay": float64(-15)},
		"offer":     {"enabled": true, "template_id": "7", "delay": "30"},
		"interview": {"enabled": false, "template_id": float64(-3)},
		"new":       {"enabled": true, "template_id": float64(1)}, // not automatable
		"bogus":     {"enabled": true},
	})

	assert.Equal(t, Action{Enabled: true, TemplateID: 2, DelayMinutes: 15}, s[courier.StatusRejected])
	assert.Equal(t, Action{Enabled: true, TemplateID: 7, DelayMinutes: 30}, s[courier.StatusOffer])
	assert.Equal(t, Action{Enabled: false, TemplateID: 0, DelayMinutes: 0}, s[courier.StatusInterview])
	assert.NotContains(t, s, courier.StatusNew)
	assert.NotContains(t, s, courier.ApplicationStatus("bogus"))
}

func TestSaveSettingsPersistsAcrossEngines(t *testing.T) {
	engine, _, db, _ := setup(t)

	_, err := engine.SaveSettings(map[string]map[string]interface{}{
		"hired": {"enabled": true, "template_id": float64(4), "delay": float64(5)},
	})
	require.NoError(t, err)

	lc := tools.LoggerCloner(logrus.New())
	reloaded, err := NewEngine(lc, db, db, nil, nil, courier.AddressOf("no-reply@example.com"))
	require.NoError(t, err)

	assert.Equal(t, Action{Enabled: true, TemplateID: 4, DelayMinutes: 5}, reloaded.Settings()[courier.StatusHired])
}

func TestStatusChangeGatedWithoutStoreAccess(t *testing.T) {
	engine, dir, db, sched := setup(t)
	ctx := context.Background()

	// unconfigured status
	engine.HandleStatusChange(ctx, 1, courier.StatusNew, courier.StatusScreening)
	// disabled status
	engine.HandleStatusChange(ctx, 1, courier.StatusNew, courier.StatusRejected)

	// enabled but template id 0
	_, err := engine.SaveSettings(map[string]map[string]interface{}{
		"offer": {"enabled": true, "template_id": float64(0)},
	})
	require.NoError(t, err)
	engine.HandleStatusChange(ctx, 1, courier.StatusNew, courier.StatusOffer)

	assert.Equal(t, 0, dir.lookups, "gated transitions must not touch the store")
	assert.Empty(t, sched.async)

	stats, err := db.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, dao.QueueStats{}, stats)
}

func TestStatusChangeEnqueuesImmediateNotification(t *testing.T) {
	engine, _, db, sched := setup(t)
	tplId := addTemplate(t, db)

	_, err := engine.SaveSettings(map[string]map[string]interface{}{
		"rejected": {"enabled": true, "template_id": float64(tplId), "delay": float64(0)},
	})
	require.NoError(t, err)

	engine.HandleStatusChange(context.Background(), 1, courier.StatusNew, courier.StatusRejected)

	require.Len(t, sched.async, 1)
	entry, err := db.GetEntry(sched.async[0])
	require.NoError(t, err)

	assert.Equal(t, dao.StatusPending, entry.Status)
	assert.Nil(t, entry.ScheduledAt, "delay 0 must enqueue for immediate delivery")
	assert.Equal(t, "ada@example.com", entry.Recipient)
	assert.Equal(t, "Update on Engineer", entry.Subject)
	assert.Equal(t, "Hi Ada Lovelace, your application is now rejected.", entry.BodyText)
	assert.Equal(t, int64(1), entry.ApplicationID)
	assert.Equal(t, tplId, entry.TemplateID)
}

func TestStatusChangeSchedulesDelayedNotification(t *testing.T) {
	engine, _, db, sched := setup(t)
	tplId := addTemplate(t, db)

	_, err := engine.SaveSettings(map[string]map[string]interface{}{
		"interview": {"enabled": true, "template_id": float64(tplId), "delay": float64(30)},
	})
	require.NoError(t, err)

	before := time.Now()
	engine.HandleStatusChange(context.Background(), 1, courier.StatusScreening, courier.StatusInterview)

	require.Len(t, sched.at, 1)
	for id, at := range sched.at {
		entry, err := db.GetEntry(id)
		require.NoError(t, err)
		require.NotNil(t, entry.ScheduledAt)
		assert.WithinDuration(t, before.Add(30*time.Minute), at, 5*time.Second)
	}
	assert.Empty(t, sched.async)
}

func TestStatusChangeSwallowsRenderErrors(t *testing.T) {
	engine, _, db, sched := setup(t)

	// template 99 does not exist
	_, err := engine.SaveSettings(map[string]map[string]interface{}{
		"hired": {"enabled": true, "template_id": float64(99)},
	})
	require.NoError(t, err)

	engine.HandleStatusChange(context.Background(), 1, courier.StatusOffer, courier.StatusHired)

	assert.Empty(t, sched.async)
	stats, err := db.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}

func TestStatusChangeSwallowsUnknownApplication(t *testing.T) {
	engine, _, db, sched := setup(t)
	tplId := addTemplate(t, db)

	_, err := engine.SaveSettings(map[string]map[string]interface{}{
		"rejected": {"enabled": true, "template_id": float64(tplId)},
	})
	require.NoError(t, err)

	engine.HandleStatusChange(context.Background(), 404, courier.StatusNew, courier.StatusRejected)
	assert.Empty(t, sched.async)
}
