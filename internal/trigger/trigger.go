// Package trigger maps application status changes to delivery requests,
// according to operator-configured per-status actions.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	courier "github.com/openhire/courier"
	"github.com/openhire/courier/internal/dao"
	"github.com/openhire/courier/internal/metrics"
	"github.com/openhire/courier/internal/queue"
	"github.com/openhire/courier/internal/render"
	"github.com/openhire/courier/tools"
	"github.com/sirupsen/logrus"
)

// automatable is the fixed set of statuses that may produce an automatic
// email. Intake and candidate-initiated statuses are deliberately excluded.
var automatable = []courier.ApplicationStatus{
	courier.StatusRejected,
	courier.StatusInterview,
	courier.StatusOffer,
	courier.StatusHired,
}

// Action is the configured reaction to an application entering a status.
// TemplateID 0 means no template configured, which disables the action.
type Action struct {
	Enabled      bool  `json:"enabled"`
	TemplateID   int64 `json:"template_id"`
	DelayMinutes int   `json:"delay"`
}

type Settings map[courier.ApplicationStatus]Action

func DefaultSettings() Settings {
	s := Settings{}
	for _, status := range automatable {
		s[status] = Action{}
	}
	return s
}

// Sanitize turns arbitrary input into typed settings. Unknown status keys are
// dropped, enabled is coerced to bool, template id to a non-negative integer
// and delay to the absolute value of the input.
func Sanitize(raw map[string]map[string]interface{}) Settings {
	s := DefaultSettings()
	for key, fields := range raw {
		status := courier.ApplicationStatus(strings.ToLower(strings.TrimSpace(key)))
		if _, known := s[status]; !known {
			continue
		}
		action := Action{
			Enabled:      coerceBool(fields["enabled"]),
			TemplateID:   coerceInt(fields["template_id"]),
			DelayMinutes: int(coerceInt(fields["delay"])),
		}
		if action.TemplateID < 0 {
			action.TemplateID = 0
		}
		if action.DelayMinutes < 0 {
			action.DelayMinutes = -action.DelayMinutes
		}
		s[status] = action
	}
	return s
}

func coerceBool(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "1" || strings.EqualFold(b, "true") || strings.EqualFold(b, "yes")
	case float64:
		return b != 0
	case int:
		return b != 0
	}
	return false
}

func coerceInt(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0
		}
		return i
	}
	return 0
}

// ApplicationDirectory provides the candidate data a notification is
// addressed and rendered with. Satisfied by dao.DAO.
type ApplicationDirectory interface {
	GetApplication(id int64) (*dao.Application, error)
}

// SettingsStore persists the sanitized settings as a single option record.
// Satisfied by dao.DAO.
type SettingsStore interface {
	GetOption(key string) ([]byte, error)
	SetOption(key string, value []byte) error
}

const settingsOption = "trigger_settings"

type Engine struct {
	mu       sync.RWMutex
	settings Settings

	store    SettingsStore
	apps     ApplicationDirectory
	queue    *queue.Queue
	renderer *render.Renderer

	from courier.Address
	log  *logrus.Logger
}

// NewEngine loads persisted settings, falling back to defaults when none have
// been saved yet.
func NewEngine(lc *tools.Logger, store SettingsStore, apps ApplicationDirectory, q *queue.Queue, r *render.Renderer, from courier.Address) (*Engine, error) {
	e := &Engine{
		store:    store,
		apps:     apps,
		queue:    q,
		renderer: r,
		from:     from,
		log:      lc.New("trigger"),
	}

	raw, err := store.GetOption(settingsOption)
	if errors.Is(err, dao.ErrNotFound) {
		e.settings = DefaultSettings()
		return e, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not load trigger settings, %w", err)
	}

	var settings Settings
	err = json.Unmarshal(raw, &settings)
	if err != nil {
		return nil, fmt.Errorf("could not decode trigger settings, %w", err)
	}
	// merge onto defaults so new automatable statuses get an entry
	merged := DefaultSettings()
	for status, action := range settings {
		if _, known := merged[status]; known {
			merged[status] = action
		}
	}
	e.settings = merged
	return e, nil
}

// Settings returns a copy of the current settings.
func (e *Engine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := Settings{}
	for status, action := range e.settings {
		out[status] = action
	}
	return out
}

// SaveSettings sanitizes, persists and swaps in the given raw settings.
func (e *Engine) SaveSettings(raw map[string]map[string]interface{}) (Settings, error) {
	settings := Sanitize(raw)

	b, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("could not encode trigger settings, %w", err)
	}
	err = e.store.SetOption(settingsOption, b)
	if err != nil {
		return nil, fmt.Errorf("could not persist trigger settings, %w", err)
	}

	e.mu.Lock()
	e.settings = settings
	e.mu.Unlock()

	e.log.Infof("trigger settings updated")
	return settings, nil
}

// HandleStatusChange translates one committed status transition into zero or
// one delivery request. It never fails, a misconfigured trigger or template
// must not block the status change that fired it, such errors are logged and
// swallowed. Unconfigured or disabled statuses return without touching the
// store at all.
func (e *Engine) HandleStatusChange(ctx context.Context, applicationID int64, oldStatus, newStatus courier.ApplicationStatus) {
	e.mu.RLock()
	action, known := e.settings[newStatus]
	e.mu.RUnlock()

	if !known || !action.Enabled || action.TemplateID == 0 {
		return
	}

	l := e.log.WithField("application_id", applicationID).
		WithField("transition", fmt.Sprintf("%s -> %s", oldStatus, newStatus))

	app, err := e.apps.GetApplication(applicationID)
	if err != nil {
		l.WithError(err).Error("status-change; could not load application")
		return
	}

	rendered, err := e.renderer.Render(action.TemplateID, map[string]interface{}{
		"candidate_name":  app.CandidateName,
		"candidate_email": app.CandidateEmail,
		"job_title":       app.JobTitle,
		"company":         app.Company,
		"status":          string(newStatus),
	})
	if err != nil {
		l.WithError(err).Error("status-change; could not render template")
		return
	}

	payload := queue.Payload{
		Email: courier.Email{
			From:    e.from,
			To:      courier.Address{Name: app.CandidateName, Email: app.CandidateEmail},
			Subject: rendered.Subject,
			HTML:    rendered.HTML,
			Text:    rendered.Text,
		},
		ApplicationID: applicationID,
		TemplateID:    action.TemplateID,
	}

	var id string
	if action.DelayMinutes > 0 {
		id, err = e.queue.Schedule(payload, time.Now().Add(time.Duration(action.DelayMinutes)*time.Minute))
	} else {
		id, err = e.queue.Enqueue(payload)
	}
	if err != nil {
		l.WithError(err).Error("status-change; could not enqueue notification")
		return
	}

	metrics.TriggersFired.Inc()
	l.WithField("id", id).Infof("status-change; notification enqueued, delay %dm", action.DelayMinutes)
}
