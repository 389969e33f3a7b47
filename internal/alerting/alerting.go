package alerting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"broker-resilience/config"
	"broker-resilience/internal/events"
	"broker-resilience/internal/metrics"
)

// Severity orders alerts from informational to trading-halt
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// rank maps severities onto the escalation order. Unknown severities
// rank lowest so a misconfigured MinSeverity never drops alerts.
func rank(s Severity) int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	case SeverityEmergency:
		return 3
	default:
		return 0
	}
}

// Alert is one message headed for the configured sinks
type Alert struct {
	Severity  Severity               `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Service   string                 `json:"service,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Notifier interface for different alert sinks
type Notifier interface {
	Send(alert *Alert) error
	Name() string
	IsEnabled() bool
}

// Manager fans alerts out to every enabled notifier, filtering by
// minimum severity and suppressing repeats of the same alert.
type Manager struct {
	notifiers      []Notifier
	enabled        bool
	minSeverity    Severity
	repeatInterval time.Duration
	logger         zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time

	now func() time.Time
}

// NewManager creates an alert manager from configuration. Notifiers are
// attached separately with AddNotifier.
func NewManager(cfg config.AlertingConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers:      make([]Notifier, 0),
		enabled:        cfg.Enabled,
		minSeverity:    Severity(cfg.MinSeverity),
		repeatInterval: time.Duration(cfg.RepeatInterval) * time.Second,
		logger:         logger.With().Str("component", "AlertManager").Logger(),
		lastSent:       make(map[string]time.Time),
		now:            time.Now,
	}
}

// AddNotifier adds an alert sink
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers an alert to all enabled notifiers. A notifier failure
// is logged and does not stop delivery to the others; the last failure
// is returned.
func (m *Manager) Send(alert *Alert) error {
	if !m.enabled || alert == nil {
		return nil
	}
	if rank(alert.Severity) < rank(m.minSeverity) {
		return nil
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = m.now()
	}
	if m.suppressRepeat(alert) {
		m.logger.Debug().
			Str("title", alert.Title).
			Str("severity", string(alert.Severity)).
			Msg("Suppressed repeat alert")
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(alert); err != nil {
			m.logger.Error().Err(err).
				Str("notifier", n.Name()).
				Str("title", alert.Title).
				Msg("Alert delivery failed")
			lastErr = err
			continue
		}
		metrics.AlertsSent.WithLabelValues(string(alert.Severity), n.Name()).Inc()
	}
	return lastErr
}

// suppressRepeat reports whether the same alert went out within the
// repeat interval, and records this send otherwise.
func (m *Manager) suppressRepeat(alert *Alert) bool {
	if m.repeatInterval <= 0 {
		return false
	}

	key := fmt.Sprintf("%s|%s|%s", alert.Severity, alert.Service, alert.Title)

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.lastSent[key]; ok && m.now().Sub(last) < m.repeatInterval {
		return true
	}
	m.lastSent[key] = m.now()
	return false
}

// SendAlert builds and delivers an alert in one call
func (m *Manager) SendAlert(severity Severity, title, message, service string, context map[string]interface{}) error {
	return m.Send(&Alert{
		Severity: severity,
		Title:    title,
		Message:  message,
		Service:  service,
		Context:  context,
	})
}

// LogErrorWithContext records a failure with full structured context.
// Logging always happens; an alert goes out only for errors the caller
// escalates via SendAlert.
func (m *Manager) LogErrorWithContext(err error, operation, service string, context map[string]interface{}) {
	ev := m.logger.Error().
		Err(err).
		Str("operation", operation).
		Str("service", service)
	if len(context) > 0 {
		ev = ev.Fields(context)
	}
	ev.Msg("Operation failed")
}

// SubscribeToEvents raises alerts from the resilience event stream:
// breaker opens, degradation changes, failed consensus, and errors.
func (m *Manager) SubscribeToEvents(eb *events.EventBus) {
	eb.Subscribe(events.EventCircuitTransition, func(e events.Event) {
		to, _ := e.Data["to"].(string)
		breaker, _ := e.Data["breaker"].(string)
		switch to {
		case "open":
			m.SendAlert(SeverityCritical, "Circuit breaker opened",
				fmt.Sprintf("Breaker %s tripped open", breaker), breaker, e.Data)
		case "closed":
			m.SendAlert(SeverityInfo, "Circuit breaker recovered",
				fmt.Sprintf("Breaker %s closed", breaker), breaker, e.Data)
		}
	})

	eb.Subscribe(events.EventDegradationChange, func(e events.Event) {
		newLevel, _ := e.Data["new_level"].(string)
		oldLevel, _ := e.Data["old_level"].(string)
		severity := SeverityWarning
		switch newLevel {
		case "emergency":
			severity = SeverityEmergency
		case "read_only":
			severity = SeverityCritical
		case "none":
			severity = SeverityInfo
		}
		m.SendAlert(severity, "Degradation level changed",
			fmt.Sprintf("Degradation moved from %s to %s", oldLevel, newLevel), "", e.Data)
	})

	eb.Subscribe(events.EventDecisionReached, func(e events.Event) {
		if consensus, ok := e.Data["consensus"].(bool); ok && !consensus {
			breaker, _ := e.Data["breaker"].(string)
			m.SendAlert(SeverityWarning, "Cluster consensus not reached",
				fmt.Sprintf("Voting on breaker %s ended without a majority", breaker), breaker, e.Data)
		}
	})

	eb.Subscribe(events.EventError, func(e events.Event) {
		source, _ := e.Data["source"].(string)
		message, _ := e.Data["message"].(string)
		m.SendAlert(SeverityCritical, "Internal error", message, source, e.Data)
	})
}

// =============================================================================
// SLACK NOTIFIER
// =============================================================================

// SlackNotifier posts alerts to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	channel    string
	enabled    bool
	client     *http.Client
}

// NewSlackNotifier creates a Slack notifier
func NewSlackNotifier(cfg config.SlackConfig) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackNotifier) Name() string {
	return "slack"
}

func (s *SlackNotifier) IsEnabled() bool {
	return s.enabled
}

func (s *SlackNotifier) Send(alert *Alert) error {
	if !s.enabled {
		return nil
	}

	color := "good"
	switch alert.Severity {
	case SeverityWarning:
		color = "warning"
	case SeverityCritical:
		color = "danger"
	case SeverityEmergency:
		color = "#7a0000"
	}

	attachment := map[string]interface{}{
		"color": color,
		"title": alert.Title,
		"text":  alert.Message,
		"ts":    alert.Timestamp.Unix(),
	}
	if alert.Service != "" {
		attachment["fields"] = []map[string]interface{}{
			{"title": "Service", "value": alert.Service, "short": true},
			{"title": "Severity", "value": string(alert.Severity), "short": true},
		}
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{attachment},
	}
	if s.channel != "" {
		payload["channel"] = s.channel
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send slack alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// WEBHOOK NOTIFIER
// =============================================================================

// WebhookNotifier POSTs the raw alert JSON to a generic endpoint
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a generic webhook notifier
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Name() string {
	return "webhook"
}

func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

func (w *WebhookNotifier) Send(alert *Alert) error {
	if !w.enabled {
		return nil
	}

	jsonData, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send webhook alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier writes alerts to the structured log. Always enabled, so
// every alert leaves at least one trace even with no channel configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log notifier
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "Alert").Logger()}
}

func (l *LogNotifier) Name() string {
	return "log"
}

func (l *LogNotifier) IsEnabled() bool {
	return true
}

func (l *LogNotifier) Send(alert *Alert) error {
	var ev *zerolog.Event
	switch alert.Severity {
	case SeverityCritical, SeverityEmergency:
		ev = l.logger.Error()
	case SeverityWarning:
		ev = l.logger.Warn()
	default:
		ev = l.logger.Info()
	}

	ev = ev.
		Str("severity", string(alert.Severity)).
		Str("title", alert.Title)
	if alert.Service != "" {
		ev = ev.Str("service", alert.Service)
	}
	if len(alert.Context) > 0 {
		ev = ev.Fields(alert.Context)
	}
	ev.Msg(alert.Message)
	return nil
}
