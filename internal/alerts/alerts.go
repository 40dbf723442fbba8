package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/config"
)

// Severity levels for alerts.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one operator notification.
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Fields    map[string]any
}

// Alerter delivers alerts over one channel.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans an alert out to every configured channel. Delivery is
// best effort: a failing channel never blocks the trading loops.
type Manager struct {
	alerters []Alerter
	logger   zerolog.Logger
}

// NewManager creates an alert manager over the given channels.
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
		logger:   config.NewLogger("alerts"),
	}
}

// Send delivers the alert to all channels, returning the last error.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			m.logger.Error().Err(err).Str("title", alert.Title).Msg("Failed to send alert")
			lastErr = err
		}
	}
	return lastErr
}

// Critical sends a CRITICAL alert.
func (m *Manager) Critical(ctx context.Context, title, message string, fields map[string]any) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityCritical, Fields: fields})
}

// Warning sends a WARNING alert.
func (m *Manager) Warning(ctx context.Context, title, message string, fields map[string]any) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityWarning, Fields: fields})
}

// Info sends an INFO alert.
func (m *Manager) Info(ctx context.Context, title, message string, fields map[string]any) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityInfo, Fields: fields})
}

// LogAlerter writes alerts into the structured log, so every alert is
// visible even when no external channel is configured.
type LogAlerter struct {
	logger zerolog.Logger
}

// NewLogAlerter creates a log-backed alerter.
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{logger: config.NewLogger("alerts")}
}

// Send logs the alert at a level matching its severity.
func (l *LogAlerter) Send(_ context.Context, alert Alert) error {
	event := l.logger.Info()
	switch alert.Severity {
	case SeverityCritical:
		event = l.logger.Error()
	case SeverityWarning:
		event = l.logger.Warn()
	}
	for key, value := range alert.Fields {
		event = event.Interface(key, value)
	}
	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Msg(alert.Message)
	return nil
}
