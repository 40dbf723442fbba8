package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	sent []Alert
	err  error
}

func (r *recordingAlerter) Send(_ context.Context, alert Alert) error {
	r.sent = append(r.sent, alert)
	return r.err
}

func TestManagerFansOut(t *testing.T) {
	a := &recordingAlerter{}
	b := &recordingAlerter{}
	m := NewManager(a, b)

	err := m.Critical(context.Background(), "Kill-switch", "daily loss limit hit", map[string]any{"loss": 512.0})
	require.NoError(t, err)

	require.Len(t, a.sent, 1)
	require.Len(t, b.sent, 1)
	assert.Equal(t, SeverityCritical, a.sent[0].Severity)
	assert.False(t, a.sent[0].Timestamp.IsZero(), "timestamp is stamped on send")
}

func TestManagerFailingChannelDoesNotBlockOthers(t *testing.T) {
	bad := &recordingAlerter{err: errors.New("network down")}
	good := &recordingAlerter{}
	m := NewManager(bad, good)

	err := m.Warning(context.Background(), "Drift", "equity drift above threshold", nil)
	assert.Error(t, err)
	assert.Len(t, good.sent, 1, "healthy channel still delivered")
}

func TestFormatAlert(t *testing.T) {
	msg := formatAlert(Alert{
		Title:     "Breaker tripped",
		Message:   "entries paused",
		Severity:  SeverityWarning,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Fields:    map[string]any{"symbol": "BTCUSDT"},
	})
	assert.Contains(t, msg, "*Breaker tripped*")
	assert.Contains(t, msg, "entries paused")
	assert.Contains(t, msg, "`BTCUSDT`")
	assert.Contains(t, msg, "2025-06-01 12:00:00")
}

func TestLogAlerterNeverFails(t *testing.T) {
	l := NewLogAlerter()
	err := l.Send(context.Background(), Alert{
		Title: "Info", Message: "cycle complete", Severity: SeverityInfo,
		Fields: map[string]any{"cycle": 42},
	})
	assert.NoError(t, err)
}
