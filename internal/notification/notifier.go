// Package notification delivers operator alerts (log, Telegram, webhook)
// for discrepancies, failed plans and positions needing attention.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"exitengine/internal/audit"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Symbol  string     `json:"symbol,omitempty"`
	Kind    audit.Kind `json:"kind,omitempty"`
	EventID string     `json:"event_id,omitempty"`
	At      time.Time  `json:"at"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the logger.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	fields := []zap.Field{zap.String("level", string(alert.Level)), zap.String("symbol", alert.Symbol), zap.String("message", alert.Message)}
	if alert.Level == AlertCritical {
		n.log.Error(alert.Title, fields...)
	} else {
		n.log.Warn(alert.Title, fields...)
	}
	return nil
}

// Multi sends each alert to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AuditSink forwards alerting audit events to a Notifier.
type AuditSink struct {
	N Notifier
}

// Record implements audit.Sink.
func (s AuditSink) Record(ctx context.Context, e audit.Event) error {
	if !e.Kind.Alerting() {
		return nil
	}
	return s.N.Send(ctx, AlertFromEvent(e))
}

// AlertFromEvent builds the operator alert for an audit event.
func AlertFromEvent(e audit.Event) Alert {
	level := AlertWarning
	switch e.Kind {
	case audit.KindFailed, audit.KindDiscrepancy, audit.KindManualReview:
		level = AlertCritical
	}
	return Alert{
		Level:   level,
		Title:   fmt.Sprintf("%s %s", e.Symbol, e.Kind),
		Message: fmt.Sprintf("%s (v%d, net %d)", e.Message, e.Version, e.NetQuantity),
		Symbol:  e.Symbol,
		Kind:    e.Kind,
		EventID: e.ID,
		At:      e.At,
	}
}
