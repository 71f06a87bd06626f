// Package alerts records structured alerts for downstream notification
// channels.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/navid-fn/dexmatch/internal/broker"
	"github.com/navid-fn/dexmatch/internal/models"
	"github.com/sirupsen/logrus"
)

// Raiser is what components depend on to raise an alert.
type Raiser interface {
	Raise(ctx context.Context, alertType string, severity models.Severity, data map[string]any) error
}

// Store keeps recent alerts. *cache.Cache implements it.
type Store interface {
	PushAlert(ctx context.Context, payload []byte, persistent bool) error
}

// Publisher is satisfied by *broker.Publisher.
type Publisher interface {
	PublishJSON(ctx context.Context, exchange, routingKey, key string, v any) error
}

// Sink writes every alert to the store and the notifications exchange.
// Critical alerts are stored persistently.
type Sink struct {
	store     Store
	publisher Publisher
	logger    logrus.FieldLogger
	now       func() time.Time
}

func NewSink(store Store, publisher Publisher, logger logrus.FieldLogger) *Sink {
	return &Sink{store: store, publisher: publisher, logger: logger, now: time.Now}
}

func (s *Sink) Raise(ctx context.Context, alertType string, severity models.Severity, data map[string]any) error {
	alert := models.Alert{
		Type:      alertType,
		Severity:  severity,
		Data:      data,
		Timestamp: s.now().UTC(),
	}

	log := s.logger.WithFields(logrus.Fields{"alert": alertType, "severity": severity})
	switch severity {
	case models.SeverityCritical:
		log.WithFields(logrus.Fields(data)).Error("Critical alert raised")
	case models.SeverityWarning:
		log.WithFields(logrus.Fields(data)).Warn("Alert raised")
	default:
		log.Info("Alert raised")
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	var errs []error
	if s.store != nil {
		if err := s.store.PushAlert(ctx, payload, severity == models.SeverityCritical); err != nil {
			errs = append(errs, fmt.Errorf("store alert: %w", err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishJSON(ctx, broker.ExchangeNotifications, alertType, alertType, alert); err != nil {
			errs = append(errs, fmt.Errorf("publish alert: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warnf("Alert delivery incomplete: %v", err)
		return err
	}
	return nil
}

// Discard is a Raiser that only logs.
type Discard struct{ Logger logrus.FieldLogger }

func (d Discard) Raise(ctx context.Context, alertType string, severity models.Severity, data map[string]any) error {
	if d.Logger != nil {
		d.Logger.WithField("alert", alertType).Warnf("Alert (%s) dropped: %v", severity, data)
	}
	return nil
}
