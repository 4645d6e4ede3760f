package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/logging"
)

// NATSEmitter publishes events to NATS subjects:
//
//	{subject_root}.{workflow_id}.{event_type}
//
// Example: conductd.workflow.wf_9f2c.delegation
type NATSEmitter struct {
	nc          *nats.Conn
	subjectRoot string
	logger      *logging.Logger
}

// NewNATSEmitter connects to NATS and returns an emitter.
func NewNATSEmitter(cfg config.EventsConfig, logger *logging.Logger) (*NATSEmitter, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Timeout(cfg.ConnectTimeout.Duration()),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}

	return &NATSEmitter{
		nc:          nc,
		subjectRoot: cfg.SubjectRoot,
		logger:      logger.Named("events"),
	}, nil
}

// Emit publishes the event. Publish failures are logged and dropped; the
// engine never blocks on the sink.
func (e *NATSEmitter) Emit(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		e.logger.Warn(ctx, "failed to marshal event",
			zap.String("event_type", event.Type),
			zap.Error(err))
		return
	}

	subject := fmt.Sprintf("%s.%s.%s",
		e.subjectRoot, subjectToken(event.WorkflowID), subjectToken(event.Type))

	if err := e.nc.Publish(subject, data); err != nil {
		e.logger.Warn(ctx, "failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Close drains and closes the NATS connection.
func (e *NATSEmitter) Close() error {
	if e.nc == nil {
		return nil
	}
	e.nc.Close()
	return nil
}

// subjectToken makes a string safe for use as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// NewEmitter constructs the emitter selected by config.
func NewEmitter(cfg config.EventsConfig, logger *logging.Logger) (Emitter, error) {
	switch cfg.Sink {
	case "nats":
		return NewNATSEmitter(cfg, logger)
	case "log":
		return NewLogEmitter(logger), nil
	case "none":
		return NopEmitter{}, nil
	default:
		return nil, fmt.Errorf("unknown events sink: %q", cfg.Sink)
	}
}
