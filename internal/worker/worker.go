// Package worker bridges delegations to external role workers over NATS
// request-reply.
//
// Each role listens on its own subject, {subject_prefix}.{role}. The
// backend publishes a JSON work order there and waits for a single JSON
// reply within the delegation deadline. Worker processes are external to
// conductd: anything that subscribes to a role subject and answers the
// wire contract below can serve that role.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/logging"
	"github.com/fyrsmithlabs/conductd/internal/role"
	"github.com/fyrsmithlabs/conductd/internal/router"
)

// Request is the JSON work order published to a role subject.
type Request struct {
	Role        string `json:"role"`
	Description string `json:"description"`
	Payload     string `json:"payload"`
}

// Response is the JSON reply a worker returns. A non-empty Error marks
// the attempt failed; Permanent additionally suppresses retries for
// failures that retrying cannot fix.
type Response struct {
	Output    string `json:"output"`
	Tokens    int    `json:"tokens"`
	Error     string `json:"error,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
}

// NATSBackend delegates work over NATS request-reply. It satisfies
// role.Backend.
type NATSBackend struct {
	nc     *nats.Conn
	prefix string
	log    *logging.Logger
}

// NewNATSBackend connects to NATS and returns a backend publishing
// work orders to subjects under cfg.SubjectPrefix.
func NewNATSBackend(cfg config.WorkersConfig, log *logging.Logger) (*NATSBackend, error) {
	if log == nil {
		log = logging.NewNop()
	}
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Timeout(cfg.ConnectTimeout.Duration()),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}

	log = log.Named("worker")
	log.Info(context.Background(), "worker transport connected",
		zap.String("url", cfg.NATSURL),
		zap.String("subject_prefix", cfg.SubjectPrefix),
	)
	return &NATSBackend{nc: nc, prefix: cfg.SubjectPrefix, log: log}, nil
}

// Subject returns the request subject for a role.
func (b *NATSBackend) Subject(r role.Role) string {
	return b.prefix + "." + string(r)
}

// Execute publishes the work order and waits for the worker's reply. The
// context carries the per-attempt deadline set by the router. A role
// subject with no subscribed worker fails permanently: retrying cannot
// conjure a worker inside the attempt window.
func (b *NATSBackend) Execute(ctx context.Context, r role.Role, description, payload string) (string, int, error) {
	data, err := json.Marshal(Request{Role: string(r), Description: description, Payload: payload})
	if err != nil {
		return "", 0, fmt.Errorf("encoding work order: %w", err)
	}

	subject := b.Subject(r)
	msg, err := b.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return "", 0, fmt.Errorf("%w: no worker subscribed to %s", router.ErrPermanent, subject)
		}
		return "", 0, fmt.Errorf("requesting %s: %w", subject, err)
	}

	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return "", 0, fmt.Errorf("decoding reply from %s: %w", subject, err)
	}
	if resp.Error != "" {
		if resp.Permanent {
			return "", 0, fmt.Errorf("%w: %s", router.ErrPermanent, resp.Error)
		}
		return "", 0, errors.New(resp.Error)
	}
	return resp.Output, resp.Tokens, nil
}

// Close closes the NATS connection.
func (b *NATSBackend) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}
