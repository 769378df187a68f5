// Package bus provides the event bus implementations: Go channels inside
// one process, NATS across processes.
package bus

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/logging"
)

// New creates an event bus from configuration.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

const metaRequestID = "request_id"

// stamp copies request-scoped values from ctx into message metadata.
func stamp(ctx context.Context, msg *domain.Message) {
	if id := logging.RequestID(ctx); id != "" {
		msg.Metadata[metaRequestID] = id
	}
}

// restore is the receiving side of stamp.
func restore(ctx context.Context, msg *domain.Message) context.Context {
	if id := msg.Metadata[metaRequestID]; id != "" {
		return logging.WithRequestID(ctx, id)
	}
	return ctx
}
