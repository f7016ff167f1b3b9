package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/logger"
)

// StatusPublisher tells the originating module that an instance reached its
// final outcome by publishing on <prefix>.<module>.finalized.
type StatusPublisher struct {
	pub    Publisher
	prefix string
	log    *logger.Logger
}

// NewStatusPublisher creates a publisher. A nil pub disables publishing.
func NewStatusPublisher(pub Publisher, prefix string, log *logger.Logger) *StatusPublisher {
	return &StatusPublisher{pub: pub, prefix: prefix, log: log}
}

func (p *StatusPublisher) OnInstanceFinalized(ctx context.Context, f domain.Finalization) error {
	if p.pub == nil {
		return nil
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal finalization: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.finalized", p.prefix, f.RequestRef.Module)
	if err := p.pub.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Info().
		Str("subject", subject).
		Str("instance_id", f.InstanceID).
		Str("request_ref", f.RequestRef.String()).
		Str("outcome", string(f.Outcome)).
		Msg("Status callback published")
	return nil
}
