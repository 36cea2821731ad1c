package services

import (
	"context"
	"errors"

	"telesignal/internal/core/domain"
	"telesignal/internal/core/ports"
	"telesignal/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// BroadcastService fans a message out to every registered connection except
// its origin. A delivery failure only affects the failing connection: it is
// unregistered and closed, and the loop carries on with the rest.
type BroadcastService struct {
	registry ports.ConnectionRegistry
	relay    ports.MessageRelay
	metrics  ports.SignalingMetrics
	logger   *zap.SugaredLogger
}

var _ ports.Broadcaster = (*BroadcastService)(nil)

func NewBroadcastService(registry ports.ConnectionRegistry, logger *zap.SugaredLogger) *BroadcastService {
	return &BroadcastService{
		registry: registry,
		logger:   logger,
	}
}

// SetRelay enables cross-instance fan-out. Must be called before serving.
func (b *BroadcastService) SetRelay(relay ports.MessageRelay) {
	b.relay = relay
}

// SetMetrics must be called before serving.
func (b *BroadcastService) SetMetrics(metrics ports.SignalingMetrics) {
	b.metrics = metrics
}

func (b *BroadcastService) Broadcast(ctx context.Context, message []byte, origin domain.ConnectionID) ports.DeliveryReport {
	ctx, span := tracing.TraceBroadcast(ctx, origin.String(), len(message))
	defer span.End()

	report := b.fanOut(message, origin)

	if b.relay != nil {
		if err := b.relay.PublishSignal(ctx, message, origin); err != nil {
			b.logger.Warnw("failed to relay message to other instances",
				"origin", origin,
				"error", err,
			)
			tracing.RecordError(ctx, err)
		}
	}

	span.SetAttributes(
		attribute.Int("broadcast.delivered", report.Delivered),
		attribute.Int("broadcast.failed", report.Failed),
	)
	return report
}

// DeliverRemote hands a message received from another instance to every local
// connection. It is never relayed again.
func (b *BroadcastService) DeliverRemote(ctx context.Context, message []byte) ports.DeliveryReport {
	return b.fanOut(message, "")
}

func (b *BroadcastService) fanOut(message []byte, origin domain.ConnectionID) ports.DeliveryReport {
	var report ports.DeliveryReport

	for _, peer := range b.registry.Snapshot() {
		if peer.ID() == origin {
			continue
		}

		if err := peer.Send(message); err != nil {
			report.Failed++
			b.evict(peer, err)
			continue
		}
		report.Delivered++
	}

	if b.metrics != nil {
		b.metrics.RecordDelivery(report)
	}
	return report
}

func (b *BroadcastService) evict(peer ports.Peer, cause error) {
	if !b.registry.Remove(peer.ID()) {
		// Already gone, its endpoint is tearing down on its own.
		return
	}

	reason := "write_error"
	switch {
	case errors.Is(cause, domain.ErrSendQueueFull):
		reason = "queue_full"
	case errors.Is(cause, domain.ErrConnectionClosed):
		reason = "closed"
	}

	b.logger.Infow("evicting peer after failed delivery",
		"peer_id", peer.ID(),
		"reason", reason,
		"error", cause,
	)

	if b.metrics != nil {
		b.metrics.RecordEviction(reason)
	}

	if err := peer.Close(); err != nil {
		b.logger.Debugw("error closing evicted peer", "peer_id", peer.ID(), "error", err)
	}
}
