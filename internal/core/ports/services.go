package ports

import (
	"context"
	"time"

	"telesignal/internal/core/domain"
)

// DeliveryReport summarises one fan-out.
type DeliveryReport struct {
	Delivered int
	Failed    int
}

type Broadcaster interface {
	Broadcast(ctx context.Context, message []byte, origin domain.ConnectionID) DeliveryReport
	DeliverRemote(ctx context.Context, message []byte) DeliveryReport
}

type CredentialProvider interface {
	GetCredentials(ctx context.Context, env domain.Environment) *domain.ICEServerSet
}

// ICEServerSource fetches relay descriptors from the upstream credential service.
type ICEServerSource interface {
	FetchICEServers(ctx context.Context) ([]domain.ICEServer, error)
}

// MessageRelay forwards locally originated broadcasts to other instances.
type MessageRelay interface {
	PublishSignal(ctx context.Context, message []byte, origin domain.ConnectionID) error
}

type SignalingMetrics interface {
	RecordConnectionOpened()
	RecordConnectionClosed(duration time.Duration)
	RecordMessageReceived(size int)
	RecordMessageDropped(reason string)
	RecordDelivery(report DeliveryReport)
	RecordEviction(reason string)
	RecordCredentialRequest(source domain.CredentialSource, duration time.Duration)
}
