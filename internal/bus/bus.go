// Package bus provides the EventBus implementations: Go channels for the
// Community tier and NATS for the Pro tier.
package bus

import (
	"fmt"

	"github.com/opensource-finance/linklock/internal/domain"
)

// SubjectPrefix namespaces every topic on the wire.
const SubjectPrefix = "linklock."

// New creates an event bus based on configuration.
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

// Subject returns the wire subject for topic.
func Subject(topic string) string {
	return SubjectPrefix + topic
}
