package events

import (
	"fmt"
	"strings"

	"github.com/lemongate/lemongate/internal/common/config"
	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/events/bus"
)

// Provide picks the event bus implementation from configuration: a
// NATS URL selects the broker-backed bus, otherwise the gateway runs
// on the in-process one. The returned cleanup tears the bus down.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if url := strings.TrimSpace(cfg.NATS.URL); url != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("event bus: %w", err)
		}
		return natsBus, func() error {
			natsBus.Close()
			return nil
		}, nil
	}

	memBus := bus.NewMemoryBus(log)
	return memBus, func() error {
		memBus.Close()
		return nil
	}, nil
}
