package gateway

import (
	"context"
	"time"

	pkgLogger "github.com/fpt/clawlink/pkg/logger"
)

// Heartbeat runs periodic prompts through the agent session.
type Heartbeat struct {
	config HeartbeatConfig
	bus    *MessageBus
	logger *pkgLogger.Logger
}

// NewHeartbeat creates a heartbeat service.
func NewHeartbeat(cfg HeartbeatConfig, bus *MessageBus, logger *pkgLogger.Logger) *Heartbeat {
	return &Heartbeat{
		config: cfg,
		bus:    bus,
		logger: logger.WithComponent("heartbeat"),
	}
}

// Start runs the heartbeat ticker loop. Blocks until ctx is cancelled.
func (h *Heartbeat) Start(ctx context.Context) {
	if !h.config.Enabled || h.config.Prompt == "" {
		return
	}

	interval := h.effectiveInterval()
	h.logger.Info("Heartbeat started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.execute()
		}
	}
}

// effectiveInterval parses the configured interval. Anything malformed or
// under five minutes falls back to the 24h default; a tight heartbeat
// would keep the agent session permanently busy.
func (h *Heartbeat) effectiveInterval() time.Duration {
	d, err := time.ParseDuration(h.config.Interval)
	if err != nil || d < 5*time.Minute {
		return 24 * time.Hour
	}
	return d
}

func (h *Heartbeat) execute() {
	h.logger.Info("Executing heartbeat prompt")
	h.bus.Inbound <- InboundMessage{
		ChannelType: h.config.ChannelType,
		ChannelID:   h.config.ChannelID,
		PeerID:      "heartbeat",
		PeerName:    "Heartbeat",
		Text:        h.config.Prompt,
		Timestamp:   time.Now(),
	}
}
