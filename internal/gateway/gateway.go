package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	pkgLogger "github.com/fpt/clawlink/pkg/logger"
	"github.com/fpt/clawlink/pkg/relay"
)

// Gateway is the main orchestrator for clawlink. It bridges channel
// adapters to one encrypted agent session: inbound chat messages are
// queued as requests, the relay correlation engine assembles the agent's
// answer, and delivery routes it back to the originating channel.
type Gateway struct {
	config     *GatewayConfig
	bus        *MessageBus
	queue      *RequestQueue
	correlator *relay.Correlator
	responder  *relay.Responder
	channel    *relay.WebSocketChannel
	transcript *TranscriptWriter
	heartbeat  *Heartbeat
	adapters   map[string]Adapter
	logger     *pkgLogger.Logger
}

// NewGateway wires a gateway against the configured relay session.
func NewGateway(cfg *GatewayConfig, logger *pkgLogger.Logger) (*Gateway, error) {
	enc, err := relay.SessionEncryptionFromBase64(cfg.Relay.Secret)
	if err != nil {
		return nil, fmt.Errorf("invalid relay secret: %w", err)
	}
	keyring := relay.NewKeyring()
	keyring.Add(cfg.Relay.SessionID, enc)

	bus := NewMessageBus(64)
	queue := NewRequestQueue(logger)
	transcript := NewTranscriptWriter(cfg.Transcript)

	if err := transcript.EnsureDirectories(); err != nil {
		logger.Warn("Failed to create transcript directory", "error", err)
	}

	gw := &Gateway{
		config:     cfg,
		bus:        bus,
		queue:      queue,
		transcript: transcript,
		adapters:   make(map[string]Adapter),
		logger:     logger.WithComponent("gateway"),
	}

	gw.channel = relay.NewWebSocketChannel(relay.ChannelConfig{URL: cfg.Relay.URL},
		func(frame relay.Frame) { gw.correlator.HandleFrame(frame) }, logger)

	gw.correlator, err = relay.NewCorrelator(relay.CorrelatorConfig{
		SessionID:      cfg.Relay.SessionID,
		DefaultTimeout: cfg.Relay.RequestTimeoutDuration(),
		SentFrom:       cfg.Relay.SentFrom,
	}, keyring, gw.channel, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create correlator: %w", err)
	}

	gw.responder = relay.NewResponder(queue, gw.correlator, &busDeliverer{bus: bus}, relay.ResponderConfig{
		Debounce:       cfg.Relay.DebounceDuration(),
		PermissionMode: cfg.Relay.PermissionMode,
		OnPartial: func(chunk string, buffered int) {
			gw.refreshTyping(context.Background())
		},
	}, logger)

	// Mirror all session traffic (external included) into the transcript
	// and feed agent chunks to the responder.
	gw.correlator.Events().OnSyncMessage(func(m relay.SyncMessage) {
		if err := gw.transcript.Append(m); err != nil {
			gw.logger.Debug("Transcript append failed", "error", err)
		}
		gw.responder.HandleSyncMessage(m)
	})
	gw.correlator.Events().OnEventStatus(func(ev relay.EventStatus) {
		gw.responder.HandleEventStatus(ev)
		switch ev.EventType {
		case relay.EventSwitch:
			gw.logger.Info("Session switched mode", "mode", ev.Event.Mode)
		case relay.EventLimitReached:
			gw.logger.Warn("Session usage limit reached", "endsAt", ev.Event.EndsAt)
		}
	})

	queue.SetFailureCallback(func(req *relay.QueuedRequest, reason error) {
		route, ok := req.Context.(RouteContext)
		if !ok {
			return
		}
		bus.Outbound <- OutboundMessage{
			ChannelType: route.ChannelType,
			ChannelID:   route.ChannelID,
			ReplyToID:   route.ReplyToID,
			Text:        fmt.Sprintf("Sorry, I couldn't complete that request: %v", reason),
		}
	})

	// Initialize Discord adapter if configured
	if cfg.Discord.Token != "" {
		discord, err := NewDiscordAdapter(bus, cfg.Discord, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create discord adapter: %w", err)
		}
		gw.adapters["discord"] = discord
	}

	gw.heartbeat = NewHeartbeat(cfg.Heartbeat, bus, logger)

	return gw, nil
}

// Run starts the relay channel and all adapters, then processes messages.
// Blocks until ctx is cancelled or the relay connection is lost.
func (gw *Gateway) Run(ctx context.Context) error {
	// Start adapters
	for name, a := range gw.adapters {
		gw.logger.Info("Starting adapter", "adapter", name)
		go func(n string, ad Adapter) {
			if err := ad.Start(ctx); err != nil {
				gw.logger.Error("Adapter failed", "adapter", n, "error", err)
			}
		}(name, a)
	}

	// Start heartbeat
	go gw.heartbeat.Start(ctx)

	// Start outbound dispatcher
	go gw.dispatchOutbound(ctx)

	// Start the relay channel; its loss fails everything in flight.
	chErr := make(chan error, 1)
	go func() {
		err := gw.channel.Start(ctx)
		if err != nil && ctx.Err() == nil {
			gw.correlator.Disconnect(err)
			gw.responder.HandleDisconnect(err)
		}
		chErr <- err
	}()

	gw.logger.Info("Gateway running, processing messages", "session", gw.config.Relay.SessionID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-chErr:
			return err
		case msg := <-gw.bus.Inbound:
			go gw.handleInbound(ctx, msg)
		}
	}
}

func (gw *Gateway) handleInbound(ctx context.Context, msg InboundMessage) {
	// Handle commands
	if strings.HasPrefix(msg.Text, "!") {
		gw.handleCommand(ctx, msg)
		return
	}

	// Send typing indicator
	if a, ok := gw.adapters[msg.ChannelType]; ok {
		_ = a.SendTyping(ctx, msg.ChannelID)
	}

	req := &relay.QueuedRequest{
		ID: uuid.NewString(),
		Context: RouteContext{
			ChannelType: msg.ChannelType,
			ChannelID:   msg.ChannelID,
			ReplyToID:   msg.ReplyToID,
			PeerID:      msg.PeerID,
		},
		Text: msg.Text,
	}
	pos := gw.queue.Enqueue(req)
	if pos > 0 {
		gw.logger.Info("Request queued", "request", req.ID, "position", pos, "peer", msg.PeerName)
	}
}

func (gw *Gateway) handleCommand(ctx context.Context, msg InboundMessage) {
	parts := strings.Fields(msg.Text)
	cmd := strings.TrimPrefix(parts[0], "!")

	var response string
	switch cmd {
	case "status":
		response = fmt.Sprintf("Session `%s`\nConversations in flight: %d\nQueued requests: %d",
			gw.config.Relay.SessionID, gw.correlator.ActiveCount(), gw.queue.Len())
	case "abort":
		if gw.queue.CurrentRequest() == nil {
			response = "Nothing to abort."
		} else {
			gw.queue.FailCurrentRequest(fmt.Errorf("aborted by %s", msg.PeerName))
			response = "Current request aborted."
		}
	case "help":
		response = "**Available commands:**\n" +
			"`!status` — Show session and queue state\n" +
			"`!abort` — Abort the current request\n" +
			"`!help` — Show this help"
	default:
		response = fmt.Sprintf("Unknown command: !%s. Use !help for available commands.", cmd)
	}

	gw.bus.Outbound <- OutboundMessage{
		ChannelType: msg.ChannelType,
		ChannelID:   msg.ChannelID,
		Text:        response,
		ReplyToID:   msg.ReplyToID,
	}
}

func (gw *Gateway) dispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-gw.bus.Outbound:
			if a, ok := gw.adapters[msg.ChannelType]; ok {
				if err := a.Send(ctx, msg); err != nil {
					gw.logger.Error("Failed to send outbound message", "error", err)
				}
			}
		}
	}
}

// refreshTyping keeps the typing indicator alive while the agent streams.
func (gw *Gateway) refreshTyping(ctx context.Context) {
	req := gw.queue.CurrentRequest()
	if req == nil {
		return
	}
	route, ok := req.Context.(RouteContext)
	if !ok {
		return
	}
	if a, ok := gw.adapters[route.ChannelType]; ok {
		_ = a.SendTyping(ctx, route.ChannelID)
	}
}

// Close shuts down all adapters and the relay channel.
func (gw *Gateway) Close() error {
	for _, a := range gw.adapters {
		_ = a.Stop()
	}
	return gw.channel.Close()
}

// busDeliverer routes finalized answers onto the outbound bus.
type busDeliverer struct {
	bus *MessageBus
}

func (d *busDeliverer) Deliver(ctx context.Context, route relay.ChannelContext, text string) error {
	rc, ok := route.(RouteContext)
	if !ok {
		return fmt.Errorf("unexpected route context %T", route)
	}
	d.bus.Outbound <- OutboundMessage{
		ChannelType: rc.ChannelType,
		ChannelID:   rc.ChannelID,
		Text:        text,
		ReplyToID:   rc.ReplyToID,
	}
	return nil
}
