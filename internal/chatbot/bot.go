package chatbot

import (
	"context"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/bus"
	"github.com/ElSerda/KissBot-sub000/internal/clock"
	"github.com/ElSerda/KissBot-sub000/internal/ipc"
	"github.com/ElSerda/KissBot-sub000/internal/logging"
)

// defaultSendTimeout is how long an outbound send is given before it is
// dropped with a logged warning rather than retried.
const defaultSendTimeout = 5 * time.Second

// Bot wires a single channel's chat transport to the internal bus and the
// Hub IPC client. It owns exactly one transport and one bus at a time.
type Bot struct {
	channel   string
	userID    string
	transport Transport
	bus       *bus.Bus
	ipcClient *ipc.Client
	log       *logging.Logger
	clk       clock.Clock

	dedup       *dedup
	sendTimeout time.Duration
	limiter     *slidingWindowLimiter
}

// Config bundles the tunables a Bot needs at construction.
type Config struct {
	Channel     string
	UserID      string
	SendTimeout time.Duration
	RateMax     int
	RateWindow  time.Duration
}

// New creates a Bot around a transport (Run connects it), an IPC client,
// and the bus the rest of the bot process shares. Token refresh is the
// Hub's responsibility, not the bot process's: a bot whose credentials go
// stale is simply restarted by the Supervisor with a freshly issued bundle.
func New(cfg Config, transport Transport, ipcClient *ipc.Client, b *bus.Bus, log *logging.Logger, clk clock.Clock) *Bot {
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	bot := &Bot{
		channel:     cfg.Channel,
		userID:      cfg.UserID,
		transport:   transport,
		bus:         b,
		ipcClient:   ipcClient,
		log:         log,
		clk:         clk,
		dedup:       newDedup(100),
		sendTimeout: sendTimeout,
		limiter:     newSlidingWindowLimiter(cfg.RateMax, cfg.RateWindow),
	}
	transport.SetHandlers(EventHandlers{OnMessage: bot.onMessage})
	return bot
}

func (b *Bot) onMessage(msg ChatMessage) {
	if b.dedup.seenOrRecord(msg.SenderID, msg.Text) {
		return
	}
	b.bus.Publish(bus.ChatInbound, msg)
}

// channelJoiner is implemented by transports (IRC) that need an explicit
// join after connecting; EventSub chat has no equivalent step since it
// addresses the channel by broadcaster ID at construction time.
type channelJoiner interface {
	JoinChannel(login string) error
}

// Run connects the transport, starts the Hub IPC client, and dispatches
// chat.outbound bus messages to the transport until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.transport.Connect(); err != nil {
		return err
	}
	defer b.transport.Disconnect()

	if joiner, ok := b.transport.(channelJoiner); ok {
		if err := joiner.JoinChannel(b.channel); err != nil {
			return err
		}
	}

	if b.ipcClient != nil {
		go b.ipcClient.Run(ctx)
	}

	outbound, cancel := b.bus.Subscribe(bus.ChatOutbound)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-outbound:
			if !ok {
				return nil
			}
			b.handleOutbound(msg)
		}
	}
}

func (b *Bot) handleOutbound(msg any) {
	text, ok := msg.(string)
	if !ok {
		return
	}
	if !b.limiter.Allow() {
		b.log.Warn("chatbot: outbound rate limit hit, dropping message", "channel", b.channel)
		return
	}
	deadline := time.Now().Add(b.sendTimeout)
	if err := b.transport.Send(b.channel, text, deadline); err != nil {
		b.log.Warn("chatbot: outbound send failed, dropped", "channel", b.channel, "error", err)
	}
}

// IsHealthy reports the transport's current connectivity for external
// status queries (e.g. the Supervisor's console).
func (b *Bot) IsHealthy() bool {
	return b.transport.IsConnected() && b.transport.IsInRoom(b.channel)
}
