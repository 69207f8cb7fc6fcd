// Command kissbot-bot runs the chat runtime for a single channel: it
// receives its tokens from the Supervisor over a one-shot handover socket,
// connects to Twitch IRC, and relays events to and from the Hub over IPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/bus"
	"github.com/ElSerda/KissBot-sub000/internal/chatbot"
	"github.com/ElSerda/KissBot-sub000/internal/clock"
	"github.com/ElSerda/KissBot-sub000/internal/config"
	"github.com/ElSerda/KissBot-sub000/internal/ipc"
	"github.com/ElSerda/KissBot-sub000/internal/logging"
	"github.com/ElSerda/KissBot-sub000/internal/supervisor"
)

// busShedAfter is how many consecutive publishes may find a slow bus
// subscriber's queue full before it is dropped rather than allowed to back
// up the bot.
const busShedAfter = 64

func main() {
	channel := flag.String("channel", "", "Twitch channel login this process serves")
	handoverPath := flag.String("handover", "", "Unix socket to collect the token bundle from")
	flag.Parse()

	if *channel == "" || *handoverPath == "" {
		fmt.Fprintln(os.Stderr, "usage: kissbot-bot -channel=<login> -handover=<socket path>")
		os.Exit(1)
	}

	cfg := config.Load()
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	bundle, err := supervisor.ReceiveHandover(*handoverPath, 15*time.Second)
	if err != nil {
		log.Error("bot: token handover failed", "channel", *channel, "error", err)
		os.Exit(1)
	}

	transport := chatbot.NewIRCTransport(*channel, bundle.BotAccessToken)

	b := bus.New(func(topic bus.Topic) {
		log.Warn("bot: bus subscriber shed, too slow", "channel", *channel, "topic", topic)
	}, busShedAfter)

	ipcClient := ipc.NewClient(cfg.HubSocketPath, bundle.ChannelID, *channel, []string{"channel.follow"}, log, func(f ipc.Frame) {
		b.Publish(bus.SystemEvent, f)
	})

	botCfg := chatbot.Config{
		Channel:     *channel,
		UserID:      bundle.BotUserID,
		SendTimeout: cfg.IRCSendTimeout,
		RateMax:     20,
		RateWindow:  30 * time.Second,
	}
	bot := chatbot.New(botCfg, transport, ipcClient, b, log, clock.Real{})

	log.Info("bot: starting", "channel", *channel)
	if err := bot.Run(ctx); err != nil {
		log.Error("bot: exited with error", "channel", *channel, "error", err)
		os.Exit(1)
	}
	log.Info("bot: stopped", "channel", *channel)
}
