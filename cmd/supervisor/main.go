// Command kissbot-supervisor spawns and supervises the Hub process and one
// bot process per configured channel, restarting crashed children with
// bounded backoff and optionally exposing an interactive console.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ElSerda/KissBot-sub000/internal/clock"
	"github.com/ElSerda/KissBot-sub000/internal/config"
	"github.com/ElSerda/KissBot-sub000/internal/logging"
	"github.com/ElSerda/KissBot-sub000/internal/notify"
	"github.com/ElSerda/KissBot-sub000/internal/supervisor"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogJSON)

	if err := cfg.LoadChannelsYAML("channels.yaml"); err != nil {
		log.Warn("supervisor: load channels.yaml", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("supervisor: configuration error", "error", err)
		os.Exit(1)
	}
	if len(cfg.Channels) == 0 {
		log.Error("supervisor: no channels configured (KISSBOT_CHANNELS or channels.yaml)")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("KissBot Supervisor")
	fmt.Printf("channels: %v\n", cfg.Channels)

	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, "kissbot-supervisor", "", "", 1))
	}
	if cfg.NotifyChannelsPath != "" {
		extra, err := notify.LoadChannels(cfg.NotifyChannelsPath)
		if err != nil {
			log.Warn("supervisor: load notification channels", "error", err)
		} else {
			notifiers = append(notifiers, extra...)
		}
	}
	notifier := notify.NewMulti(log, notifiers...)

	hubPath := resolveBinaryPath(cfg.HubBinaryPath, "kissbot-hub")
	botPath := resolveBinaryPath(cfg.BotBinaryPath, "kissbot-bot")

	runDir := filepath.Dir(cfg.HubSocketPath)
	if err := os.MkdirAll(runDir, 0o700); err != nil {
		log.Error("supervisor: create run directory", "path", runDir, "error", err)
		os.Exit(1)
	}

	sup := supervisor.New(cfg, log, clock.Real{}, notifier, hubPath, botPath, runDir, cfg.HubAdminSocketPath)

	if cfg.Console {
		go sup.RunConsole(ctx, cancel)
	}

	log.Info("supervisor: starting", "hub", hubPath, "bot", botPath, "channels", len(cfg.Channels))
	if err := sup.Run(ctx); err != nil {
		log.Error("supervisor: exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("supervisor: stopped")
}

// resolveBinaryPath returns configured if set, otherwise the named binary
// in the same directory as the Supervisor's own executable.
func resolveBinaryPath(configured, name string) string {
	if configured != "" {
		return configured
	}
	self, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(self), name)
}
