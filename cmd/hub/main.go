// Command kissbot-hub runs the EventSub Hub: the fleet's single upstream
// EventSub WebSocket connection, the Encrypted Token Store, and the IPC
// server bot processes connect to. It is the only process that opens the
// Token Store, since BoltDB allows a single writer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ElSerda/KissBot-sub000/internal/clock"
	"github.com/ElSerda/KissBot-sub000/internal/config"
	"github.com/ElSerda/KissBot-sub000/internal/eventsub"
	"github.com/ElSerda/KissBot-sub000/internal/ipc"
	"github.com/ElSerda/KissBot-sub000/internal/logging"
	"github.com/ElSerda/KissBot-sub000/internal/notify"
	"github.com/ElSerda/KissBot-sub000/internal/tokenstore"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogJSON)

	if err := cfg.Validate(); err != nil {
		log.Error("hub: configuration error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("KissBot Hub")

	store, err := tokenstore.Open(cfg.DBPath, cfg.KeyPath)
	if err != nil {
		log.Error("hub: open token store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	rest, err := eventsub.NewRESTClient(cfg.ClientID, cfg.ClientSecret, cfg.RateLimitPerSec(), cfg.RateLimitJitter(), log)
	if err != nil {
		log.Error("hub: create rest client", "error", err)
		os.Exit(1)
	}

	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, "kissbot-hub", "", "", 1))
	}
	if cfg.NotifyChannelsPath != "" {
		extra, err := notify.LoadChannels(cfg.NotifyChannelsPath)
		if err != nil {
			log.Warn("hub: load notification channels", "error", err)
		} else {
			notifiers = append(notifiers, extra...)
		}
	}
	notifier := notify.NewMulti(log, notifiers...)

	ipcSrv := ipc.NewServer(log, nil)
	refresher := tokenstore.NewRefresher(cfg.ClientID, cfg.ClientSecret)
	hub := eventsub.NewHub(store, ipcSrv, rest, log, clock.Real{}, notifier, cfg.ReconcileInterval(), refresher, cfg.RefreshMargin)
	ipcSrv.SetDispatcher(hub)
	if cfg.MetricsTextfile != "" {
		hub.SetMetricsTextfile(cfg.MetricsTextfile)
	}
	if cfg.HADiscoveryEnabled {
		ha, err := notify.NewHADiscovery(notify.HADiscoveryConfig{Broker: cfg.MQTTBroker, ClientID: "kissbot-hub", Prefix: cfg.HADiscoveryPrefix})
		if err != nil {
			log.Warn("hub: home assistant discovery disabled", "error", err)
		} else {
			hub.SetHADiscovery(ha)
			defer ha.Close()
		}
	}

	if err := ipcSrv.Start(cfg.HubSocketPath); err != nil {
		log.Error("hub: start ipc server", "error", err)
		os.Exit(1)
	}
	defer ipcSrv.Close()

	closeAdmin, err := hub.ServeAdmin(cfg.HubAdminSocketPath)
	if err != nil {
		log.Error("hub: start admin socket", "error", err)
		os.Exit(1)
	}
	defer closeAdmin()

	log.Info("hub: starting", "socket", cfg.HubSocketPath, "admin_socket", cfg.HubAdminSocketPath)
	if err := hub.Run(ctx); err != nil {
		log.Error("hub: exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("hub: stopped")
}
