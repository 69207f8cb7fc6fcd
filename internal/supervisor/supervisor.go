package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/clock"
	"github.com/ElSerda/KissBot-sub000/internal/config"
	"github.com/ElSerda/KissBot-sub000/internal/logging"
	"github.com/ElSerda/KissBot-sub000/internal/metrics"
	"github.com/ElSerda/KissBot-sub000/internal/notify"
)

// immediateRestartBudget is B4's fixed "first five restarts are immediate"
// window. It is distinct from config.Config.MaxCrashCount, which only gates
// the crash-looping operator notification in handleExit; raising that
// threshold must not also widen this fixed budget.
const immediateRestartBudget = 5

// restartCooldown is how long a child must stay up before a later crash is
// treated as a fresh run rather than a continuation of a crash loop.
const restartCooldown = 5 * time.Minute

// restartBackoff is the fixed delay applied once a child has exhausted its
// immediate-restart budget.
const restartBackoff = 60 * time.Second

// Supervisor spawns and supervises the Hub process and one bot process per
// configured channel, handing each bot its tokens over a private socket
// and restarting crashed children with bounded backoff.
type Supervisor struct {
	cfg      *config.Config
	log      *logging.Logger
	clk      clock.Clock
	notifier *notify.Multi

	hubPath         string
	botPath         string
	runDir          string
	adminSocketPath string
	seq             atomic.Uint64

	mu           sync.Mutex
	hub          *child
	bots         map[string]*child
	shuttingDown bool

	exits chan exitEvent
}

type exitEvent struct {
	c   *child
	err error
}

// New creates a Supervisor. hubPath and botPath are the Hub and bot-process
// binaries it spawns; runDir is where per-spawn handover sockets are
// created; adminSocketPath is where the Hub's admin socket will appear once
// it starts, used to fetch each channel's token bundle. The Supervisor
// never opens the Token Store itself: BoltDB allows only one process to
// hold it open, and the Hub needs it continuously for reconciliation.
func New(cfg *config.Config, log *logging.Logger, clk clock.Clock, notifier *notify.Multi, hubPath, botPath, runDir, adminSocketPath string) *Supervisor {
	return &Supervisor{
		cfg:             cfg,
		log:             log,
		clk:             clk,
		notifier:        notifier,
		hubPath:         hubPath,
		botPath:         botPath,
		runDir:          runDir,
		adminSocketPath: adminSocketPath,
		bots:            make(map[string]*child),
		exits:           make(chan exitEvent, 8),
	}
}

// Run starts the Hub, spawns one bot per eligible channel, and then
// supervises the fleet until ctx is cancelled, at which point it shuts
// everything down in dependency order (bots first, then the Hub).
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.startHub(); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	if err := s.waitForHubSocket(ctx); err != nil {
		return fmt.Errorf("hub socket never appeared: %w", err)
	}

	for _, channel := range s.cfg.Channels {
		if err := s.startBot(channel); err != nil {
			s.log.Error("supervisor: failed to start bot", "channel", channel, "error", err)
			continue
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev := <-s.exits:
			s.handleExit(ctx, ev)
		}
	}
}

func (s *Supervisor) startHub() error {
	c := newChild(kindHub, "", s.hubPath, nil, newRestartPolicy(immediateRestartBudget, restartBackoff, restartCooldown))
	if err := c.start(); err != nil {
		return err
	}
	s.mu.Lock()
	s.hub = c
	s.mu.Unlock()
	s.watch(c)
	s.log.Info("supervisor: hub started")
	return nil
}

func (s *Supervisor) waitForHubSocket(ctx context.Context) error {
	if err := waitForPath(ctx, s.cfg.HubSocketWait, s.cfg.HubSocketPath); err != nil {
		return err
	}
	return waitForPath(ctx, s.cfg.HubSocketWait, s.adminSocketPath)
}

// waitForPath polls path until it accepts a Unix domain socket connection,
// bounded by wait, confirming the Hub is actually serving rather than just
// that the socket file exists.
func waitForPath(ctx context.Context, wait time.Duration, path string) error {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if conn, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// startBot looks up the channel's tokens, skips channels that need
// re-authorization, and spawns a bot process with its token bundle handed
// over on a private socket.
func (s *Supervisor) startBot(channel string) error {
	_, err := s.spawnBot(channel, newRestartPolicy(immediateRestartBudget, restartBackoff, restartCooldown))
	return err
}

// spawnBot fetches a fresh token bundle for channel, sets up a new one-shot
// handover socket, and starts a bot child carrying policy. It is shared by
// startBot's initial spawn and handleExit's crash restart, since a bot
// respawn is the same sequence as a first spawn: the original handover
// socket is deleted after its single handshake (handover.go's serveHandover)
// and cannot be reused. It returns (false, nil) if the channel's tokens need
// re-authorization, in which case the channel is skipped rather than
// spawned.
func (s *Supervisor) spawnBot(channel string, policy *restartPolicy) (bool, error) {
	bundle, err := s.buildBundle(channel)
	if err != nil {
		return false, err
	}
	if bundle == nil {
		return false, nil // needs_reauth, already logged/notified by buildBundle
	}

	sockPath := filepath.Join(s.runDir, fmt.Sprintf("handover-%s-%d.sock", channel, s.seq.Add(1)))
	ln, err := listenHandover(sockPath)
	if err != nil {
		return false, fmt.Errorf("listen handover for %s: %w", channel, err)
	}
	go func() {
		if err := serveHandover(ln, sockPath, *bundle); err != nil {
			s.log.Warn("supervisor: handover failed", "channel", channel, "error", err)
		}
	}()

	c := newChild(kindBot, channel, s.botPath, []string{"-channel=" + channel, "-handover=" + sockPath}, policy)
	if err := c.start(); err != nil {
		return false, err
	}
	s.mu.Lock()
	s.bots[channel] = c
	s.mu.Unlock()
	s.watch(c)
	s.log.Info("supervisor: bot started", "channel", channel)
	return true, nil
}

// buildBundle fetches the token bundle for a channel's bot process from the
// Hub's admin socket, returning (nil, nil) if the channel needs
// re-authorization and should be skipped rather than spawned.
func (s *Supervisor) buildBundle(channel string) (*TokenBundle, error) {
	bundle, err := requestBundle(s.adminSocketPath, channel, s.cfg.BotLogin)
	if err != nil {
		if errors.Is(err, errNeedsReauth) {
			s.log.Warn("supervisor: channel needs reauth, skipping", "channel", channel, "error", err)
			s.notify(notify.EventNeedsReauth, channel, err.Error())
			return nil, nil
		}
		return nil, fmt.Errorf("request bundle for %s: %w", channel, err)
	}
	return bundle, nil
}

// watch forwards a child's eventual exit onto the shared exits channel.
func (s *Supervisor) watch(c *child) {
	go func() {
		err := <-c.exited
		s.exits <- exitEvent{c: c, err: err}
	}()
}

func (s *Supervisor) handleExit(ctx context.Context, ev exitEvent) {
	s.mu.Lock()
	shuttingDown := s.shuttingDown
	s.mu.Unlock()
	if shuttingDown {
		return
	}

	s.log.Warn("supervisor: child exited", "child", ev.c.label(), "error", ev.err)
	metrics.BotRestarts.WithLabelValues(ev.c.channel).Inc()

	delay := ev.c.policy.noteExit(time.Now())
	if ev.c.policy.Count() > s.cfg.MaxCrashCount() {
		s.notify(notify.EventBotCrashLooping, ev.c.channel, fmt.Sprintf("%s has crashed %d times", ev.c.label(), ev.c.policy.Count()))
	}

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if ev.c.kind == kindBot {
			// A crashed bot's handover socket was already consumed by its
			// single handshake and deleted, and its tokens may have crossed
			// into needs_reauth since it was started, so a restart must
			// re-run the full spawn sequence rather than exec the stale
			// child again.
			spawned, err := s.spawnBot(ev.c.channel, ev.c.policy)
			if err != nil {
				s.log.Error("supervisor: restart failed", "child", ev.c.label(), "error", err)
				return
			}
			if !spawned {
				return // needs_reauth, already logged/notified by buildBundle
			}
			s.notify(notify.EventBotRestarted, ev.c.channel, ev.c.label()+" restarted")
			return
		}

		if err := ev.c.start(); err != nil {
			s.log.Error("supervisor: restart failed", "child", ev.c.label(), "error", err)
			return
		}
		s.watch(ev.c)
		s.notify(notify.EventBotRestarted, ev.c.channel, ev.c.label()+" restarted")
	}()
}

// shutdown stops bots before the Hub, per the dependency order: a bot
// losing its IPC connection mid-shutdown is harmless, but the Hub
// disappearing out from under running bots would orphan their event feed.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	bots := make([]*child, 0, len(s.bots))
	for _, c := range s.bots {
		bots = append(bots, c)
	}
	hub := s.hub
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range bots {
		wg.Add(1)
		go func(c *child) {
			defer wg.Done()
			c.stop(s.cfg.ShutdownGrace)
		}(c)
	}
	wg.Wait()

	if hub != nil {
		hub.stop(s.cfg.ShutdownGrace)
	}
}

func (s *Supervisor) notify(t notify.EventType, channel, detail string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(context.Background(), notify.Event{Type: t, Channel: channel, Detail: detail, Timestamp: time.Now()})
}

// Status reports the liveness of every supervised child, for the
// interactive console's "status" command.
type Status struct {
	Hub  string
	Bots map[string]string
}

// Status returns a snapshot of the fleet's current state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Bots: make(map[string]string, len(s.bots))}
	if s.hub != nil {
		st.Hub = fmt.Sprintf("running (restarts=%d)", s.hub.policy.Count())
	} else {
		st.Hub = "stopped"
	}
	for channel, c := range s.bots {
		st.Bots[channel] = fmt.Sprintf("running (restarts=%d)", c.policy.Count())
	}
	return st
}

// StartChannel starts a bot for a channel that isn't currently running,
// e.g. from the "start <channel>" console command.
func (s *Supervisor) StartChannel(channel string) error {
	s.mu.Lock()
	_, running := s.bots[channel]
	s.mu.Unlock()
	if running {
		return fmt.Errorf("channel %s is already running", channel)
	}
	return s.startBot(channel)
}

// StopChannel stops a running channel's bot process without restarting it.
func (s *Supervisor) StopChannel(channel string) error {
	s.mu.Lock()
	c, ok := s.bots[channel]
	if ok {
		delete(s.bots, channel)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel %s is not running", channel)
	}
	c.stop(s.cfg.ShutdownGrace)
	return nil
}

// RestartChannel stops and immediately respawns a channel's bot process.
func (s *Supervisor) RestartChannel(channel string) error {
	_ = s.StopChannel(channel)
	return s.startBot(channel)
}

// RestartHub stops and respawns the Hub process without touching running
// bots; each bot's IPC client reconnects to the new Hub process on its own.
func (s *Supervisor) RestartHub(ctx context.Context) error {
	s.mu.Lock()
	hub := s.hub
	s.mu.Unlock()
	if hub != nil {
		hub.stop(s.cfg.ShutdownGrace)
	}
	if err := s.startHub(); err != nil {
		return err
	}
	return s.waitForHubSocket(ctx)
}

// StopAll stops every running bot, leaving the Hub up.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	bots := make([]*child, 0, len(s.bots))
	for channel, c := range s.bots {
		bots = append(bots, c)
		delete(s.bots, channel)
	}
	s.mu.Unlock()
	for _, c := range bots {
		c.stop(s.cfg.ShutdownGrace)
	}
}

// RunConsole reads interactive commands from standard input until ctx is
// cancelled or the "quit" command is read. It is optional: Run operates fine without a
// console attached.
func (s *Supervisor) RunConsole(ctx context.Context, quit context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		s.handleConsoleLine(ctx, line, quit)
	}
}

func (s *Supervisor) handleConsoleLine(ctx context.Context, line string, quit context.CancelFunc) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "status":
		st := s.Status()
		fmt.Printf("hub: %s\n", st.Hub)
		for channel, state := range st.Bots {
			fmt.Printf("%s: %s\n", channel, state)
		}
	case "start":
		if len(fields) < 2 {
			fmt.Println("usage: start <channel>")
			return
		}
		if err := s.StartChannel(fields[1]); err != nil {
			fmt.Println("error:", err)
		}
	case "stop":
		if len(fields) < 2 {
			fmt.Println("usage: stop <channel>")
			return
		}
		if err := s.StopChannel(fields[1]); err != nil {
			fmt.Println("error:", err)
		}
	case "restart":
		if len(fields) < 2 {
			fmt.Println("usage: restart <channel>")
			return
		}
		if err := s.RestartChannel(fields[1]); err != nil {
			fmt.Println("error:", err)
		}
	case "restart-hub":
		if err := s.RestartHub(ctx); err != nil {
			fmt.Println("error:", err)
		}
	case "stop-all":
		s.StopAll()
	case "quit":
		quit()
	default:
		fmt.Println("unknown command:", fields[0])
	}
}

