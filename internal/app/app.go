// Package app wires the store, transport, fan-out engine, conversation
// router and control server into one runnable unit.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"

	"channelbot/internal/admission"
	"channelbot/internal/broadcast"
	"channelbot/internal/command"
	"channelbot/internal/config"
	"channelbot/internal/logx"
	"channelbot/internal/model"
	"channelbot/internal/preview"
	"channelbot/internal/retention"
	"channelbot/internal/router"
	"channelbot/internal/server"
	"channelbot/internal/store"
	"channelbot/internal/transport"
	"channelbot/internal/transport/forward"
	"channelbot/internal/transport/telegram"
)

type App struct {
	cfgMgr   *config.Manager
	log      logx.Logger
	logClose func() error

	store   store.Store
	engine  *broadcast.Engine
	handler *router.Handler
	srv     *server.Server
	sweeper *retention.Sweeper
	tg      *telegram.Adapter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}

	log, logClose, err := logx.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, log)
	if err != nil {
		_ = logClose()
		return nil, err
	}

	a := &App{cfgMgr: mgr, log: log, logClose: logClose, store: st}

	sender, batcher, err := a.buildTransport(cfg)
	if err != nil {
		_ = st.Close()
		_ = logClose()
		return nil, err
	}

	previews, err := preview.NewCache(preview.NewPageResolver(nil), log)
	if err != nil {
		_ = st.Close()
		_ = logClose()
		return nil, err
	}

	opts := []broadcast.Option{broadcast.WithPreviews(previews)}
	if batcher != nil && cfg.Broadcaster.Batch.Enabled {
		opts = append(opts, broadcast.WithBatcher(batcher))
	}
	a.engine = broadcast.New(engineConfig(cfg), st, sender, log, opts...)

	admit := admission.NewController(st, sender, log)
	cmds := command.NewInterpreter(st, sender, a.engine, cfg.Server.Addr, cfg.CatchUpLimit(), log)
	a.handler = router.NewHandler(st, a.engine, cmds, admit, sender, log)
	a.srv = server.New(server.Config{Addr: cfg.Server.Addr, AdminToken: cfg.Server.AdminToken},
		st, a.engine, sender, log)

	if r := cfg.Retention; r != nil {
		maxAge, _ := config.ParseDurationField("retention.tombstone_max_age", r.TombstoneMaxAge)
		a.sweeper = retention.NewSweeper(retention.Config{
			Schedule:        r.Schedule,
			TombstoneMaxAge: maxAge,
			InboundKeep:     r.InboundKeep,
		}, st, log)
	}
	return a, nil
}

func (a *App) buildTransport(cfg *config.Config) (transport.Transport, transport.Batcher, error) {
	switch cfg.Transport.Driver {
	case "forward":
		timeout, _ := config.ParseDurationField("transport.forward.timeout", cfg.Transport.Forward.Timeout)
		fc, err := forward.New(cfg.Transport.Forward.BaseURL, timeout, a.log)
		if err != nil {
			return nil, nil, err
		}
		return fc, fc, nil
	case "telegram":
		// Telegram gives one bot identity, so the adapter serves exactly one
		// channel: the first seeded one.
		if len(cfg.Channels) == 0 {
			return nil, nil, errors.New("telegram transport needs a seeded channel")
		}
		poll, _ := config.ParseDurationField("transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout)
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Transport.Telegram.Token,
			PollTimeout: poll,
			Channel:     cfg.Channels[0].Name,
		}, a.log)
		if err != nil {
			return nil, nil, err
		}
		a.tg = tg
		return tg, nil, nil
	default:
		return noTransport{}, nil, nil
	}
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.seedChannels(runCtx, a.cfgMgr.Get().Channels); err != nil {
		cancel()
		return err
	}

	a.engine.Start(runCtx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.srv.Run(runCtx); err != nil {
			a.log.Error("http server failed", logx.Err(err))
		}
	}()

	if a.sweeper != nil {
		if err := a.sweeper.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("retention schedule: %w", err)
		}
	}

	a.watchConfig(runCtx)

	if a.tg != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.tg.Run(runCtx, a.handler)
		}()
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.cancel != nil {
		a.cancel()
	}
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	a.engine.Stop()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	err := a.store.Close()
	if a.logClose != nil {
		_ = a.logClose()
	}
	return err
}

// Handler exposes the conversation router for transports driven externally.
func (a *App) Handler() *router.Handler { return a.handler }

// seedChannels provisions the configured channels. Existing channels are left
// untouched, token included.
func (a *App) seedChannels(ctx context.Context, seeds []config.ChannelSeed) error {
	for _, seed := range seeds {
		_, err := a.store.Channel(ctx, seed.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := a.store.InsertChannel(ctx, seed.Name, seed.Token, seed.Origin); err != nil {
			return fmt.Errorf("seed channel %s: %w", seed.Name, err)
		}
		a.log.Info("channel seeded", logx.String("channel", seed.Name))
	}
	return nil
}

// watchConfig applies reloaded settings that can change live: the fan-out
// pool rate and the catch-up pace.
func (a *App) watchConfig(ctx context.Context) {
	updates := a.cfgMgr.Subscribe(1)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.cfgMgr.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		defer a.cfgMgr.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.engine.Apply(engineConfig(cfg))
				a.log.Info("config reloaded")
			}
		}
	}()
}

func engineConfig(cfg *config.Config) broadcast.Config {
	return broadcast.Config{
		Workers:    cfg.Broadcaster.Workers,
		RatePerSec: cfg.Broadcaster.RatePerSec,
		BatchSize:  cfg.Broadcaster.Batch.Size,
		Pace:       cfg.CatchUpPace(),
	}
}

// noTransport is the delivery backend when none is configured; every send
// fails as transient so counts stay honest.
type noTransport struct{}

func (noTransport) SendText(ctx context.Context, botID, text string) transport.Result {
	return transport.Failed(errors.New("no transport configured"))
}

func (noTransport) SendAsset(ctx context.Context, botID string, asset *model.Asset) transport.Result {
	return transport.Failed(errors.New("no transport configured"))
}

func (noTransport) SendLinkPreview(ctx context.Context, botID, url, title string, preview *model.Asset) transport.Result {
	return transport.Failed(errors.New("no transport configured"))
}

func (noTransport) DeleteMessage(ctx context.Context, botID, messageID string) transport.Result {
	return transport.Failed(errors.New("no transport configured"))
}
