package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"reminderbot/internal/bot"
	"reminderbot/internal/config"
	"reminderbot/internal/dispatch"
	"reminderbot/internal/eventbus"
	"reminderbot/internal/notifier"
	"reminderbot/internal/observability/metrics"
	"reminderbot/internal/observability/ops"
	"reminderbot/internal/reminders"
	"reminderbot/internal/render"
	rtsup "reminderbot/internal/runtime/supervisor"
	"reminderbot/internal/storage"
	kit "reminderbot/internal/transport"
	"reminderbot/internal/transport/discord"
	"reminderbot/internal/transport/mqtt"
	"reminderbot/internal/transport/telegram"
	logx "reminderbot/pkg/logx"
)

type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSIGINT      StopReason = "sigint"
	StopSIGTERM     StopReason = "sigterm"
	StopFatalError  StopReason = "fatal_error"
	StopOneShotDone StopReason = "one_shot_done"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	channels *notifier.Registry
	gens     *render.Registry
	renderer *render.Renderer
	metrics  *metrics.Prom
	promReg  *prometheus.Registry

	sched  *dispatch.Scheduler
	svc    *reminders.Service
	router *bot.Router
	ops    *ops.Server

	adapters []kit.Adapter
	closers  []func() error

	updates chan kit.Update
}

// New loads the config and builds every component. Nothing runs until
// Start; the result is also usable for one-shot commands (RunNow).
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Chat logging needs the channel registry, which needs a logger. Boot
	// with chat disabled and bind the sender once channels are registered.
	logCfg := mapLogConfig(cfg)
	bootLogCfg := logCfg
	bootLogCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootLogCfg, nil)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(ctx, cfg, log); err != nil {
		a.closeAll()
		_ = logSvc.Close()
		return nil, err
	}

	logSvc.SetSender(a.channels)
	logSvc.Apply(logCfg)
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom, err := metrics.New(a.promReg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	a.metrics = prom

	sc := mapStorageConfig(cfg)
	st, err := storage.Open(ctx, sc, log)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	a.channels = notifier.NewRegistry(cfg.Channels.RatePerSec, log)
	if err := a.buildChannels(ctx, cfg, log); err != nil {
		return err
	}
	if active := cfg.Channels.ActiveChannel(); active != "" {
		if err := a.channels.Use(active); err != nil {
			return err
		}
	}

	a.gens = render.NewRegistry()
	if err := a.buildGenerators(ctx, cfg); err != nil {
		return err
	}
	a.renderer = render.New(a.gens, log,
		render.WithObserver(prom),
		render.WithPolicy(mapPolicy(cfg.Renderer.Tone)),
		render.WithTimeout(config.DurationOr(cfg.Renderer.Timeout, 0)),
	)

	a.sched = dispatch.New(mapSchedulerConfig(cfg), dispatch.Deps{
		Store:    a.store,
		Renderer: a.renderer,
		Channels: a.channels,
	}, log, dispatch.WithRecorder(prom), dispatch.WithBus(a.bus))

	a.svc = reminders.New(a.store, "", log, a.bus)

	owners := func(channel, userID string) bool { return isOwner(a.cfgm.Get(), channel, userID) }
	a.router = bot.New(a.svc, a.sched, owners, log)
	for _, ad := range a.adapters {
		if rp, ok := ad.(bot.Replier); ok {
			a.router.AddReplier(ad.Name(), rp)
		}
	}

	if cfg.Ops.Enabled {
		a.ops = ops.New(mapOpsConfig(cfg), a.sched, log,
			ops.WithReady(a.sched.Ready),
			ops.WithGatherer(a.promReg),
			ops.WithHistory(a.channels.History),
		)
	}
	return nil
}

// buildChannels registers enabled channels in their fixed order. Chat
// adapters double as command intakes.
func (a *App) buildChannels(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	cc := cfg.Channels
	if cc.Telegram.Enabled {
		ad, err := telegram.New(telegram.Config{
			Token:       cc.Telegram.Token,
			PollTimeout: config.DurationOr(cc.Telegram.PollTimeout, 0),
		}, log)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.channels.Register(ad)
		a.adapters = append(a.adapters, ad)
	}
	if cc.Discord.Enabled {
		ad, err := discord.New(cc.Discord.Token, log)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		a.channels.Register(ad)
		a.adapters = append(a.adapters, ad)
	}
	if cc.MQTT.Enabled {
		ch, err := mqtt.New(ctx, mqtt.Config{
			Broker:      cc.MQTT.Broker,
			ClientID:    cc.MQTT.ClientID,
			Username:    cc.MQTT.Username,
			Password:    cc.MQTT.Password,
			TopicPrefix: cc.MQTT.TopicPrefix,
			QoS:         byte(cc.MQTT.QoS),
		}, log)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		a.channels.Register(ch)
		a.closers = append(a.closers, ch.Close)
	}
	if cc.Console.Enabled {
		a.channels.Register(notifier.NewConsole(log))
	}
	return nil
}

// buildGenerators always registers "disabled" and adds the configured
// backend, then activates it.
func (a *App) buildGenerators(ctx context.Context, cfg *config.Config) error {
	a.gens.Register("disabled", render.Disabled{})
	provider := rendererProvider(cfg)
	switch provider {
	case "ollama":
		a.gens.Register("ollama", render.NewOllama(cfg.Renderer.Ollama.Host, cfg.Renderer.Ollama.Model, nil))
	case "gemini":
		g, err := render.NewGemini(ctx, render.GeminiConfig{
			APIKey:   cfg.Renderer.Gemini.APIKey,
			Model:    cfg.Renderer.Gemini.Model,
			Project:  cfg.Renderer.Gemini.Project,
			Location: cfg.Renderer.Gemini.Location,
		})
		if err != nil {
			return err
		}
		a.gens.Register("gemini", g)
	}
	return a.gens.Use(provider)
}

func (a *App) Scheduler() *dispatch.Scheduler { return a.sched }

func (a *App) Reminders() *reminders.Service { return a.svc }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	for _, ad := range a.adapters {
		if err := ad.Start(a.sup.Context(), a.updates); err != nil {
			return fmt.Errorf("%s: %w", ad.Name(), err)
		}
		if mu, ok := ad.(kit.CommandMenuUpdater); ok {
			if err := mu.UpdateMenuCommands(ctx, a.router.Commands()); err != nil {
				a.log.Warn("command menu update failed", logx.String("channel", ad.Name()), logx.Err(err))
			}
		}
	}

	if err := a.sched.Start(); err != nil {
		return err
	}
	if err := a.sched.Ready(); err != nil {
		a.log.Warn("scheduler not ready; ticks will be skipped", logx.Err(err))
	}
	if a.ops != nil {
		if err := a.ops.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.Go("bot.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startSystemd()
	a.log.Info("app started",
		logx.Strings("channels", a.channels.Names()),
		logx.String("active", a.channels.Active()),
		logx.Bool("scheduler", a.sched.Status().Running),
	)
	return nil
}

// RunOnce performs one manual dispatch outside the trigger. With wait the
// call returns after the tick's deliveries finish or ctx ends.
func (a *App) RunOnce(ctx context.Context, wait bool) (dispatch.TickReport, error) {
	rep, err := a.sched.RunNow(ctx)
	if err != nil || !wait {
		return rep, err
	}
	return rep, a.sched.WaitDeliveries(ctx)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping()

	if a.sup != nil {
		a.sup.Cancel()
	}

	a.step(ctx, "scheduler", 6*time.Second, a.sched.Stop)
	if a.ops != nil {
		a.step(ctx, "ops", time.Second, a.ops.Stop)
	}
	for _, ad := range a.adapters {
		a.step(ctx, "adapter."+ad.Name(), 2*time.Second, ad.Stop)
	}
	a.step(ctx, "resources", time.Second, func(context.Context) error { return a.closeAll() })
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
	}
	var cancel context.CancelFunc
	stepCtx, cancel = context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}

// closeAll releases resources in reverse order of acquisition. It is safe
// to call more than once.
func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
