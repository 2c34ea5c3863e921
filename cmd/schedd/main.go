package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/config"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/eventbus"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/httpapi"
	obspprof "github.com/MASITH-developpement/Azalscore-sub012/internal/observability/pprof"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/store"
	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
	"github.com/MASITH-developpement/Azalscore-sub012/pkg/systemd"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./schedd.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewConfigManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logsvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logsvc.Close()
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: int(mustDuration(cfg.Storage.BusyTimeout) / time.Millisecond),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	loc := time.Local
	if tz := cfg.Scheduler.Timezone; tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	svcCfg, err := schedConfig(cfg.Scheduler)
	if err != nil {
		return err
	}

	bus := eventbus.New()
	svc := sched.New(svcCfg, st, bus, loc, log)
	registerBuiltins(svc, log)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	var api *httpapi.Server
	if cfg.HTTP.Enabled {
		api = httpapi.NewServer(httpapi.Config{
			Addr:             cfg.HTTP.Addr,
			SubmitRatePerSec: cfg.HTTP.SubmitRatePerSec,
			SubmitBurst:      cfg.HTTP.SubmitBurst,
			ReadTimeout:      mustDuration(cfg.HTTP.ReadTimeout),
			WriteTimeout:     mustDuration(cfg.HTTP.WriteTimeout),
			IdleTimeout:      mustDuration(cfg.HTTP.IdleTimeout),
		}, svc, log.With(logx.String("comp", "http")))
		if err := api.Start(); err != nil {
			return fmt.Errorf("start http api: %w", err)
		}
	}

	prof := obspprof.New(pprofConfig(cfg.Pprof), log.With(logx.String("comp", "pprof")))
	prof.Start(ctx)

	go watchConfig(ctx, mgr, logsvc, prof, log)
	go func() { _ = mgr.Watch(ctx) }()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("schedd ready", logx.String("config", cfgPath))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if api != nil {
		_ = api.Stop(stopCtx)
	}
	prof.Stop(stopCtx)
	return svc.Stop(stopCtx)
}

// watchConfig applies live-reloadable settings (log level) and reports the
// rest. Structural changes take effect on restart.
func watchConfig(ctx context.Context, mgr *config.ConfigManager, logsvc *logx.Service, prof *obspprof.Service, log logx.Logger) {
	ch := mgr.Subscribe(4)
	defer mgr.Unsubscribe(ch)
	prev := mgr.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-ch:
			if !ok {
				return
			}
			changes, fields, restart := config.SummarizeConfigChange(prev, next)
			for _, c := range changes {
				log.Info("config changed: "+c, fields...)
			}
			if len(restart) > 0 {
				log.Warn("config sections need a restart to apply", logx.Any("sections", restart))
			}
			logsvc.Apply(logx.Config{
				Level:   next.Logging.Level,
				Console: next.Logging.Console,
				File: logx.FileConfig{
					Enabled: next.Logging.File.Enabled,
					Path:    next.Logging.File.Path,
				},
			})
			prof.Reconfigure(ctx, pprofConfig(next.Pprof))
			prev = next
		}
	}
}

func schedConfig(sc config.SchedulerConfig) (sched.Config, error) {
	out := sched.Config{
		TenantID: sc.TenantID,
		Workers:  sc.Workers,
		Queues:   sc.Queues,
	}
	var err error
	if out.PollInterval, err = config.ParseDurationField("scheduler.poll_interval", sc.PollInterval); err != nil {
		return sched.Config{}, err
	}
	if out.HeartbeatInterval, err = config.ParseDurationField("scheduler.heartbeat_interval", sc.HeartbeatInterval); err != nil {
		return sched.Config{}, err
	}
	if out.HousekeepingInterval, err = config.ParseDurationField("scheduler.housekeeping_interval", sc.HousekeepingInterval); err != nil {
		return sched.Config{}, err
	}
	if out.StaleWorkerAfter, err = config.ParseDurationField("scheduler.stale_worker_after", sc.StaleWorkerAfter); err != nil {
		return sched.Config{}, err
	}
	if out.DefaultTimeout, err = config.ParseDurationField("scheduler.default_timeout", sc.DefaultTimeout); err != nil {
		return sched.Config{}, err
	}
	return out, nil
}

func pprofConfig(pc config.PprofConfig) obspprof.Config {
	return obspprof.Config{
		Enabled:              pc.Enabled,
		Addr:                 pc.Addr,
		Token:                pc.Token,
		AllowInsecure:        pc.AllowInsecure,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
	}
}

// registerBuiltins installs the operational smoke-test handlers. Business
// handlers are registered by embedding collaborators.
func registerBuiltins(svc *sched.Service, log logx.Logger) {
	svc.RegisterHandler("echo", func(ctx context.Context, rc job.RunContext) (map[string]any, error) {
		log.Info("echo", logx.String("instance", rc.InstanceID), logx.Any("params", rc.Params))
		return rc.Params, nil
	})
	svc.RegisterHandler("sleep", func(ctx context.Context, rc job.RunContext) (map[string]any, error) {
		d := 5 * time.Second
		if raw, ok := rc.Params["duration"].(string); ok {
			if parsed, err := time.ParseDuration(raw); err == nil {
				d = parsed
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
			return map[string]any{"slept": d.String()}, nil
		}
	})
	// systemd lets recurring jobs keep host units healthy, e.g.
	// {"unit": "myapp.service", "action": "restart"}.
	svc.RegisterHandler("systemd", func(ctx context.Context, rc job.RunContext) (map[string]any, error) {
		unit, _ := rc.Params["unit"].(string)
		if unit == "" {
			return nil, fmt.Errorf("systemd handler requires a unit param")
		}
		action, _ := rc.Params["action"].(string)
		var err error
		switch action {
		case "start":
			err = systemd.Start(ctx, unit)
		case "stop":
			err = systemd.Stop(ctx, unit)
		case "restart":
			err = systemd.Restart(ctx, unit)
		case "", "is-active":
			action = "is-active"
		default:
			return nil, fmt.Errorf("systemd handler: unknown action %q", action)
		}
		if err != nil {
			return nil, fmt.Errorf("systemctl %s %s: %w", action, unit, err)
		}
		active, err := systemd.IsActive(ctx, unit)
		if err != nil {
			return nil, err
		}
		log.Info("systemd action done", logx.String("unit", unit), logx.String("action", action), logx.Bool("active", active))
		return map[string]any{"unit": unit, "action": action, "active": active}, nil
	})
}

func mustDuration(raw string) time.Duration {
	d, err := config.ParseDurationField("", raw)
	if err != nil {
		return 0
	}
	return d
}
