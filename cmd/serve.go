package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/pprof/profile"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/coder/serpent"

	"github.com/Emyrk/callhook/hook"
	"github.com/Emyrk/callhook/hook/clock"
	"github.com/Emyrk/callhook/hook/collector"
	"github.com/Emyrk/callhook/hook/hooksocket"
	"github.com/Emyrk/callhook/hook/profiling"
	"github.com/Emyrk/callhook/hook/table"
)

type ServeConfig struct {
	Listen           string             `yaml:"listen"`
	MetricsNamespace string             `yaml:"metrics_namespace"`
	ConstLabels      prometheus.Labels  `yaml:"constant_labels"`
	ObscureAnonymous bool               `yaml:"obscure_anonymous"`
	AutoStart        bool               `yaml:"auto_start"`
	Socket           hooksocket.Options `yaml:"socket"`
	Pyroscope        *PyroscopeConfig   `yaml:"pyroscope"`
}

type PyroscopeConfig struct {
	profiling.PusherConfig `yaml:",inline"`
	AppName                string        `yaml:"app_name"`
	Interval               time.Duration `yaml:"interval"`
}

// LoadServeConfig reads a YAML config file and fills in defaults. An empty
// path yields the defaults alone.
func LoadServeConfig(path string) (ServeConfig, error) {
	var config ServeConfig
	if path != "" {
		yamlData, err := os.ReadFile(path)
		if err != nil {
			return config, fmt.Errorf("read config: %w", err)
		}
		err = yaml.Unmarshal(yamlData, &config)
		if err != nil {
			return config, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if config.Listen == "" {
		config.Listen = ":2112"
	}
	if config.MetricsNamespace == "" {
		config.MetricsNamespace = "callhook"
	}
	if config.Pyroscope != nil {
		if config.Pyroscope.AppName == "" {
			config.Pyroscope.AppName = "callhook"
		}
		if config.Pyroscope.Interval == 0 {
			config.Pyroscope.Interval = time.Minute
		}
	}
	return config, nil
}

func (r *Root) ServeCmd() *serpent.Command {
	var (
		configPath string
		listen     string
	)
	return &serpent.Command{
		Use:   "serve",
		Short: "Accept call/return events over websocket and expose the aggregated call sites as metrics.",
		Options: serpent.OptionSet{
			serpent.Option{
				Name:          "config",
				Description:   "YAML config file to use.",
				Required:      false,
				Flag:          "config",
				FlagShorthand: "c",
				Env:           "CALLHOOK_CONFIG",
				Value:         serpent.StringOf(&configPath),
			},
			serpent.Option{
				Name:        "listen",
				Description: "Address to listen on, overrides the config file.",
				Flag:        "listen",
				Env:         "CALLHOOK_LISTEN",
				Value:       serpent.StringOf(&listen),
			},
		},
		Handler: func(i *serpent.Invocation) error {
			logger := r.Logger(i)

			config, err := LoadServeConfig(configPath)
			if err != nil {
				logger.Error().Err(err).Str("config", configPath).Msg("load config")
				return err
			}
			if listen != "" {
				config.Listen = listen
			}

			return Serve(i.Context(), config, logger)
		},
	}
}

// Serve runs the ingest and metrics server until ctx is done.
func Serve(ctx context.Context, config ServeConfig, logger zerolog.Logger) error {
	session := hook.New(hook.Options{
		Logger: logger.With().Str("service", "session").Logger(),
	})
	if config.AutoStart {
		session.Start(config.ObscureAnonymous)
	}

	socket := hooksocket.New(logger.With().Str("service", "hooksocket").Logger(), session, config.Socket, config.ConstLabels)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collector.New(logger.With().Str("service", "collector").Logger(), session, config.MetricsNamespace, config.ConstLabels))
	reg.MustRegister(socket)

	mux := http.NewServeMux()
	mux.Handle("/events", socket)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry: reg,
	}))

	srv := &http.Server{
		Addr:              config.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var pusher *profiling.PyroscopePusher
	if config.Pyroscope != nil {
		var err error
		pusher, err = profiling.NewPusher(config.Pyroscope.PusherConfig, logger.With().Str("service", "pyroscope").Logger())
		if err != nil {
			return fmt.Errorf("new pusher: %w", err)
		}
		defer pusher.Stop()
	}

	logger.Info().
		Str("listen", config.Listen).
		Bool("auto_start", config.AutoStart).
		Bool("pyroscope", pusher != nil).
		Msg("serving")

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if pusher != nil {
		group.Go(func() error {
			pushLoop(ctx, session, pusher, config.Pyroscope, logger)
			return nil
		})
	}
	group.Go(func() error {
		<-ctx.Done()
		return shutdown(srv, session, logger)
	})

	return group.Wait()
}

func shutdown(srv *http.Server, session *hook.Session, logger zerolog.Logger) error {
	var merr error
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("shutdown http: %w", err))
	}
	if session.Active() {
		elapsed, err := session.Stop()
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("stop session: %w", err))
		} else {
			logger.Info().Float64("elapsed_s", elapsed.Seconds()).Msg("session stopped on shutdown")
		}
	}
	return merr
}

// pushLoop uploads what the table gained since the previous tick. Each
// upload covers only its own interval so the server's sums add up to the
// session totals.
func pushLoop(ctx context.Context, session *hook.Session, pusher *profiling.PyroscopePusher, cfg *PyroscopeConfig, logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	logger = logger.With().Str("data", "pyroscope").Logger()

	w := &pushWindow{since: time.Now()}
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		pb, n := w.next(session.Items(), time.Now())
		if pb == nil {
			continue
		}
		err := pusher.Push(cfg.AppName, pb)
		if err != nil {
			logger.Error().Err(err).Msg("failed to push profile")
			continue
		}
		logger.Debug().Int("items", n).Msg("push complete")
	}
}

// pushWindow remembers the last pushed snapshot.
type pushWindow struct {
	since time.Time
	prev  []table.Item
}

// next returns the profile of everything gained between the previous call
// and now, or nil when nothing changed.
func (w *pushWindow) next(items []table.Item, now time.Time) (*profile.Profile, int) {
	diff := table.Diff(w.prev, items)
	w.prev = items
	if len(diff) == 0 {
		w.since = now
		return nil, 0
	}

	converter := profiling.New(w.since)
	pb := converter.Convert(diff, clock.FromStd(now.Sub(w.since)))
	w.since = now
	return pb, len(diff)
}
