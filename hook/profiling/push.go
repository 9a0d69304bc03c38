package profiling

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/pprof/profile"
	"github.com/grafana/pyroscope-go/upstream"
	"github.com/grafana/pyroscope-go/upstream/remote"
	"github.com/rs/zerolog"
)

var _ remote.Logger = (*zerologWrapper)(nil)

type zerologWrapper struct {
	logger zerolog.Logger
}

func (z zerologWrapper) Infof(f string, args ...interface{})  { z.logger.Info().Msgf(f, args...) }
func (z zerologWrapper) Debugf(f string, args ...interface{}) { z.logger.Debug().Msgf(f, args...) }
func (z zerologWrapper) Errorf(f string, args ...interface{}) { z.logger.Error().Msgf(f, args...) }

type PusherConfig struct {
	Address   string        `yaml:"address"`
	AuthToken string        `yaml:"auth_token"`
	TenantID  string        `yaml:"tenant_id"`
	Timeout   time.Duration `yaml:"timeout"`
}

type PyroscopePusher struct {
	Address string
	Remote  *remote.Remote
	Logger  zerolog.Logger
}

func NewPusher(cfg PusherConfig, logger zerolog.Logger) (*PyroscopePusher, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("missing pyroscope address")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second * 20
	}

	rmt, err := remote.NewRemote(remote.Config{
		AuthToken: cfg.AuthToken,
		TenantID:  cfg.TenantID,
		Threads:   1,
		Address:   cfg.Address,
		Timeout:   cfg.Timeout,
		Logger:    &zerologWrapper{logger: logger},
	})
	if err != nil {
		return nil, fmt.Errorf("new remote: %w", err)
	}

	rmt.Start()
	return &PyroscopePusher{
		Address: cfg.Address,
		Remote:  rmt,
		Logger:  logger,
	}, nil
}

func (p *PyroscopePusher) Stop() {
	p.Remote.Stop()
}

// Push queues the profile for upload. Uploads happen in the background.
func (p *PyroscopePusher) Push(name string, pb *profile.Profile) error {
	var buf bytes.Buffer
	err := pb.Write(&buf)
	if err != nil {
		return fmt.Errorf("write proto: %w", err)
	}

	start := time.Unix(0, pb.TimeNanos)
	end := start.Add(time.Duration(pb.DurationNanos))

	p.Remote.Upload(&upstream.UploadJob{
		Name:            name,
		StartTime:       start,
		EndTime:         end,
		SpyName:         "callhook",
		Units:           "nanoseconds",
		AggregationType: "sum",
		Format:          upstream.FormatPprof,
		Profile:         buf.Bytes(),
		SampleTypeConfig: map[string]*upstream.SampleType{
			SampleTypeWall: {
				Units:       "nanoseconds",
				Aggregation: "sum",
				DisplayName: "wall",
				// Every call is measured, nothing is sampled.
				Sampled:    false,
				Cumulative: false,
			},
			SampleTypeCalls: {
				Units:       "count",
				Aggregation: "sum",
				DisplayName: "calls",
				Sampled:     false,
				Cumulative:  false,
			},
		},
	})

	p.Logger.Debug().
		Str("name", name).
		Int("samples", len(pb.Sample)).
		Msg("queued profile upload")
	return nil
}
