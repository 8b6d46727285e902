package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/antoniostano/voicewidget/internal/audio"
	"github.com/antoniostano/voicewidget/internal/config"
	"github.com/antoniostano/voicewidget/internal/httpapi"
	"github.com/antoniostano/voicewidget/internal/observability"
	"github.com/antoniostano/voicewidget/internal/provisioner"
	"github.com/antoniostano/voicewidget/internal/relay"
	"github.com/antoniostano/voicewidget/internal/reliability"
	"github.com/antoniostano/voicewidget/internal/session"
	"github.com/antoniostano/voicewidget/internal/widget"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Relay    *relay.Relay
	Sessions session.Store
	Widgets  widget.Store
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	// Open connections are drained before the stores close, bounded by ctx.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	sessions, err := session.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}
	widgets, err := widget.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = sessions.Close()
		return nil, fmt.Errorf("widget store init failed: %w", err)
	}

	var sink audio.Sink = audio.NewLogSink(log)
	if cfg.AudioDumpDir != "" {
		rec, err := audio.NewRecorder(cfg.AudioDumpDir, cfg.AudioSampleRate, 0, log)
		if err != nil {
			_ = widgets.Close()
			_ = sessions.Close()
			return nil, err
		}
		sink = rec
	}

	if cfg.RetellAPIKey == "" {
		log.Warn().Msg("RETELL_API_KEY is not set; every start_session will fail")
	}
	prov := provisioner.NewClient(provisioner.Options{
		BaseURL: cfg.RetellBaseURL,
		Path:    cfg.RetellCreateCallPath,
		APIKey:  cfg.RetellAPIKey,
		Timeout: cfg.ProviderTimeout,
	})

	rl := relay.New(relay.Options{
		Sessions:    sessions,
		Provisioner: prov,
		Sink:        sink,
		Metrics:     metrics,
		Logger:      log,
		Retry: reliability.Policy{
			MaxRetries: cfg.ProviderMaxRetries,
			BaseDelay:  cfg.ProviderRetryBase,
			MaxDelay:   cfg.ProviderTimeout,
		},
	})

	api := httpapi.New(cfg, sessions, widgets, rl, metrics, log)

	cleanup := func(ctx context.Context) error {
		drainErr := rl.Shutdown(ctx)
		if drainErr != nil {
			log.Warn().Err(drainErr).Int("open_connections", rl.OpenConnections()).Msg("connections still settling at store close")
		}
		return errors.Join(drainErr, widgets.Close(), sessions.Close())
	}

	log.Info().
		Str("session_store", sessions.Mode()).
		Bool("audio_recording", cfg.AudioDumpDir != "").
		Msg("voice widget relay built")

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Relay:    rl,
		Sessions: sessions,
		Widgets:  widgets,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
