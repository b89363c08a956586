package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nanichwdry/videoexpressai/internal/artifacts"
	"github.com/nanichwdry/videoexpressai/internal/config"
	"github.com/nanichwdry/videoexpressai/internal/engine"
	"github.com/nanichwdry/videoexpressai/internal/httpapi"
	"github.com/nanichwdry/videoexpressai/internal/logging"
	"github.com/nanichwdry/videoexpressai/internal/media"
	"github.com/nanichwdry/videoexpressai/internal/store"
	"github.com/nanichwdry/videoexpressai/internal/worker"
)

// app holds everything both commands share. close releases the store and
// any log file.
type app struct {
	cfg    *config.Config
	log    *logrus.Logger
	store  *store.Store
	engine *engine.Service
	// gpu is nil when no endpoint id or api key is configured.
	gpu   httpapi.GPUController
	close func()
}

func loadApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	out, closeOut, err := logOutput(cfg.Logger.Output)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Config{Level: cfg.Logger.Level, Format: cfg.Logger.Format, Output: out})
	if err != nil {
		closeOut()
		return nil, err
	}
	for _, w := range cfg.Warnings() {
		log.WithField("component", "config").Warn(w)
	}

	st, err := store.Open(cfg.Store.Path, store.Options{
		Driver:        cfg.Store.Driver,
		BusyTimeout:   cfg.Store.BusyTimeout,
		RetryAttempts: cfg.Store.RetryAttempts,
		RetryDelay:    cfg.Store.RetryDelay,
		MaxOpenConns:  cfg.Store.MaxOpenConns,
	})
	if err != nil {
		closeOut()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	arts, err := artifacts.New(artifacts.Config{
		Bucket:    cfg.Artifacts.Bucket,
		Region:    cfg.Artifacts.Region,
		Endpoint:  cfg.Artifacts.Endpoint,
		Prefix:    cfg.Artifacts.Prefix,
		LocalRoot: cfg.Media.OutputDir,
	})
	if err != nil {
		st.Close()
		closeOut()
		return nil, err
	}

	router, err := buildRouter(cfg.RunPod)
	if err != nil {
		st.Close()
		closeOut()
		return nil, err
	}

	opts := engine.Options{
		Store:              st,
		Workers:            router,
		Stitcher:           media.NewStitcher(cfg.Media.FFmpegPath, cfg.Media.OutputDir, arts),
		Artifacts:          arts,
		PollInterval:       cfg.Engine.PollInterval,
		PollRetries:        cfg.Engine.PollRetries,
		PollRetryDelay:     cfg.Engine.PollRetryDelay,
		ColdStartThreshold: cfg.Engine.ColdStartThreshold,
		Logger:             log,
	}
	if cfg.Media.ValidateOutputs {
		opts.Validator = media.NewValidator(cfg.Media.FFprobePath, cfg.Media.ProbeTimeout, arts)
	}
	if err := os.MkdirAll(cfg.Media.OutputDir, 0o755); err != nil {
		st.Close()
		closeOut()
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	svc, err := engine.New(opts)
	if err != nil {
		st.Close()
		closeOut()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		log:    log,
		store:  st,
		engine: svc,
		gpu:    buildGPUControl(cfg.RunPod),
		close: func() {
			st.Close()
			closeOut()
		},
	}, nil
}

// buildRouter creates one RunPod client per configured endpoint. Each gets
// its own circuit breaker.
func buildRouter(cfg config.RunPod) (*worker.Router, error) {
	newClient := func(name, endpoint string) (worker.Worker, error) {
		rp, err := worker.NewRunPod(worker.RunPodConfig{
			Name:     name,
			Endpoint: endpoint,
			APIKey:   cfg.APIKey,
			Timeout:  cfg.Timeout,
			Breaker: worker.BreakerConfig{
				MaxRequests:  cfg.Breaker.MaxRequests,
				Interval:     cfg.Breaker.Interval,
				Timeout:      cfg.Breaker.Timeout,
				MinRequests:  cfg.Breaker.MinRequests,
				FailureRatio: cfg.Breaker.FailureRatio,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("runpod %s: %w", name, err)
		}
		return rp, nil
	}

	var fallback worker.Worker
	if cfg.Endpoint != "" {
		w, err := newClient("runpod", cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		fallback = w
	}
	byType := map[string]worker.Worker{}
	for jobType, endpoint := range cfg.Endpoints {
		w, err := newClient("runpod-"+strings.ToLower(jobType), endpoint)
		if err != nil {
			return nil, err
		}
		byType[jobType] = w
	}
	return worker.NewRouter(fallback, byType), nil
}

// buildGPUControl returns a nil interface, not a typed nil, when GPU
// control is not configured.
func buildGPUControl(cfg config.RunPod) httpapi.GPUController {
	g, err := worker.NewGPUControl(worker.GPUConfig{
		GraphQLURL: cfg.GraphQLURL,
		APIKey:     cfg.APIKey,
		EndpointID: cfg.EndpointID,
		Timeout:    cfg.Timeout,
	})
	if err != nil {
		return nil
	}
	return g
}

func logOutput(target string) (io.Writer, func(), error) {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "", "stderr":
		return os.Stderr, func() {}, nil
	case "stdout":
		return os.Stdout, func() {}, nil
	default:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return f, func() { f.Close() }, nil
	}
}
