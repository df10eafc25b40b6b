package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	cachepit "github.com/cachepit/cachepit"
	"github.com/cachepit/cachepit/cache"
	"github.com/cachepit/cachepit/client"
	"github.com/cachepit/cachepit/config"
	"github.com/cachepit/cachepit/metrics"
	"github.com/cachepit/cachepit/s3ops"
	"github.com/cachepit/cachepit/server"
	"github.com/cachepit/cachepit/sigv4"
	"github.com/cachepit/cachepit/webhook"
)

// version is set at build time.
var version = "dev"

func main() {
	var (
		configFile        string
		regenerate        bool
		generateIfMissing bool
	)

	cmd := &cobra.Command{
		Use:           "cachepit",
		Short:         "Caching reverse proxy for S3-compatible object storage",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if regenerate {
				path, err := config.Generate(configFile, true)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
				return nil
			}
			if generateIfMissing {
				if written, err := config.GenerateIfMissing(configFile); err != nil {
					return err
				} else if written {
					fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configFile)
				}
			}
			return run(cmd.Context(), configFile)
		},
	}

	bindFlags(cmd.Flags(), &configFile, &regenerate, &generateIfMissing)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func bindFlags(flags *pflag.FlagSet, configFile *string, regenerate, generateIfMissing *bool) {
	flags.StringVar(configFile, "config-file", "config.toml", "Path to the TOML configuration file")
	flags.BoolVar(regenerate, "regenerate", false, "Write a fresh default configuration file and exit")
	flags.BoolVar(generateIfMissing, "generate-if-missing", false, "Write a default configuration file if none exists, then start")
	flags.SortFlags = false
}

func run(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	m := metrics.New()

	upstream, err := client.New(client.Config{
		EndpointURL:             cfg.Client.EndpointURL,
		ForcePathStyle:          cfg.Client.ForcePathStyle,
		EnableHTTP2:             cfg.Client.EnableHTTP2,
		Insecure:                cfg.Client.Insecure,
		ConnectTimeout:          config.Millis(cfg.Client.ConnectTimeout),
		ReadTimeout:             config.Millis(cfg.Client.ReadTimeout),
		OperationTimeout:        config.Millis(cfg.Client.OperationTimeout),
		OperationAttemptTimeout: config.Millis(cfg.Client.OperationAttemptTimeout),
		MaxRetryAttempts:        cfg.Client.MaxRetryAttempts,
		Credentials: sigv4.Credentials{
			AccessKeyID: cfg.Client.Credentials.AccessKeyID,
			SecretKey:   cfg.Client.Credentials.SecretKey,
		},
		Region:  cfg.Client.Region,
		Logger:  &logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	middlewares, err := buildMiddlewares(cfg, upstream.AccessKeyID(), &logger, m)
	if err != nil {
		return err
	}

	pipeline := cachepit.NewPipeline(cachepit.PipelineConfig{
		Client:      upstream,
		Middlewares: middlewares,
		Logger:      &logger,
	})
	defer pipeline.Close()

	var validator *sigv4.Validator
	if cfg.Server.ValidateCredentials {
		validator = sigv4.NewValidator(sigv4.Credentials{
			AccessKeyID: cfg.Server.Credentials.AccessKeyID,
			SecretKey:   cfg.Server.Credentials.SecretKey,
		})
	} else {
		logger.Warn().Msg("Credential validation is off; all callers act with the upstream credentials")
	}

	srv := server.New(server.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		BaseDomain: cfg.Server.BaseDomain,
		Validator:  validator,
		Handler:    pipeline.Handler(),
		Logger:     &logger,
	})
	hook := webhook.New(webhook.Config{
		Host:    cfg.Webhook.Host,
		Port:    cfg.Webhook.Port,
		Bus:     pipeline.Bus(),
		Metrics: m,
		Logger:  &logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() { errCh <- srv.Run(runCtx) }()
	go func() { errCh <- hook.Run(runCtx) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

func buildMiddlewares(cfg config.Config, accountScope string, logger *zerolog.Logger, m *metrics.Metrics) ([]cachepit.Middleware, error) {
	var middlewares []cachepit.Middleware
	for i, mw := range cfg.Middlewares {
		switch mw.Type {
		case "identity":
			middlewares = append(middlewares, cachepit.Identity{})
		case "cache":
			capacity, err := mw.CacheSizeBytes()
			if err != nil {
				return nil, fmt.Errorf("middlewares[%d]: %w", i, err)
			}
			maxEntry, err := mw.MaxEntrySizeBytes()
			if err != nil {
				return nil, fmt.Errorf("middlewares[%d]: %w", i, err)
			}
			ops := make(map[s3ops.Tag]cache.OpPolicy, len(mw.Ops))
			for name, opCfg := range mw.Ops {
				tag, ok := s3ops.ParseTag(name)
				if !ok || tag == s3ops.Other {
					logger.Warn().Str("op", name).Msg("Ignoring unknown operation in cache config")
					continue
				}
				enabled := true
				if opCfg.Enabled != nil {
					enabled = *opCfg.Enabled
				}
				ops[tag] = cache.OpPolicy{
					Enabled: enabled,
					TTL:     config.Millis(opCfg.TTL),
					TTI:     config.Millis(opCfg.TTI),
				}
			}
			middlewares = append(middlewares, cache.New(cache.Config{
				Policy: cache.Policy{
					Capacity:     capacity,
					MaxEntrySize: maxEntry,
					TTL:          config.Millis(mw.TTL),
					TTI:          config.Millis(mw.TTI),
					Ops:          ops,
				},
				AccountScope: accountScope,
				Logger:       logger,
				Metrics:      m,
			}))
		default:
			return nil, fmt.Errorf("middlewares[%d]: unsupported type %q", i, mw.Type)
		}
	}
	return middlewares, nil
}
