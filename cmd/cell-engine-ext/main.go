// Command cell-engine-ext mirrors flow-cytometry experiments from the
// CellEngine analytics service into an S3 bucket and writes a
// consolidated annotation spreadsheet alongside them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marchshares/cell-engine-ext/internal/cellengine"
	"github.com/marchshares/cell-engine-ext/internal/config"
	"github.com/marchshares/cell-engine-ext/internal/export"
	"github.com/marchshares/cell-engine-ext/internal/metrics"
	storage "github.com/marchshares/cell-engine-ext/internal/storage/s3"
	"github.com/marchshares/cell-engine-ext/pkg/utils"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cell-engine-ext: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to YAML configuration file")
		dryRun      = flag.Bool("dry-run", false, "log store mutations instead of performing them")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if *dryRun {
		cfg.Global.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	logger.Infof("cell-engine-ext %s starting", version)
	if cfg.Global.DryRun {
		logger.Warn("dry-run mode: store mutations will be logged, not performed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled: cfg.Global.MetricsPort > 0,
		Port:    cfg.Global.MetricsPort,
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = collector.Stop(shutdownCtx)
	}()

	gateway, err := newGateway(ctx, cfg, logger, collector)
	if err != nil {
		return err
	}

	client, err := cellengine.NewClient(cellengine.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
	}, logger, collector)
	if err != nil {
		return err
	}

	exporter, err := export.New(client, gateway, cfg.Export, logger, collector)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := exporter.Run(ctx); err != nil {
		return err
	}
	logger.Infof("export finished in %s", time.Since(start).Round(time.Second))
	return nil
}

func newLogger(cfg *config.Configuration) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(cfg.Global.LogLevel)
	if err != nil {
		return nil, err
	}

	loggerCfg := &utils.StructuredLoggerConfig{
		Level:  level,
		Output: os.Stdout,
	}
	if cfg.Global.LogFile != "" {
		loggerCfg.Rotation = &utils.RotationConfig{
			Filename:   cfg.Global.LogFile,
			MaxSize:    cfg.Global.LogMaxSizeMB,
			MaxBackups: cfg.Global.LogMaxBackups,
			Compress:   cfg.Global.LogCompress,
		}
	}
	return utils.NewStructuredLogger(loggerCfg)
}

func newGateway(ctx context.Context, cfg *config.Configuration, logger *utils.StructuredLogger, collector *metrics.Collector) (*storage.Gateway, error) {
	var threshold, chunkSize int64
	var err error
	if cfg.Storage.MultipartThreshold != "" {
		if threshold, err = utils.ParseBytes(cfg.Storage.MultipartThreshold); err != nil {
			return nil, err
		}
	}
	if cfg.Storage.MultipartChunkSize != "" {
		if chunkSize, err = utils.ParseBytes(cfg.Storage.MultipartChunkSize); err != nil {
			return nil, err
		}
	}

	return storage.NewGateway(ctx, cfg.Storage.Bucket, &storage.Config{
		Region:             cfg.Storage.Region,
		Endpoint:           cfg.Storage.Endpoint,
		AccessKeyID:        cfg.Storage.AccessKeyID,
		SecretAccessKey:    cfg.Storage.SecretAccessKey,
		SessionToken:       cfg.Storage.SessionToken,
		ForcePathStyle:     cfg.Storage.ForcePathStyle,
		UseAccelerate:      cfg.Storage.UseAccelerate,
		StorageClass:       cfg.Storage.StorageClass,
		MaxRetries:         cfg.Storage.MaxRetries,
		ConnectTimeout:     cfg.Storage.ConnectTimeout,
		RequestTimeout:     cfg.Storage.RequestTimeout,
		Concurrency:        cfg.Storage.Concurrency,
		MultipartThreshold: threshold,
		MultipartChunkSize: chunkSize,
		OptimizedUpload:    cfg.Storage.OptimizedUpload,
		TargetThroughput:   cfg.Storage.TargetThroughput,
		MoveObjectCap:      cfg.Storage.MoveObjectCap,
		DeleteObjectCap:    cfg.Storage.DeleteObjectCap,
		DryRun:             cfg.Global.DryRun,
	}, logger, collector)
}
