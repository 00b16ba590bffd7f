package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"golang.org/x/sync/errgroup"

	"github.com/swarmshard/blockserver/internal/backend"
	"github.com/swarmshard/blockserver/internal/cache"
	"github.com/swarmshard/blockserver/internal/config"
	"github.com/swarmshard/blockserver/internal/logger"
	"github.com/swarmshard/blockserver/internal/monitoring"
	"github.com/swarmshard/blockserver/internal/policy"
	"github.com/swarmshard/blockserver/internal/pool"
	"github.com/swarmshard/blockserver/internal/server"
	"github.com/swarmshard/blockserver/internal/tensor"
	"github.com/swarmshard/blockserver/internal/transport"
)

var (
	listenAddr  = flag.String("listen", "0.0.0.0:3000", "Flight server address")
	metricsAddr = flag.String("metrics", "0.0.0.0:9090", "Prometheus metrics address")
	logLevel    = flag.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	logFormat   = flag.String("log-format", "console", "Log format (console, json)")

	blockStart = flag.Int("block-start", 0, "First hosted block id (inclusive)")
	blockEnd   = flag.Int("block-end", 1, "Last hosted block id (exclusive)")

	hiddenSize = flag.Int("hidden-size", 4096, "Model hidden size")
	numHeads   = flag.Int("num-heads", 32, "Attention head count")
	numKVHeads = flag.Int("num-kv-heads", 8, "Key/value head count")
	maxLength  = flag.Int("max-length", 2048, "Maximum cached sequence length")

	maxBatchSize  = flag.Int("max-batch-size", 8, "Maximum tasks per batch")
	maxBatchBytes = flag.Int64("max-batch-bytes", 0, "Byte budget per batch (0 = unlimited)")
	maxChunkBytes = flag.Int64("max-chunk-bytes", 256<<20, "Per-step memory ceiling driving chunking")
	cacheBytes    = flag.Int64("cache-bytes", 1<<30, "Total attention cache arena bytes")
	spillDir      = flag.String("spill-dir", "", "Directory for disk-tier cache regions (default OS temp)")

	allocTimeout = flag.Duration("alloc-timeout", 30*time.Second, "Cache allocation timeout")
	idleTimeout  = flag.Duration("session-idle-timeout", 5*time.Minute, "Idle session expiry")
	starvation   = flag.Duration("starvation-horizon", 10*time.Second, "Task starvation promotion horizon")

	cacheGPUPercent = flag.Float64("cache-gpu-percent", 100, "Cache share on accelerator memory")
	cacheCPUPercent = flag.Float64("cache-cpu-percent", 0, "Cache share on host memory")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log.Named("main")

	pol := policy.Default()
	pol.CacheGPUPercent = *cacheGPUPercent
	pol.CacheCPUPercent = *cacheCPUPercent
	if err := pol.Validate(); err != nil {
		log.Error("invalid placement policy", "error", err)
		os.Exit(1)
	}

	model := config.Model{
		HiddenSize: *hiddenSize,
		NumHeads:   *numHeads,
		NumKVHeads: *numKVHeads,
		HeadDim:    *hiddenSize / *numHeads,
		MaxLength:  *maxLength,
	}
	if err := model.Validate(); err != nil {
		log.Error("invalid model shape", "error", err)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.BlockStart = *blockStart
	cfg.BlockEnd = *blockEnd
	cfg.MaxBatchSize = *maxBatchSize
	cfg.MaxBatchBytes = *maxBatchBytes
	cfg.MaxChunkBytes = *maxChunkBytes
	cfg.CacheBytes = *cacheBytes
	cfg.SpillDir = *spillDir
	cfg.AllocTimeout = *allocTimeout
	cfg.SessionIdleTimeout = *idleTimeout
	cfg.StarvationHorizon = *starvation
	cfg.ListenAddr = *listenAddr
	cfg.MetricsAddr = *metricsAddr
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	alloc := cache.NewAllocator(cfg.CacheBytes, pol, cfg.SpillDir)
	poolCfg := pool.Config{
		MaxBatchSize:      cfg.MaxBatchSize,
		MaxBatchBytes:     cfg.MaxBatchBytes,
		StarvationHorizon: cfg.StarvationHorizon,
	}

	backends := make(map[int]*backend.Backend, cfg.NumBlocks())
	byUID := make(map[string]*backend.Backend, cfg.NumBlocks())
	for id := cfg.BlockStart; id < cfg.BlockEnd; id++ {
		name := fmt.Sprintf("block%d", id)
		strategy := backend.NewLinearStrategy(model, int64(id))
		b := backend.New(name, id, model, strategy, tensor.F16, cfg.MaxChunkBytes, poolCfg)
		backends[id] = b
		byUID[name] = b
	}

	merged, err := backend.MergeInferencePools(byUID, poolCfg)
	if err != nil {
		log.Error("merging inference pools", "error", err)
		os.Exit(1)
	}
	if err := merged.Start(); err != nil {
		log.Error("starting merged pool", "error", err)
		os.Exit(1)
	}
	for _, b := range backends {
		if err := b.StartPools(); err != nil {
			log.Error("starting pools", "backend", b.Name, "error", err)
			os.Exit(1)
		}
	}

	sessions := server.NewSessionManager(alloc, server.Descriptors(backends), cfg.AllocTimeout, cfg.SessionIdleTimeout)
	handler := server.NewHandler(cfg, backends, merged, sessions)

	fs := flight.NewServerWithMiddleware(nil)
	fs.RegisterFlightService(transport.NewFlightHandler(handler))
	if err := fs.Init(cfg.ListenAddr); err != nil {
		log.Error("binding flight server", "addr", cfg.ListenAddr, "error", err)
		os.Exit(1)
	}

	monitor := monitoring.NewMonitor(monitoring.Probes{
		QueueDepths: handler.QueueDepths,
		CacheUsage: func() map[string]monitoring.TierUsage {
			out := make(map[string]monitoring.TierUsage)
			for tier, u := range alloc.Usage() {
				out[tier] = monitoring.TierUsage{CapacityBytes: u[0], UsedBytes: u[1]}
			}
			return out
		},
		Sessions: sessions.Count,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("flight server listening", "addr", cfg.ListenAddr,
			"blocks", fmt.Sprintf("[%d, %d)", cfg.BlockStart, cfg.BlockEnd))
		return fs.Serve()
	})
	g.Go(func() error {
		return monitor.Start(cfg.MetricsAddr)
	})
	g.Go(func() error {
		return sessions.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		fs.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = monitor.Shutdown(shutdownCtx)
		handler.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}
