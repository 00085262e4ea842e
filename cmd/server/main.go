package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"audio-delivery/internal/abr"
	"audio-delivery/internal/api"
	"audio-delivery/internal/cache"
	"audio-delivery/internal/catalog"
	"audio-delivery/internal/events"
	"audio-delivery/internal/platform/config"
	"audio-delivery/internal/platform/logger"
	"audio-delivery/internal/platform/metrics"
	"audio-delivery/internal/quality"
	"audio-delivery/internal/stream"
	"audio-delivery/internal/transcode"
)

const (
	shutdownTimeout  = 10 * time.Second
	redisPingTimeout = 3 * time.Second
)

func main() {
	_ = config.Load()
	s := config.LoadSettings()

	log := logger.New(logger.Options{
		Level:     s.LogLevel,
		Format:    s.LogFormat,
		AddSource: s.LogSource,
		Service:   "audio-delivery",
	})

	defaultQuality, err := quality.Parse(s.ABRDefaultQuality)
	if err != nil {
		log.Error("invalid ABR_DEFAULT_QUALITY", "error", err)
		os.Exit(1)
	}

	store, err := loadCatalog(s.CatalogFile, log)
	if err != nil {
		log.Error("catalog load failed", "path", s.CatalogFile, "error", err)
		os.Exit(1)
	}

	var (
		remote      cache.Tier
		redisClient *redis.Client
	)
	if s.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
		})
		tier := cache.NewRedisTier(redisClient, s.RedisPrefix)
		pingCtx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		if err := tier.Ping(pingCtx); err != nil {
			log.Warn("redis unreachable, distributed cache tier will degrade until it recovers",
				"addr", s.RedisAddr, "error", err)
		}
		cancel()
		remote = tier
	}

	cacheMgr, err := cache.New(cache.Config{
		MemoryEntries: s.CacheMemoryEntries,
		Dir:           s.CacheDir,
		MaxDiskBytes:  s.CacheMaxBytes,
	}, remote, log)
	if err != nil {
		log.Error("cache init failed", "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	bus := events.NewBus()
	bus.Subscribe(events.Forward(met))

	ctrl := abr.NewController(abr.Config{
		SampleWindow:    s.ABRSampleWindow,
		MinSamples:      s.ABRMinSamples,
		Cooldown:        s.ABRCooldown,
		EmergencyBuffer: s.ABREmergencyBuffer,
		MaxBuffer:       s.ABRMaxBuffer,
		UpgradeMargin:   s.ABRUpgradeMargin,
		SafetyMargin:    s.ABRSafetyMargin,
		IdleTimeout:     s.ABRIdleTimeout,
		DefaultQuality:  defaultQuality.Name,
	}, bus, log)

	mgr := stream.NewManager(stream.Config{
		SegmentDuration:         s.SegmentDuration,
		MaxStreams:              s.MaxStreams,
		MaxStreamsPerListener:   s.MaxStreamsPerUser,
		FetchTimeout:            s.FetchTimeout,
		TranscodeTimeout:        s.TranscodeTimeout,
		IdleTimeout:             s.StreamIdleTimeout,
		PrefetchSegments:        s.PrefetchSegments,
		MaxConcurrentTranscodes: s.MaxConcurrentTranscodes,
	}, stream.Deps{
		Catalog:    store,
		Advisor:    ctrl,
		Cache:      cacheMgr,
		Transcoder: transcode.NewFFmpeg(s.FFmpegPath),
		Bus:        bus,
		Log:        log,
	})

	h := api.NewHandler(mgr, ctrl, cacheMgr, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveStreams(mgr.ActiveStreamCount())
			met.SetListeners(ctrl.Stats().Listeners)
			cs := cacheMgr.Stats()
			met.SetCacheStats(metrics.CacheSnapshot{
				Hits:          cs.Hits,
				Misses:        cs.Misses,
				Evictions:     cs.Evictions + cs.MemoryEvictions,
				MemoryEntries: cs.MemoryEntries,
				DiskEntries:   cs.DiskEntries,
				DiskBytes:     cs.DiskBytes,
			})
		}).ServeHTTP(w, r)
	})
	h.Routes(r)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(bgCtx)
	g.Go(func() error { cacheMgr.Run(gctx); return nil })
	g.Go(func() error { ctrl.Run(gctx); return nil })
	g.Go(func() error { mgr.Run(gctx); return nil })

	addr := ":" + s.Port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", s.Port,
		"segment_duration", s.SegmentDuration.String(),
		"max_streams", s.MaxStreams,
		"cache_dir", s.CacheDir,
		"redis", s.RedisAddr != "",
		"tracks", store.Len(),
		"log_level", s.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)

	exitCode := 0
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		exitCode = 1
	}

	mgr.Shutdown(ctx)
	stopBackground()
	_ = g.Wait()

	if err := cacheMgr.Close(); err != nil {
		log.Error("cache close failed", "error", err)
		exitCode = 1
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	cancel()

	log.Info("server stopped")
	os.Exit(exitCode)
}

// loadCatalog reads the track catalog file. A missing file yields an empty
// catalog so the server can start without one.
func loadCatalog(path string, log *slog.Logger) (*catalog.InMemoryStore, error) {
	store, err := catalog.LoadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("catalog file not found, starting with an empty catalog", "path", path)
		return catalog.NewInMemoryStore(), nil
	}
	return store, err
}
