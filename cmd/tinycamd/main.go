// Command tinycamd is the single-host camera worker: it supervises an
// external encoder, caches a replayable init segment, fans the live byte
// stream out to authenticated WebSocket clients, and drives the
// out-of-scope archival/control/metrics collaborators around that core.
// Grounded on the teacher's server/main.go startup sequence (flag parsing,
// signal.NotifyContext shutdown, mux wiring).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tinycam/internal/broadcast"
	"tinycam/internal/config"
	"tinycam/internal/control"
	"tinycam/internal/devicelock"
	"tinycam/internal/encoder"
	"tinycam/internal/initcache"
	"tinycam/internal/keys"
	"tinycam/internal/metrics"
	"tinycam/internal/segwriter"
	"tinycam/internal/stream"
)

func main() {
	configPath := flag.String("config", "tinycam.yaml", "path to the worker's YAML config file")
	deviceID := flag.String("device", "default", "device identifier used for the cross-process arbitration lock")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("tinycamd: loading config: %v", err)
	}

	lock, err := devicelock.Acquire(*deviceID)
	if err != nil {
		log.Fatalf("tinycamd: device lock: %v", err)
	}
	defer lock.Release()

	ks, err := keys.NewStore(cfg.KeyFile)
	if err != nil {
		log.Fatalf("tinycamd: loading keys: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := ks.Watch(ctx, func(m *keys.Material) {
		log.Printf("tinycamd: key material reloaded")
	}); err != nil {
		log.Printf("tinycamd: key watch disabled: %v", err)
	}

	cache := initcache.New(cacheKind(cfg.Encoder.Container))
	bc := broadcast.New(cfg.Queue.Capacity)
	reg := metrics.New()

	sup := encoder.New(cfg.Encoder, cache, bc)
	sup.Start()
	defer sup.Stop()

	streamSrv := stream.NewServer(ks, cache, bc, cfg.Timeouts, cfg.Queue, func() stream.StreamParams {
		return stream.StreamParams{
			Width:  cfg.Encoder.Width,
			Height: cfg.Encoder.Height,
			FPS:    cfg.Encoder.FPS,
			Codec:  cfg.Encoder.Codec,
		}
	})

	segWriter := segwriter.New(bc, cfg.Segments.RecordingsDir, cfg.Segments.SegmentDurationDur, cfg.Segments.RetentionAgeDur)
	segStop := make(chan struct{})
	go func() {
		if err := segWriter.Run(segStop); err != nil {
			log.Printf("tinycamd: segwriter exited: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/stream", streamSrv)
	control.NewPlane(mux, ks, sup, *configPath, func(path string) {
		*cfg = *config.Reload(path, cfg)
	})

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: mux}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: reg.Handler()}

	go pollSupervisorMetrics(ctx, sup, bc, cache, reg)

	go func() {
		log.Printf("tinycamd: control/stream listening on %s", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("tinycamd: http server error: %v", err)
		}
	}()
	go func() {
		log.Printf("tinycamd: metrics listening on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("tinycamd: metrics server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("tinycamd: shutting down")

	streamSrv.CloseAll()
	close(segStop)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownCloseBudgetDur+2*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}

func cacheKind(container string) initcache.Kind {
	switch container {
	case "mkv", "matroska", "webm":
		return initcache.KindCluster
	default:
		return initcache.KindBox
	}
}

// pollSupervisorMetrics periodically copies live state into the Prometheus
// gauges; a poll loop is simpler and safer here than threading Registry
// references through the supervisor/broadcaster internals.
func pollSupervisorMetrics(ctx context.Context, sup *encoder.Supervisor, bc *broadcast.Broadcaster, cache *initcache.Cache, reg *metrics.Registry) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	var lastSpawns int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.SubscriberCount.Set(float64(bc.SubscriberCount()))
			reg.DroppedTotal.Set(float64(bc.TotalDropped()))
			reg.EncoderPid.Set(float64(sup.CurrentPid()))
			if spawns := sup.SpawnCount(); spawns > lastSpawns {
				reg.RestartsTotal.Add(float64(spawns - lastSpawns))
				lastSpawns = spawns
			}
			if len(cache.Snapshot()) > 0 {
				reg.InitCacheReady.Set(1)
			} else {
				reg.InitCacheReady.Set(0)
			}
		}
	}
}
