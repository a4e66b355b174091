package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/remoteterm/gateway/internal/config"
	"github.com/remoteterm/gateway/internal/k8s"
	"github.com/remoteterm/gateway/internal/netadapt"
	"github.com/remoteterm/gateway/internal/relay"
	"github.com/remoteterm/gateway/internal/server"
	"github.com/remoteterm/gateway/internal/session"
	"github.com/remoteterm/gateway/internal/telemetry"
)

func main() {
	logger := log.New(os.Stdout, "termgateway ", log.LstdFlags|log.LUTC)

	cfg, path, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	if path != "" {
		logger.Printf("loaded config from %s", path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var checker session.PodChecker
	if cfg.Kubernetes.VerifyPodBeforeExec {
		client, err := k8s.NewClient(cfg.Kubernetes)
		if err != nil {
			logger.Fatalf("k8s client error: %v", err)
		}
		checker = k8s.NewChecker(client, cfg.Kubernetes.Namespace)
	}

	var rel *relay.Relay
	if cfg.Relay.Enabled {
		rel, err = relay.New(ctx, cfg.Relay)
		if err != nil {
			logger.Printf("relay disabled: %v", err)
			rel = nil
		} else {
			logger.Printf("relay enabled via redis stream prefix %s", cfg.Relay.StreamPrefix)
		}
	}

	table := session.NewTable(sessionConfig(cfg), checker)
	if rel != nil {
		table.SetMirror(rel)
	}

	go table.RunSweep(ctx,
		time.Duration(cfg.Session.SweepIntervalSeconds)*time.Second,
		time.Duration(cfg.Session.MaxIdleSeconds)*time.Second,
	)

	recorder := telemetry.New()
	perfInterval := 60 * time.Second
	if cfg.Server.DebugPerf {
		perfInterval = 10 * time.Second
	}
	go recorder.Run(ctx, perfInterval, table)

	srv := server.New(cfg, table, recorder, rel)

	go watchConfig(ctx, logger, path, func(updated *config.Config) {
		srv.UpdateConfig(updated)
	})

	go func() {
		logger.Printf("server listening on %s", cfg.Server.Address)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Printf("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown error: %v", err)
	}

	table.CloseAll()
	if rel != nil {
		rel.Close()
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		KubectlPath:      cfg.Kubernetes.KubectlPath,
		VerifyBeforeExec: cfg.Kubernetes.VerifyPodBeforeExec,
		RingCapacity:     cfg.Session.OutputBufferCapacity,
		ReplayWindow:     time.Duration(cfg.Session.ReplayWindowSeconds) * time.Second,
		NetConfig:        netConfig(cfg.Network),
	}
}

func netConfig(n config.NetworkConfig) netadapt.Config {
	return netadapt.Config{
		FlushThreshold:         n.FlushThresholdBytes,
		MaxDelay:               time.Duration(n.MaxDelayMillis) * time.Millisecond,
		MinDelay:               time.Duration(n.MinDelayMillis) * time.Millisecond,
		RTTSamplesMax:          n.RTTSamplesMax,
		RTTMeasurementInterval: time.Duration(n.RTTMeasurementIntervalMs) * time.Millisecond,
		RTTOutlierFactor:       n.RTTOutlierFactor,
		BandwidthSamplesMax:    n.BandwidthSamplesMax,
		MinBatchSize:           n.MinBatchSizeBytes,
		MaxBatchSize:           n.MaxBatchSizeBytes,
		TargetTransmitTime:     time.Duration(n.TargetTransmitMillis) * time.Millisecond,
		MeasurementTimeout:     time.Duration(n.MeasurementTimeoutMs) * time.Millisecond,
		UnstableThreshold:      n.UnstableThreshold,
		FailThreshold:          n.FailThreshold,
	}
}

func watchConfig(ctx context.Context, logger *log.Logger, path string, onReload func(cfg *config.Config)) {
	if path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("config watcher error: %v", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		logger.Printf("config watcher error: %v", err)
		return
	}
	if err := watcher.Add(path); err != nil {
		logger.Printf("config watcher error: %v", err)
	}

	var mu sync.Mutex
	var timer *time.Timer

	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(500*time.Millisecond, func() {
			updated, err := config.LoadFromPath(path)
			if err != nil {
				logger.Printf("config reload error: %v", err)
				return
			}
			logger.Printf("config reloaded from %s", path)
			onReload(updated)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				scheduleReload()
			}
		case err := <-watcher.Errors:
			if err != nil {
				logger.Printf("config watcher error: %v", err)
			}
		}
	}
}
