package main

import (
	"SafetyDetConsole/camera"
	"SafetyDetConsole/config"
	"SafetyDetConsole/dashboard"
	"SafetyDetConsole/detapi"
	grpcsvc "SafetyDetConsole/gRPC"
	"SafetyDetConsole/heartbeat"
	"SafetyDetConsole/httpapi"
	iface "SafetyDetConsole/interface"
	"SafetyDetConsole/journal"
	"SafetyDetConsole/logger"
	"SafetyDetConsole/monitor"
	"SafetyDetConsole/session"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the console config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Println("Safely exited")
}

// run owns every resource of the console so deferred cleanup happens before
// main decides the exit code.
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(cfg.LogMode, cfg.LogLevel); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Log()

	fmt.Println(strings.Repeat("#", 64))
	fmt.Println(" HTTP    Port:", cfg.HTTPPort)
	fmt.Println(" gRPC    Port:", cfg.RPCPort)
	fmt.Println(" Metrics Port:", cfg.MetricsPort)
	fmt.Println(" Detection API:", cfg.DetectionAPI.BaseURL, "timeout", cfg.DetectionTimeout())
	fmt.Println(strings.Repeat("#", 64))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup

	mon := monitor.New()
	client := detapi.New(cfg.DetectionAPI.BaseURL, cfg.DetectionTimeout(), log)
	observers := []session.Observer{mon.Observer()}

	var source iface.FrameSource
	if cfg.Camera.Enabled {
		cam, err := camera.Open(cfg.Camera, log)
		if err != nil {
			fmt.Println(strings.Repeat("!", 64))
			log.Warn("camera unavailable, only uploaded frames can be analysed", zap.Error(err))
			fmt.Println(strings.Repeat("!", 64))
		} else {
			defer cam.Close()
			source = cam
		}
	}

	var history func(context.Context, string, int) (any, error)
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, log)
		if err != nil {
			return fmt.Errorf("failed to open scan journal: %w", err)
		}
		defer j.Close()
		observers = append(observers, j.Observer())
		history = func(ctx context.Context, sessionID string, limit int) (any, error) {
			return j.Recent(ctx, sessionID, limit)
		}
	}

	rpc, err := grpcsvc.StartGRPCServer(cfg.RPCPort, log)
	if err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	prober := heartbeat.New(cfg.DetectionAPI.BaseURL, cfg.HeartbeatInterval(), func(up bool) {
		mon.SetBackendUp(up)
		rpc.SetServing(up)
	}, log)
	wg.Add(1)
	go prober.Run(ctx, &wg)

	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.StartMon(cfg.MetricsPort, ctx)
	}()

	api := httpapi.New(httpapi.Deps{
		Detector:    client,
		Source:      source,
		Health:      client,
		Dashboard:   dashboard.New(client, log),
		Annotate:    camera.Annotate,
		History:     history,
		Observers:   observers,
		IdleTimeout: cfg.SessionIdleTimeout(),
		OnSessions:  func(n int) { mon.ActiveSessions.Set(float64(n)) },
		Log:         log,
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: api.Handler(),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server ListenAndServe error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	api.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server Shutdown error", zap.Error(err))
	}
	rpc.Stop()
	wg.Wait()
	select {
	case err := <-serveErr:
		return fmt.Errorf("HTTP server: %w", err)
	default:
		return nil
	}
}
