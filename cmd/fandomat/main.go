// Command fandomat runs the reverse vending machine coordinator: it polls
// the field device over the serial line, drives the sorting state machine,
// and serves the WebSocket endpoint for the classification worker and the
// management application.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abeljaev/fandomat/internal/config"
	"github.com/abeljaev/fandomat/internal/machine"
	"github.com/abeljaev/fandomat/internal/plc"
	"github.com/abeljaev/fandomat/internal/task"
	"github.com/abeljaev/fandomat/internal/vision"
	"github.com/abeljaev/fandomat/internal/wsbus"
	"github.com/abeljaev/fandomat/logger"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	logger.SetLevel(cfg.LoggerLevel())
	log := logger.GetLogger()
	log.Info("starting fandomat",
		"serial", cfg.SerialPath,
		"listen", cfg.ListenAddr(),
		"pollInterval", cfg.PollInterval,
	)

	dev, err := plc.NewClient(plc.ClientConfig{
		Path:             cfg.SerialPath,
		Baud:             cfg.BaudRate,
		Slave:            cfg.SlaveAddress,
		CommandRegister:  cfg.CommandRegister,
		StatusRegister:   cfg.StatusRegister,
		CountersRegister: cfg.CountersRegister,
		Timeout:          cfg.TransactionTimeout,
		Logger:           log,
	})
	if err != nil {
		log.Fatal("open field device", "error", err)
	}
	defer dev.Close()

	gateway := vision.NewGateway(vision.Policy(cfg.WorkerPolicy), cfg.PhotosDir, log)

	poller := plc.NewPoller(dev, cfg.MaxReadFailures, log)

	coord := machine.New(machine.Config{
		ClassificationTimeout: cfg.ClassificationTimeout,
		DumpTimeout:           cfg.DumpTimeout,
		DetectPriority:        cfg.DetectPriority,
	}, dev, gateway, nil, poller.Updates(), log)

	server := wsbus.NewServer(cfg.ListenAddr(), gateway, coord.Commands(), log)
	coord.SetSink(server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := task.NewManager(ctx, log)

	if err := mgr.StartInterval("plc-poller", func() bool {
		poller.Tick()
		return true
	}, cfg.PollInterval, true); err != nil {
		log.Fatal("start poller", "error", err)
	}

	mgr.Start("coordinator", func() bool {
		coord.Run(mgr.Context())
		return false
	})

	mgr.Start("ws-server", func() bool {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("websocket server", "error", err)
		}
		return false
	})

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("websocket shutdown", "error", err)
	}

	mgr.Stop()
	mgr.Wait()

	if err := dev.Close(); err != nil {
		log.Warn("close field device", "error", err)
	}

	os.Exit(0)
}
