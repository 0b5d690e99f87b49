package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"yieldpass/config"
	"yieldpass/core/events"
	"yieldpass/crypto"
	"yieldpass/native/adapter/aethir"
	"yieldpass/native/adapter/sophon"
	"yieldpass/native/adapter/xai"
	"yieldpass/native/yieldpass"
	"yieldpass/observability/logging"
	"yieldpass/rpc"
	"yieldpass/state"
	"yieldpass/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("YIELDPASS_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var logOpts *logging.Options
	if strings.TrimSpace(cfg.LogFile) != "" {
		logOpts = &logging.Options{FilePath: cfg.LogFile}
	}
	logger := logging.Setup("yieldpassd", env, logOpts)

	adminAddr, err := crypto.DecodeAddress(cfg.AdminAddress)
	if err != nil {
		logger.Error("Invalid AdminAddress", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	engine := yieldpass.NewEngine()
	engine.SetBackend(state.NewStore(db))
	engine.SetAdmin(adminAddr.Array())
	engine.SetDomain(yieldpass.PermitDomain(cfg.Instance))
	engine.SetEmitter(eventLogger{logger: logger})

	if err := registerAdapters(engine, cfg); err != nil {
		logger.Error("Failed to register adapters", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("starting metrics server", slog.String("addr", cfg.MetricsAddress))
		if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	server := rpc.NewServer(engine, logger)
	logger.Info("registry ready",
		slog.String("instance", cfg.Instance),
		slog.String("admin", adminAddr.String()),
	)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func registerAdapters(engine *yieldpass.Engine, cfg *config.Config) error {
	if cfg.Adapters.Aethir.Enabled {
		oracle, err := crypto.DecodeAddress(cfg.Adapters.Aethir.OracleAddress)
		if err != nil {
			return fmt.Errorf("aethir oracle address: %w", err)
		}
		a := aethir.New(
			oracle.Array(),
			time.Duration(cfg.Adapters.Aethir.ClaimCliffSeconds)*time.Second,
			time.Duration(cfg.Adapters.Aethir.UnbondingSeconds)*time.Second,
		)
		if err := engine.RegisterAdapter(a); err != nil {
			return err
		}
	}
	if cfg.Adapters.XAI.Enabled {
		a := xai.New(cfg.Adapters.XAI.Pools, time.Duration(cfg.Adapters.XAI.UnbondingSeconds)*time.Second)
		if err := engine.RegisterAdapter(a); err != nil {
			return err
		}
	}
	if cfg.Adapters.Sophon.Enabled {
		if err := engine.RegisterAdapter(sophon.New()); err != nil {
			return err
		}
	}
	return nil
}

// eventLogger surfaces engine events in the structured log so operators can
// follow market activity without a separate feed.
type eventLogger struct {
	logger *slog.Logger
}

func (l eventLogger) Emit(emitted events.Emitted) {
	evt, ok := emitted.(*events.Event)
	if !ok || evt == nil {
		return
	}
	attrs := make([]any, 0, len(evt.Attributes)+1)
	attrs = append(attrs, slog.String("event", evt.Type))
	for key, value := range evt.Attributes {
		attrs = append(attrs, slog.String(key, value))
	}
	l.logger.Info("registry event", attrs...)
}
