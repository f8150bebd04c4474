// # cmd/fxd/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charlpcronje/FXD-sub007/internal/config"
	"github.com/charlpcronje/FXD-sub007/internal/core/app"
	"github.com/charlpcronje/FXD-sub007/internal/core/ports"
	"github.com/charlpcronje/FXD-sub007/internal/data/wal"
	"github.com/charlpcronje/FXD-sub007/internal/shared/observability"
)

var (
	configPath = flag.String("config", "./fxd.toml", "Path to config file")
	once       = flag.Bool("once", false, "Print a status report and exit")
	tail       = flag.Bool("tail", false, "Follow the log read-only and print signals as they commit")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	version    = flag.Bool("version", false, "Print version and exit")
)

const VERSION = "1.0.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("fxd v%s\n", VERSION)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *tail {
		if err := runTail(ctx, cfg); err != nil && ctx.Err() == nil {
			slog.Error("tail failed", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Observability.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	a, err := app.Open(cfg)
	if err != nil {
		slog.Error("failed to open store", "dataDir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	if *once {
		printStatus(a.Check(ctx))
		if err := a.Close(ctx); err != nil {
			slog.Error("close failed", "error", err)
			os.Exit(1)
		}
		return
	}

	var obs *observability.Server
	if cfg.Observability.Addr != "" {
		obs = observability.NewServer(cfg.Observability.Addr, healthHandler(a))
		obs.Start()
	}

	go a.Run(ctx)
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if obs != nil {
		_ = obs.Shutdown(shutdownCtx)
	}
	if err := a.Close(shutdownCtx); err != nil {
		slog.Error("close failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig falls back to built-in defaults when the default config path
// does not exist; an explicitly named file must exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if os.IsNotExist(err) && path == "./fxd.toml" {
		slog.Info("no config file, using defaults")
		return config.Default(), nil
	}
	return nil, err
}

func printStatus(hs ports.HealthStatus) {
	out, err := json.MarshalIndent(hs, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to render status: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

func healthHandler(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hs := a.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if hs.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(hs)
	}
}

// runTail follows the WAL of a store owned by another process and prints
// every committed signal, one JSON object per line.
func runTail(ctx context.Context, cfg *config.Config) error {
	dir := filepath.Join(cfg.DataDir, "wal")
	f := wal.NewFollower(dir, 0)
	enc := json.NewEncoder(os.Stdout)
	return f.Run(ctx, func(rec wal.Record) error {
		if rec.Type != wal.TypeSignal {
			return nil
		}
		sig, err := wal.DecodeSignal(rec.Seq, rec.Payload)
		if err != nil {
			return err
		}
		return enc.Encode(map[string]any{
			"index": sig.Index,
			"seq":   sig.Seq,
			"ts":    sig.Time.Format(time.RFC3339Nano),
			"kind":  sig.Kind.String(),
			"node":  string(sig.Node),
			"base":  uint64(sig.Base),
			"new":   uint64(sig.New),
		})
	})
}
