// beseda serves the pub/sub routing engine over Server-Sent Events and WebSocket.
//
// Both transports share one Router, so a client connected over SSE receives the
// publications of a WebSocket client and the other way around. Without a config file,
// every request is approved as soon as it passes protocol validation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/MegaGrindStone/go-beseda"
	"github.com/MegaGrindStone/go-beseda/internal/config"
)

const shutdownTimeout = 10 * time.Second

type namedServer struct {
	name   string
	server *beseda.Server
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	addr       string
	logLevel   string
	logFormat  string
}

func newFlagSet(f *flags) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("beseda", pflag.ContinueOnError)
	flagSet.StringVar(&f.configPath, "config", "", "path to the YAML or TOML config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&f.addr, "addr", "", "listen address, overrides the config file")
	flagSet.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flagSet.StringVar(&f.logFormat, "log-format", "", "log format: text or json")
	flagSet.BoolP("help", "h", false, "show help")
	return flagSet
}

func run() error {
	var f flags
	flagSet := newFlagSet(&f)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("addr") {
		cfg.Listen = f.addr
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if flagSet.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	router := beseda.NewRouter(append(cfg.RouterOptions(), beseda.WithRouterLogger(logger))...)
	mux := http.NewServeMux()

	var servers []namedServer
	if sse := cfg.Transports.SSE; sse.Enabled {
		transport := beseda.NewSSEServer(cfg.MessageURL(),
			beseda.WithSSEServerLogger(logger),
			beseda.WithSSEServerMaxPayloadSize(sse.MaxPayloadSize),
		)
		mux.Handle(sse.Path, transport.HandleSSE())
		mux.Handle(sse.MessagePath, transport.HandleMessage())
		servers = append(servers, namedServer{"sse", newServer(transport, router, logger)})
	}
	if ws := cfg.Transports.WebSocket; ws.Enabled {
		transport := beseda.NewWebSocketServer(
			beseda.WithWebSocketServerLogger(logger),
			beseda.WithWebSocketServerReadLimit(ws.ReadLimit),
			beseda.WithWebSocketServerPingInterval(ws.PingInterval),
		)
		mux.Handle(ws.Path, transport)
		servers = append(servers, namedServer{"websocket", newServer(transport, router, logger)})
	}
	if cfg.StatusPath != "" {
		mux.Handle(cfg.StatusPath, statusHandler(servers))
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.Listen))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	for _, s := range servers {
		g.Go(func() error {
			s.server.Serve()
			return nil
		})
	}
	if cfg.PruneInterval > 0 {
		g.Go(func() error {
			prune(ctx, router.Registry(), cfg.PruneInterval, logger)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, s := range servers {
			if err := s.server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			}
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newServer(transport beseda.ServerTransport, router *beseda.Router, logger *slog.Logger) *beseda.Server {
	return beseda.NewServer(transport,
		beseda.WithRouter(router),
		beseda.WithServerLogger(logger),
		beseda.WithServerOnClientConnected(func(id string) {
			logger.Debug("client connected", slog.String("clientID", id))
		}),
		beseda.WithServerOnClientDisconnected(func(id string) {
			logger.Debug("client disconnected", slog.String("clientID", id))
		}),
	)
}

func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Log.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Log.Format)
	}
}

// statusHandler reports the snapshot of every server, keyed by transport name.
func statusHandler(servers []namedServer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		status := make(map[string]beseda.ServerStatus, len(servers))
		for _, s := range servers {
			status[s.name] = s.server.Status()
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			slog.Default().Warn("failed to write status", slog.String("err", err.Error()))
		}
	})
}

func prune(ctx context.Context, registry *beseda.ChannelRegistry, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pruned := registry.Prune(); len(pruned) > 0 {
				logger.Debug("pruned channels", slog.Int("count", len(pruned)))
			}
		}
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `beseda - publish/subscribe server over SSE and WebSocket.

Usage:
  beseda [flags]

The config file is read from --config, or from $%s when the flag is absent.
Without either, built-in defaults are used.

Flags:
`, config.EnvVar)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
