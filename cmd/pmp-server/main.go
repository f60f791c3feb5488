// pmp-server is the Personal Music Platform server: it keeps every connected
// device's copy of a shared music library in sync by exchanging an ordered
// log of library mutations over persistent connections and moving the file
// bytes themselves over a separate transfer channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Blackilykat/PMP-Server/config"
	"github.com/Blackilykat/PMP-Server/database"
	"github.com/Blackilykat/PMP-Server/library"
	"github.com/Blackilykat/PMP-Server/metrics"
	"github.com/Blackilykat/PMP-Server/pending"
	"github.com/Blackilykat/PMP-Server/server"
	"github.com/Blackilykat/PMP-Server/transfer"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := config.DefaultConfig()
	var configFile string

	cmd := &cobra.Command{
		Use:          "pmp-server",
		Short:        "Personal Music Platform synchronization server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, configFile, &cfg); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	addFlags(cmd.Flags(), &cfg, &configFile)
	return cmd
}

func addFlags(fs *pflag.FlagSet, cfg *config.Config, configFile *string) {
	fs.StringVarP(configFile, "config", "c", "", "load configuration from file")
	fs.StringVarP(&cfg.DataDir, "data-dir", "d", cfg.DataDir, "directory for the action log database")
	fs.StringVar(&cfg.LibraryDir, "library-dir", cfg.LibraryDir, "directory holding the music library")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "address of the session listener")
	fs.StringVar(&cfg.TransferListen, "transfer-listen", cfg.TransferListen, "address of the file transfer listener")
	fs.DurationVar(&cfg.PendingTimeout, "pending-timeout", cfg.PendingTimeout,
		"how long a client has to start uploading an accepted ADD or REPLACE")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "minimum logged level")
	fs.BoolVar(&cfg.CollectMetrics, "metrics", cfg.CollectMetrics, "serve prometheus metrics")
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "address of the metrics endpoint")
}

// loadConfig layers the optional config file under whatever was set on the
// command line.
func loadConfig(cmd *cobra.Command, configFile string, cfg *config.Config) error {
	if configFile == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", configFile, err)
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", configFile, err)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(parsed)
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	return zcfg.Build()
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	for _, dir := range []string{cfg.DataDir, cfg.LibraryDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	fl := flock.New(filepath.Join(cfg.DataDir, "LOCK"))
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("flock %s: %w", fl.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%s is locked by another instance", cfg.DataDir)
	}
	defer fl.Unlock()

	db, err := database.Open(filepath.Join(cfg.DataDir, "db"), logger)
	if err != nil {
		return err
	}
	defer db.Close()

	store := library.NewStore(db, library.WithStoreLogger(logger))
	coord := pending.New(
		pending.WithLogger(logger),
		pending.WithTimeout(cfg.PendingTimeout),
	)
	registry := server.NewRegistry()
	srv := server.New(store, coord, registry, cfg.LibraryDir, server.WithLogger(logger))

	if cfg.CollectMetrics {
		metrics.StartCollectingMetrics(logger, cfg.MetricsListen)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	transferSrv := &http.Server{
		Addr: cfg.TransferListen,
		Handler: transfer.NewHandler(cfg.LibraryDir, coord, store, registry,
			transfer.WithLogger(logger)),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Serve(ctx, ln)
	})
	eg.Go(func() error {
		logger.Info("accepting file transfers", zap.String("address", cfg.TransferListen))
		if err := transferSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("transfer server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return transferSrv.Shutdown(shutdownCtx)
	})

	logger.Info("server started",
		zap.String("listen", cfg.Listen),
		zap.String("transfer_listen", cfg.TransferListen),
		zap.String("library_dir", cfg.LibraryDir),
	)
	return eg.Wait()
}
