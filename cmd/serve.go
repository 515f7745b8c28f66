package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cyberinferno/genie-upload/catalog"
	"github.com/cyberinferno/genie-upload/config"
	"github.com/cyberinferno/genie-upload/fileserver"
	"github.com/cyberinferno/genie-upload/logger"
	"github.com/cyberinferno/genie-upload/store"
	"github.com/cyberinferno/genie-upload/tcpserver"
	"github.com/cyberinferno/genie-upload/upload"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload listener and the download server",
	Long: `Run the upload listener and the download server. Every flag can also be set
through an environment variable named GENIE_<FLAG> with dashes replaced by
underscores (e.g. GENIE_UPLOAD_ADDR=0.0.0.0:22808), or in a .env file.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadServeConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg)
	},
}

func init() {
	d := config.Default()
	f := serveCmd.Flags()

	f.String("upload-addr", d.UploadAddr, "address of the raw TCP upload listener")
	f.String("http-addr", d.HTTPAddr, "address of the HTTP download server")
	f.String("dir", d.Dir, "working directory: uploads are written here and served over HTTP")
	f.String("fallback-name", d.FallbackName, "base file name for bytes sent before any start sentinel (the session start time and id are appended)")
	f.Int("buffer-size", d.BufferSize, "maximum bytes scanned per read")
	f.Duration("read-timeout", d.ReadTimeout, "close sessions idle for this long (0 disables)")
	f.Int("max-sessions", d.MaxSessions, "maximum concurrent upload sessions (0 is unbounded)")
	f.Bool("span-chunks", d.SpanChunks, "detect sentinels split across reads and keep payload sent with the start sentinel")
	f.String("catalog", d.Catalog, "completed upload catalog: memory or redis://host:port/db")
	f.Duration("catalog-ttl", d.CatalogTTL, "how long catalog entries are kept")
	f.String("metrics-addr", d.MetricsAddr, "admin address serving Prometheus metrics on /metrics and completed uploads on /recent (empty disables)")
	f.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	f.String("log-dir", d.LogDir, "also write daily-rotated log files to this directory")
	f.Duration("shutdown-timeout", d.ShutdownTimeout, "time allowed for in-flight downloads on shutdown")
}

// loadServeConfig binds the flags into viper and reads the effective values.
func loadServeConfig(cmd *cobra.Command) (config.Config, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return config.Config{}, err
	}

	cfg := config.Config{
		UploadAddr:      viper.GetString("upload-addr"),
		HTTPAddr:        viper.GetString("http-addr"),
		Dir:             viper.GetString("dir"),
		FallbackName:    viper.GetString("fallback-name"),
		BufferSize:      viper.GetInt("buffer-size"),
		ReadTimeout:     viper.GetDuration("read-timeout"),
		MaxSessions:     viper.GetInt("max-sessions"),
		SpanChunks:      viper.GetBool("span-chunks"),
		Catalog:         viper.GetString("catalog"),
		CatalogTTL:      viper.GetDuration("catalog-ttl"),
		MetricsAddr:     viper.GetString("metrics-addr"),
		LogLevel:        viper.GetString("log-level"),
		LogDir:          viper.GetString("log-dir"),
		ShutdownTimeout: viper.GetDuration("shutdown-timeout"),
	}

	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if cfg.LogDir != "" {
		return logger.NewZerologFileLogger(serviceName, cfg.LogDir, level)
	}

	return logger.NewZerologLogger(os.Stdout, serviceName, level), nil
}

// serve runs every server until ctx is cancelled or one of them fails.
func serve(ctx context.Context, cfg config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	log.Info("starting with configuration" + cfg.String())

	dir, err := store.NewDir(cfg.Dir)
	if err != nil {
		return err
	}

	cat, err := cfg.OpenCatalog()
	if err != nil {
		return err
	}
	if closer, ok := cat.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	uploads := &tcpserver.TCPServer{
		Logger:      log,
		Name:        "upload",
		Addr:        cfg.UploadAddr,
		MaxSessions: cfg.MaxSessions,
		NewSession:  upload.NewSessionFunc(dir, cat, cfg.Upload(), log),
	}
	downloads := &fileserver.Server{
		Logger: log,
		Name:   "download",
		Addr:   cfg.HTTPAddr,
		Dir:    dir.Root(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := uploads.Start(); err != nil {
			return err
		}
		<-gctx.Done()
		uploads.Stop()
		return nil
	})

	g.Go(func() error {
		if err := downloads.Start(); err != nil {
			return err
		}
		select {
		case <-gctx.Done():
		case err := <-downloads.Err():
			return err
		}
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return downloads.Stop(sctx)
	})

	if cfg.MetricsAddr != "" {
		gauges := metrics.NewSet()
		gauges.NewGauge("genie_upload_sessions_active", func() float64 {
			return float64(uploads.SessionCount())
		})
		gauges.NewGauge("genie_upload_files_open", func() float64 {
			return float64(dir.Held())
		})

		g.Go(func() error {
			return serveAdmin(gctx, cfg.MetricsAddr, adminHandler(cat, gauges, log), log)
		})
	}

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}

// adminHandler serves Prometheus metrics on /metrics and the most recent
// catalog entries as a JSON array on /recent?limit=N.
func adminHandler(cat catalog.Catalog, gauges *metrics.Set, log logger.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
		if gauges != nil {
			gauges.WritePrometheus(w)
		}
	})
	mux.HandleFunc("/recent", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		limit := defaultRecentLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			limit = n
		}

		entries, err := cat.Recent(r.Context(), limit)
		if err != nil {
			log.Warn("failed to read catalog", logger.Field{Key: "error", Value: err})
			http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
			return
		}
		if entries == nil {
			entries = []catalog.Entry{}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entries)
	})

	return mux
}

func serveAdmin(ctx context.Context, addr string, handler http.Handler, log logger.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin server failed to start: %w", err)
	}

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info("admin server started", logger.Field{Key: "addr", Value: ln.Addr().String()})
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
