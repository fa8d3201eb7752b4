package commands

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/edirooss/azsync-server/internal/config"
	"github.com/edirooss/azsync-server/internal/httpapi"
	"github.com/edirooss/azsync-server/internal/lockregistry"
	"github.com/edirooss/azsync-server/internal/metrics"
	"github.com/edirooss/azsync-server/internal/redisconn"
	"github.com/edirooss/azsync-server/internal/replication"
	"github.com/edirooss/azsync-server/internal/slotregistry"
	"github.com/prometheus/client_golang/prometheus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination server",
}

func init() {
	v := config.NewViper()
	config.BindServeFlags(serveCmd.Flags(), v)
	serveCmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		return runServe(cfg)
	}
}

func runServe(cfg config.Serve) error {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("azsync-server")

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(promReg)

	var bus replication.Bus = replication.NewLocalBus()
	if cfg.RedisAddr != "" {
		rdb, err := redisconn.Connect(log, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("serve: connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		bus = replication.NewRedisBus(rdb)
	}

	var lockReg *lockregistry.Registry
	if cfg.Lock {
		lockReg = lockregistry.New(log, metricsReg.Lock())
	}

	var slotReg *slotregistry.Registry
	if cfg.Slotkeeper {
		slotReg = slotregistry.New(log, bus, "slotkeeper."+cfg.Name, metricsReg.Slot())
	}

	sessionKey := []byte(cfg.SessionKey)
	if len(sessionKey) == 0 {
		sessionKey = make([]byte, 32)
		if _, err := rand.Read(sessionKey); err != nil {
			return fmt.Errorf("serve: generating session key: %w", err)
		}
	}

	router := httpapi.New(httpapi.Config{
		Log:              log,
		Lock:             lockReg,
		Slot:             slotReg,
		KeeperName:       cfg.Name,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Admin: httpapi.AdminCredentials{
			Username:    cfg.AdminUser,
			Password:    cfg.AdminPass,
			BearerToken: cfg.BearerToken,
		},
		SessionKey: sessionKey,
		Dev:        cfg.Dev,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listening", zap.Int("port", cfg.Port), zap.Bool("lock", cfg.Lock), zap.Bool("slotkeeper", cfg.Slotkeeper), zap.String("name", cfg.Name))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	if cfg.StatsInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.StatsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					logStats(log, lockReg, slotReg)
				}
			}
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case sig := <-sigCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("graceful shutdown failed", zap.Error(err))
			}
			cancel()
			return nil
		}
	})

	return g.Wait()
}

func logStats(log *zap.Logger, lockReg *lockregistry.Registry, slotReg *slotregistry.Registry) {
	fields := []zap.Field{}
	if lockReg != nil {
		s := lockReg.Stats()
		fields = append(fields,
			zap.Uint64("lock.requests", s.Requests),
			zap.Uint64("lock.acquired", s.Acquired),
			zap.Int("lock.active", lockReg.Active()),
		)
	}
	if slotReg != nil {
		s := slotReg.Stats()
		fields = append(fields,
			zap.Uint64("slot.requests", s.Requests),
			zap.Uint64("slot.acquired", s.Acquired),
			zap.Int("slot.objects", slotReg.ObjectCount()),
			zap.Int("slot.subscribers", slotReg.Master().SubscriberCount()),
		)
	}
	log.Info("stats", fields...)
}

