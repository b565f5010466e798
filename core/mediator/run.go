package mediator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buskeeper/buskeeper/core/audit"
	"github.com/buskeeper/buskeeper/core/busconn"
	"github.com/buskeeper/buskeeper/core/infra/config"
	"github.com/buskeeper/buskeeper/core/infra/logging"
	"github.com/buskeeper/buskeeper/core/infra/metrics"
	"github.com/buskeeper/buskeeper/core/policy"
	"github.com/buskeeper/buskeeper/core/privilege"
)

// Run wires the daemon together and blocks until SIGINT or SIGTERM.
// SIGHUP reloads the policy catalog in place.
func Run(cfg *config.Config) error {
	catalog, err := policy.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog %s: %w", cfg.CatalogPath, err)
	}
	store := policy.NewStore(catalog)

	prom := metrics.NewProm("buskeeper")

	bus := busconn.NewManager(busconn.Options{
		CallTimeout:     cfg.CallTimeout,
		EnableSystemBus: cfg.EnableSystemBus,
		Metrics:         prom,
	})
	defer bus.Close()

	sink, err := buildSink(cfg)
	if err != nil {
		return err
	}
	stream := audit.NewStream()
	auditor := audit.NewLogger(sink, stream, audit.Options{
		Strict:     cfg.AuditStrict,
		BufferSize: cfg.AuditBufferSize,
		Metrics:    prom,
	})
	defer auditor.Close()

	limiter := policy.NewLimiter(time.Minute, cfg.DefaultLimit)
	confirmations := policy.NewConfirmations(cfg.ConfirmTTL)
	classifier := policy.NewClassifier(store, bus.Schemas())
	tier := policy.ParseTier(cfg.TrustTier)
	engine := policy.NewEngine(classifier, limiter, confirmations, tier)

	priv := privilege.NewMediator(privilege.Options{
		Authorizer:  privilege.NewPolkitAuthority(bus),
		Runner:      privilege.NewExecRunner(cfg.ExecutorPath),
		Metrics:     prom,
		AuthTimeout: cfg.AuthTimeout,
		CallTimeout: cfg.CallTimeout,
		OnState:     privilegeStateHook(auditor),
	})

	svc := NewService(Options{
		Engine:        engine,
		Store:         store,
		Confirmations: confirmations,
		Limiter:       limiter,
		Bus:           bus,
		Privileged:    priv,
		Auditor:       auditor,
		Stream:        stream,
		Metrics:       prom,
	})

	ops := NewOpsServer(cfg.OpsAddr, svc, metrics.Handler())
	errCh := make(chan error, 1)
	go func() {
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logging.Info("mediator", "running",
		"tier", tier.String(),
		"catalog", cfg.CatalogPath,
		"ops", cfg.OpsAddr,
		"system_bus", cfg.EnableSystemBus,
		"audit_strict", cfg.AuditStrict)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				if err := svc.ReloadPolicyFile(cfg.CatalogPath); err != nil {
					logging.Error("mediator", "catalog reload failed", "error", err)
				}
				continue
			}
			logging.Info("mediator", "shutting down", "signal", sig.String())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := ops.Shutdown(shutdownCtx)
			cancel()
			return err
		case err := <-errCh:
			return fmt.Errorf("ops server: %w", err)
		}
	}
}

// buildSink assembles the configured audit sinks. The file sink is always
// present; Redis and NATS are added when configured.
func buildSink(cfg *config.Config) (audit.Sink, error) {
	file, err := audit.NewFileSink(cfg.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", cfg.AuditPath, err)
	}
	sinks := audit.MultiSink{file}

	if cfg.AuditRedisURL != "" {
		redis, err := audit.NewRedisSink(cfg.AuditRedisURL, cfg.AuditStreamKey())
		if err != nil {
			return nil, fmt.Errorf("connect audit redis: %w", err)
		}
		sinks = append(sinks, redis)
	}
	if cfg.AuditNATSURL != "" {
		nats, err := audit.NewNATSSink(cfg.AuditNATSURL, cfg.AuditSubject)
		if err != nil {
			return nil, fmt.Errorf("connect audit nats: %w", err)
		}
		sinks = append(sinks, nats)
	}
	if len(sinks) == 1 {
		return file, nil
	}
	return sinks, nil
}
