package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/osprey/pkg/api"
	"github.com/Mindburn-Labs/osprey/pkg/audit"
	"github.com/Mindburn-Labs/osprey/pkg/config"
	"github.com/Mindburn-Labs/osprey/pkg/crypto"
	"github.com/Mindburn-Labs/osprey/pkg/degrade"
	"github.com/Mindburn-Labs/osprey/pkg/delivery"
	"github.com/Mindburn-Labs/osprey/pkg/observability"
	"github.com/Mindburn-Labs/osprey/pkg/pipeline"
	"github.com/Mindburn-Labs/osprey/pkg/registry"
	"github.com/Mindburn-Labs/osprey/pkg/router"
	"github.com/Mindburn-Labs/osprey/pkg/safety"
)

const serviceName = "osprey"

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := serve(cfg, logger); err != nil {
		fmt.Fprintf(stderr, "osprey: %v\n", err)
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var profile *config.Profile
	if cfg.ProfilePath != "" {
		p, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return err
		}
		profile = p
		logger.Info("policy profile loaded", "name", p.Name, "path", cfg.ProfilePath)
	}

	provider, err := observability.Init(ctx, cfg.OTLPEndpoint, serviceName, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	plane := crypto.NewPlane()

	serverAlg, err := crypto.ParseAlgorithm(cfg.ServerAlg)
	if err != nil {
		return fmt.Errorf("server algorithm: %w", err)
	}
	if err := loadServerKey(plane, cfg, serverAlg, logger); err != nil {
		return err
	}

	rootAlg, err := crypto.ParseAlgorithm(cfg.RootAlg)
	if err != nil {
		return fmt.Errorf("root algorithm: %w", err)
	}
	rootPub, err := loadRootKey(plane, cfg, rootAlg, logger)
	if err != nil {
		return err
	}

	reg := registry.New(rootPub, rootAlg, logger)
	ctrl := degrade.New(degradeConfig(profile), logger)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	keys := map[crypto.Algorithm]delivery.SigningKey{
		serverAlg: {Ref: "server", KeyID: cfg.ServerKeyID},
	}
	enforcer := delivery.New(plane, keys, serverAlg, store, deliveryConfig(profile), logger)

	rt := router.New(reg, router.NewHashEmbedder(0), ctrl, routerConfig(profile), logger)

	classifier, err := safety.New(safetyConfig(profile), ctrl, logger)
	if err != nil {
		return fmt.Errorf("safety classifier: %w", err)
	}

	callers, err := loadCallers(cfg.CallersFile)
	if err != nil {
		return err
	}
	allowedAlgs, err := parseAlgorithms(cfg.AllowedAlgorithms)
	if err != nil {
		return err
	}
	intake, err := pipeline.NewIntake(callers, cfg.EnforceSignatures, allowedAlgs)
	if err != nil {
		return err
	}

	metrics, err := observability.NewMetrics(ctrl)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	caps := pipeline.NewCapabilitySet()
	p := pipeline.New(intake, rt, classifier, ctrl, reg, enforcer, caps,
		audit.NewLogger(), metrics, pipelineConfig(profile), logger)

	go ctrl.Run(ctx, monitorInterval(profile))

	limiter := api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	srv := api.NewServer(p, reg, enforcer.ProofLog(), ctrl,
		api.NewJWTValidator(cfg.AdminJWTSecret), limiter, logger)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// loadServerKey loads the receipt signing key, generating an ephemeral
// one when no key file is configured.
func loadServerKey(plane *crypto.Plane, cfg *config.Config, alg crypto.Algorithm, logger *slog.Logger) error {
	if cfg.ServerKeyFile == "" {
		if _, err := plane.Generate("server", alg); err != nil {
			return fmt.Errorf("generate server key: %w", err)
		}
		logger.Warn("no server key file configured, using an ephemeral key",
			"alg", alg, "key_id", cfg.ServerKeyID)
		return nil
	}

	material, err := os.ReadFile(cfg.ServerKeyFile)
	if err != nil {
		return fmt.Errorf("read server key: %w", err)
	}
	publicPEM := ""
	if pub, err := os.ReadFile(cfg.ServerKeyFile + ".pub"); err == nil {
		publicPEM = string(pub)
	}
	if err := plane.Load("server", alg, material, publicPEM); err != nil {
		return fmt.Errorf("load server key: %w", err)
	}
	return nil
}

// loadRootKey returns the registry root-of-trust public key. Without a
// configured key file the plane generates one, which only suits
// single-process development setups.
func loadRootKey(plane *crypto.Plane, cfg *config.Config, alg crypto.Algorithm, logger *slog.Logger) (string, error) {
	if cfg.RootPublicKeyFile == "" {
		pub, err := plane.Generate("root", alg)
		if err != nil {
			return "", fmt.Errorf("generate root key: %w", err)
		}
		logger.Warn("no root public key configured, generated an ephemeral root of trust", "alg", alg)
		return pub, nil
	}
	pub, err := os.ReadFile(cfg.RootPublicKeyFile)
	if err != nil {
		return "", fmt.Errorf("read root public key: %w", err)
	}
	return string(pub), nil
}

// callerKeyFile is the on-disk format of one caller entry.
type callerKeyFile struct {
	PublicKey string `json:"public_key"`
	Alg       string `json:"alg"`
}

func loadCallers(path string) (map[string]pipeline.CallerKey, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read callers file: %w", err)
	}
	var raw map[string]callerKeyFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse callers file: %w", err)
	}

	callers := make(map[string]pipeline.CallerKey, len(raw))
	for id, entry := range raw {
		alg, err := crypto.ParseAlgorithm(entry.Alg)
		if err != nil {
			return nil, fmt.Errorf("caller %q: %w", id, err)
		}
		callers[id] = pipeline.CallerKey{PublicKey: entry.PublicKey, Alg: alg}
	}
	return callers, nil
}

func parseAlgorithms(names []string) ([]crypto.Algorithm, error) {
	if len(names) == 0 {
		return nil, nil
	}
	algs := make([]crypto.Algorithm, 0, len(names))
	for _, name := range names {
		alg, err := crypto.ParseAlgorithm(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("allowed algorithms: %w", err)
		}
		algs = append(algs, alg)
	}
	return algs, nil
}
