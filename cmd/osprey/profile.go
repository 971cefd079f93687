package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/osprey/pkg/config"
	"github.com/Mindburn-Labs/osprey/pkg/contracts"
	"github.com/Mindburn-Labs/osprey/pkg/degrade"
	"github.com/Mindburn-Labs/osprey/pkg/delivery"
	"github.com/Mindburn-Labs/osprey/pkg/pipeline"
	"github.com/Mindburn-Labs/osprey/pkg/router"
	"github.com/Mindburn-Labs/osprey/pkg/safety"
)

// The profile carries plain values; these helpers overlay them onto each
// package's defaults. Zero values leave the default in place.

func routerConfig(p *config.Profile) router.Config {
	cfg := router.DefaultConfig()
	if p == nil {
		return cfg
	}
	if p.Routing.LexicalWeight > 0 {
		cfg.LexicalWeight = p.Routing.LexicalWeight
	}
	if p.Routing.SemanticWeight > 0 {
		cfg.SemanticWeight = p.Routing.SemanticWeight
	}
	if p.Routing.MinConfidence > 0 {
		cfg.MinConfidence = p.Routing.MinConfidence
	}
	if p.Routing.CacheSize > 0 {
		cfg.CacheSize = p.Routing.CacheSize
	}
	if p.Routing.CacheTTLMs > 0 {
		cfg.CacheTTL = time.Duration(p.Routing.CacheTTLMs) * time.Millisecond
	}
	return cfg
}

func safetyConfig(p *config.Profile) safety.Config {
	cfg := safety.DefaultConfig()
	if p == nil {
		return cfg
	}
	if p.Safety.LowThreshold > 0 {
		cfg.LowThreshold = p.Safety.LowThreshold
	}
	if p.Safety.HighThreshold > 0 {
		cfg.HighThreshold = p.Safety.HighThreshold
	}
	if p.Safety.TightenFactor > 0 {
		cfg.TightenFactor = p.Safety.TightenFactor
	}
	if len(p.Safety.TrustMultipliers) > 0 {
		cfg.TrustMultipliers = make(map[contracts.TrustLevel]float64, len(p.Safety.TrustMultipliers))
		for level, mult := range p.Safety.TrustMultipliers {
			cfg.TrustMultipliers[contracts.TrustLevel(level)] = mult
		}
	}
	for _, rule := range p.Safety.Rules {
		cfg.Rules = append(cfg.Rules, safety.Rule{
			Name:       rule.Name,
			Expression: rule.Expression,
			ReasonCode: rule.ReasonCode,
		})
	}
	return cfg
}

func degradeConfig(p *config.Profile) degrade.Config {
	cfg := degrade.DefaultConfig()
	if p == nil {
		return cfg
	}
	if p.Degrade.WindowMs > 0 {
		cfg.Window = time.Duration(p.Degrade.WindowMs) * time.Millisecond
	}
	if p.Degrade.MinSamples > 0 {
		cfg.MinSamples = p.Degrade.MinSamples
	}
	for i := 0; i < 3; i++ {
		if p.Degrade.EscalateErrorRate[i] > 0 {
			cfg.EscalateErrorRate[i] = p.Degrade.EscalateErrorRate[i]
		}
		if p.Degrade.DeescalateErrorRate[i] > 0 {
			cfg.DeescalateErrorRate[i] = p.Degrade.DeescalateErrorRate[i]
		}
		if p.Degrade.EscalateP95Ms[i] > 0 {
			cfg.EscalateP95[i] = time.Duration(p.Degrade.EscalateP95Ms[i]) * time.Millisecond
		}
		if p.Degrade.DeescalateP95Ms[i] > 0 {
			cfg.DeescalateP95[i] = time.Duration(p.Degrade.DeescalateP95Ms[i]) * time.Millisecond
		}
	}
	return cfg
}

func deliveryConfig(p *config.Profile) delivery.Config {
	cfg := delivery.DefaultConfig()
	if p != nil && p.Delivery.RecordTTLMs > 0 {
		cfg.RecordTTL = time.Duration(p.Delivery.RecordTTLMs) * time.Millisecond
	}
	return cfg
}

func pipelineConfig(p *config.Profile) pipeline.Config {
	cfg := pipeline.DefaultConfig()
	if p != nil && p.Pipeline.InvokeTimeoutMs > 0 {
		cfg.InvokeTimeout = time.Duration(p.Pipeline.InvokeTimeoutMs) * time.Millisecond
	}
	return cfg
}

func monitorInterval(p *config.Profile) time.Duration {
	if p != nil && p.Degrade.MonitorIntervalMs > 0 {
		return time.Duration(p.Degrade.MonitorIntervalMs) * time.Millisecond
	}
	return 5 * time.Second
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (delivery.Store, error) {
	switch cfg.StoreBackend {
	case "", "memory":
		return delivery.NewMemoryStore(), nil
	case "sqlite":
		logger.Info("idempotency store", "backend", "sqlite", "path", cfg.SQLitePath)
		return delivery.OpenSQLite(ctx, cfg.SQLitePath)
	case "postgres":
		logger.Info("idempotency store", "backend", "postgres")
		return delivery.OpenPostgres(ctx, cfg.PostgresDSN)
	case "redis":
		logger.Info("idempotency store", "backend", "redis", "addr", cfg.RedisAddr)
		return delivery.OpenRedis(ctx, cfg.RedisAddr)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
