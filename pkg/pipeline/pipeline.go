// Package pipeline composes the four stages of the routing plane:
// Intake -> Route -> Safety -> Deliver. Each request is one independent
// pipeline pass; no state is shared between passes except through the
// registry, the caches, and the logs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/osprey/pkg/audit"
	"github.com/Mindburn-Labs/osprey/pkg/contracts"
	"github.com/Mindburn-Labs/osprey/pkg/crypto"
	"github.com/Mindburn-Labs/osprey/pkg/degrade"
	"github.com/Mindburn-Labs/osprey/pkg/delivery"
	"github.com/Mindburn-Labs/osprey/pkg/registry"
	"github.com/Mindburn-Labs/osprey/pkg/router"
	"github.com/Mindburn-Labs/osprey/pkg/safety"
)

// Recorder receives stage timings and error-code counts. The
// observability package implements it; a nil Recorder disables it.
type Recorder interface {
	RecordStage(ctx context.Context, stage string, elapsed time.Duration)
	RecordError(ctx context.Context, code contracts.ErrorCode)
}

// Config holds the orchestrator policy.
type Config struct {
	// InvokeTimeout bounds each capability call.
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
}

// DefaultConfig returns the default orchestration policy.
func DefaultConfig() Config {
	return Config{InvokeTimeout: 30 * time.Second}
}

// Pipeline is the request orchestrator.
type Pipeline struct {
	intake     *Intake
	router     *router.Router
	classifier *safety.Classifier
	degrade    *degrade.Controller
	registry   *registry.Registry
	enforcer   *delivery.Enforcer
	caps       CapabilityResolver
	audit      audit.Logger
	recorder   Recorder
	cfg        Config
	clock      func() time.Time
	logger     *slog.Logger
}

// New wires the stages together.
func New(intake *Intake, rt *router.Router, classifier *safety.Classifier, ctrl *degrade.Controller, reg *registry.Registry, enforcer *delivery.Enforcer, caps CapabilityResolver, auditLog audit.Logger, recorder Recorder, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if auditLog == nil {
		auditLog = audit.NewLogger()
	}
	return &Pipeline{
		intake:     intake,
		router:     rt,
		classifier: classifier,
		degrade:    ctrl,
		registry:   reg,
		enforcer:   enforcer,
		caps:       caps,
		audit:      auditLog,
		recorder:   recorder,
		cfg:        cfg,
		clock:      time.Now,
		logger:     logger.With("component", "pipeline"),
	}
}

// Handle runs one full pipeline pass over raw envelope bytes. It always
// returns a signed receipt (success or rejection); the error return is
// reserved for internal failures where no receipt could be produced.
func (p *Pipeline) Handle(ctx context.Context, raw []byte) (*delivery.Result, error) {
	start := p.clock()
	res, err := p.handle(ctx, raw)
	elapsed := p.clock().Sub(start)

	isErr := err != nil || (res != nil && res.Receipt.ErrorCode != "")
	p.degrade.Record(elapsed, isErr)
	if p.recorder != nil {
		p.recorder.RecordStage(ctx, "pipeline", elapsed)
		if res != nil && res.Receipt.ErrorCode != "" {
			p.recorder.RecordError(ctx, res.Receipt.ErrorCode)
		}
	}
	return res, err
}

func (p *Pipeline) handle(ctx context.Context, raw []byte) (*delivery.Result, error) {
	env, perr := p.intake.Validate(raw)
	if perr != nil {
		if env == nil {
			env = &contracts.Envelope{}
		}
		p.auditIntakeReject(ctx, env, perr)
		return p.enforcer.Reject(ctx, env, "", contracts.SafetyVerdict{}, perr.Code, perr.Message)
	}

	candidates, err := p.timedRoute(ctx, env.Query)
	if err != nil {
		var rerr *contracts.PipelineError
		if errors.As(err, &rerr) {
			return p.enforcer.Reject(ctx, env, "", contracts.SafetyVerdict{}, rerr.Code, rerr.Message)
		}
		return nil, err
	}
	top := candidates[0]

	skill, err := p.registry.Get(top.SkillID)
	if err != nil {
		// The candidate was produced against a registry snapshot that
		// has since revoked the skill.
		return p.enforcer.Reject(ctx, env, top.SkillID, contracts.SafetyVerdict{}, contracts.ErrNoRouteMatch, "routed skill no longer active")
	}

	if !p.degrade.AllowSkill(skill.TrustLevel) {
		return p.enforcer.Reject(ctx, env, skill.SkillID, contracts.SafetyVerdict{}, contracts.ErrServiceDegraded,
			fmt.Sprintf("skill unavailable at degradation level %s", p.degrade.Level()))
	}

	deliveryAlg, perr := p.negotiateAlgorithm(env, skill)
	if perr != nil {
		return p.enforcer.Reject(ctx, env, skill.SkillID, contracts.SafetyVerdict{}, perr.Code, perr.Message)
	}

	verdict := p.timedSafetyCheck(ctx, env, skill)
	if verdict.Label == contracts.VerdictBlock {
		return p.enforcer.Reject(ctx, env, skill.SkillID, verdict, contracts.ErrSafetyBlock, "blocked: "+verdict.ReasonCode)
	}

	capability, ok := p.caps.Resolve(skill.SkillID)
	if !ok {
		return p.enforcer.Reject(ctx, env, skill.SkillID, verdict, contracts.ErrSkillExecution, "no capability bound for skill")
	}

	return p.enforcer.Deliver(ctx, env, skill.SkillID, verdict, deliveryAlg, func(ctx context.Context, env *contracts.Envelope) (any, error) {
		invokeCtx, cancel := context.WithTimeout(ctx, p.cfg.InvokeTimeout)
		defer cancel()
		return capability.Invoke(invokeCtx, env)
	})
}

// negotiateAlgorithm decides which server key signs the receipt. A caller
// may request a specific algorithm only if the routed skill registered it
// and the server holds a key for it.
func (p *Pipeline) negotiateAlgorithm(env *contracts.Envelope, skill *contracts.RegistryEntry) (crypto.Algorithm, *contracts.PipelineError) {
	if env.Alg == "" {
		return "", nil // enforcer default
	}
	alg, err := crypto.ParseAlgorithm(env.Alg)
	if err != nil {
		return "", contracts.NewPipelineError(contracts.ErrAlgorithmNotAllowed, "unknown algorithm %q", env.Alg)
	}
	if !skill.SupportsAlgorithm(env.Alg) {
		return "", contracts.NewPipelineError(contracts.ErrAlgorithmNotAllowed, "skill %s does not support %s", skill.SkillID, env.Alg)
	}
	if !p.enforcer.Negotiable(alg) {
		return "", contracts.NewPipelineError(contracts.ErrAlgorithmNotAllowed, "server holds no key for %s", env.Alg)
	}
	return alg, nil
}

func (p *Pipeline) timedRoute(ctx context.Context, query string) ([]contracts.RouteCandidate, error) {
	start := p.clock()
	candidates, err := p.router.Route(ctx, query)
	if p.recorder != nil {
		p.recorder.RecordStage(ctx, "route", p.clock().Sub(start))
	}
	return candidates, err
}

func (p *Pipeline) timedSafetyCheck(ctx context.Context, env *contracts.Envelope, skill *contracts.RegistryEntry) contracts.SafetyVerdict {
	start := p.clock()
	verdict := p.classifier.Check(ctx, safety.CheckInput{
		Query:   env.Query,
		Payload: env.Payload,
		Skill:   skill,
	})
	if p.recorder != nil {
		p.recorder.RecordStage(ctx, "safety", p.clock().Sub(start))
	}
	return verdict
}

func (p *Pipeline) auditIntakeReject(ctx context.Context, env *contracts.Envelope, perr *contracts.PipelineError) {
	if err := p.audit.Record(ctx, audit.EventIntake, env.Caller, "reject", env.RequestID, map[string]any{
		"error_code": string(perr.Code),
		"message":    perr.Message,
	}); err != nil {
		p.logger.Error("audit write failed", "error", err)
	}
}
