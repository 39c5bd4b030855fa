package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rapidalle/rapidalle/internal/config"
	"github.com/rapidalle/rapidalle/internal/credits"
	"github.com/rapidalle/rapidalle/internal/models"
	"github.com/rapidalle/rapidalle/internal/ratelimit"
	"github.com/rapidalle/rapidalle/internal/runs"
	internalsettings "github.com/rapidalle/rapidalle/internal/settings"
	"github.com/rapidalle/rapidalle/internal/usage"
	log "github.com/sirupsen/logrus"
)

// Ledger is the credit view the gate needs.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Charge(ctx context.Context, userID string, amount int64) (int64, error)
}

// Limiter admits or rejects one request.
type Limiter interface {
	Allow(ctx context.Context, userID string) ratelimit.Decision
}

// Invalidator drops cached views of a user's library.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string)
}

// Enqueuer hands a run to the executor without waiting for it. Cancel
// withdraws a run the caller cannot hand back to the client.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload runs.Payload) (runs.Run, error)
	Cancel(id string) error
}

// UsageRecorder appends audit events.
type UsageRecorder interface {
	Record(ctx context.Context, ev usage.Event) error
}

// TokenIssuer signs the access token for one run.
type TokenIssuer func(runID, userID string) (string, error)

// Request is one generation request.
type Request struct {
	UserID      string
	Theme       string
	Description string
	Size        string
}

// Handle is returned when a run was triggered.
type Handle struct {
	RunID       string             `json:"runId"`
	AccessToken string             `json:"accessToken"`
	RateLimit   ratelimit.Decision `json:"-"`
}

// Deps are the collaborators of a Gate.
type Deps struct {
	Ledger   Ledger
	Limiter  Limiter
	Gallery  Invalidator
	Enqueuer Enqueuer
	Usage    UsageRecorder
	Tokens   TokenIssuer
}

// Gate decides whether a generation request proceeds and triggers it.
type Gate struct {
	deps        Deps
	cfg         config.GenerationConfig
	validate    *validator.Validate
	sizeRule    string
	defaultSize string
}

// NewGate constructs a Gate.
func NewGate(deps Deps, cfg config.GenerationConfig) *Gate {
	if cfg.MaxPromptLength <= 0 {
		cfg.MaxPromptLength = 1000
	}
	return &Gate{
		deps:        deps,
		cfg:         cfg,
		validate:    validator.New(),
		sizeRule:    "required,oneof=" + strings.Join(cfg.Sizes, " "),
		defaultSize: cfg.DefaultSize,
	}
}

// Cost returns the credits charged per generation.
func (g *Gate) Cost() int64 {
	cost := internalsettings.Int(internalsettings.GenerationCostCreditsKey, g.cfg.CostPerImage)
	if cost <= 0 {
		return 1
	}
	return cost
}

// Submit runs validate, credit check, rate limit, charge, gallery invalidation
// and trigger in that order. Each step short-circuits on rejection. Credits
// charged before a failed trigger are not refunded.
func (g *Gate) Submit(ctx context.Context, req Request) (Handle, GateError) {
	if ctx == nil {
		ctx = context.Background()
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Theme = strings.TrimSpace(req.Theme)
	req.Description = strings.TrimSpace(req.Description)
	req.Size = strings.TrimSpace(req.Size)
	if req.Size == "" {
		req.Size = g.defaultSize
	}
	fields := log.Fields{"user_id": req.UserID}

	if verr := g.validateRequest(req); verr != nil {
		return Handle{}, verr
	}

	cost := g.Cost()
	balance, errBalance := g.deps.Ledger.Balance(ctx, req.UserID)
	if errBalance != nil {
		log.WithFields(fields).WithError(errBalance).Error("generation gate: balance lookup failed")
		return Handle{}, &InternalError{ErrCode: CodeInternalError, Message: "An unexpected error occurred", Err: errBalance}
	}
	if balance < cost {
		return Handle{}, &InsufficientCreditsError{CurrentCredits: balance, RequiredCredits: cost}
	}

	decision := g.deps.Limiter.Allow(ctx, req.UserID)
	if !decision.Allowed {
		return Handle{}, &RateLimitExceededError{Limit: decision.Limit, ResetTime: decision.ResetAt}
	}

	if _, errCharge := g.deps.Ledger.Charge(ctx, req.UserID, cost); errCharge != nil {
		if errors.Is(errCharge, credits.ErrInsufficientCredits) {
			current, _ := g.deps.Ledger.Balance(ctx, req.UserID)
			return Handle{}, &InsufficientCreditsError{CurrentCredits: current, RequiredCredits: cost}
		}
		log.WithFields(fields).WithError(errCharge).Error("generation gate: charge failed")
		return Handle{}, &InternalError{ErrCode: CodeInternalError, Message: "An unexpected error occurred", Err: errCharge}
	}

	if g.deps.Gallery != nil {
		g.deps.Gallery.Invalidate(ctx, req.UserID)
	}

	run, errEnqueue := g.deps.Enqueuer.Enqueue(ctx, runs.Payload{
		UserID:      req.UserID,
		Theme:       req.Theme,
		Description: req.Description,
		Size:        req.Size,
	})
	if errEnqueue != nil {
		log.WithFields(fields).WithError(errEnqueue).Error("generation gate: failed to start run after charge")
		return Handle{}, &InternalError{ErrCode: CodeTriggerError, Message: "Failed to start run", Err: errEnqueue}
	}
	fields["run_id"] = run.ID

	if g.deps.Usage != nil {
		_ = g.deps.Usage.Record(ctx, usage.Event{
			UserID:   req.UserID,
			Feature:  models.UsageFeatureImageGeneration,
			Credits:  cost,
			Metadata: map[string]any{"run_id": run.ID, "size": req.Size},
		})
	}

	token, errToken := g.deps.Tokens(run.ID, req.UserID)
	if errToken != nil {
		log.WithFields(fields).WithError(errToken).Error("generation gate: sign run token failed, cancelling run")
		if errCancel := g.deps.Enqueuer.Cancel(run.ID); errCancel != nil {
			log.WithFields(fields).WithError(errCancel).Warn("generation gate: cancel unreachable run failed")
		}
		return Handle{}, &InternalError{ErrCode: CodeTriggerError, Message: "Failed to start run", Err: errToken}
	}

	log.WithFields(fields).WithField("remaining", decision.Remaining).Info("generation run triggered")
	return Handle{RunID: run.ID, AccessToken: token, RateLimit: decision}, nil
}

func (g *Gate) validateRequest(req Request) *ValidationError {
	maxRule := fmt.Sprintf("required,max=%d", g.cfg.MaxPromptLength)
	checks := []struct {
		field string
		value string
		rule  string
	}{
		{"userId", req.UserID, "required"},
		{"theme", req.Theme, maxRule},
		{"description", req.Description, maxRule},
		{"size", req.Size, g.sizeRule},
	}
	failed := map[string]string{}
	for _, c := range checks {
		if errVar := g.validate.Var(c.value, c.rule); errVar != nil {
			var verrs validator.ValidationErrors
			if errors.As(errVar, &verrs) && len(verrs) > 0 {
				failed[c.field] = verrs[0].Tag()
			} else {
				failed[c.field] = "invalid"
			}
		}
	}
	if len(failed) > 0 {
		return &ValidationError{Fields: failed}
	}
	return nil
}
