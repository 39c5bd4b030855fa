package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rapidalle/rapidalle/internal/ai"
	"github.com/rapidalle/rapidalle/internal/artifact"
	"github.com/rapidalle/rapidalle/internal/config"
	"github.com/rapidalle/rapidalle/internal/runs"
	log "github.com/sirupsen/logrus"
)

// Step names reported in StepError.
const (
	StepCaption = "caption"
	StepImage   = "image"
)

// Generator produces captions and images.
type Generator interface {
	Caption(ctx context.Context, req ai.CaptionRequest) (string, error)
	Image(ctx context.Context, req ai.ImageRequest) (ai.GeneratedImage, error)
}

// Rehoster copies a generated image to durable hosting.
type Rehoster interface {
	Rehost(ctx context.Context, img ai.GeneratedImage, key string) (string, error)
}

// ArtifactWriter persists the run's prompt and image.
type ArtifactWriter interface {
	CreatePrompt(ctx context.Context, userID, theme, description string) (artifact.Prompt, error)
	CreateImage(ctx context.Context, image *artifact.Image) error
}

// Invalidator drops cached views of a user's library.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string)
}

// Input parameterizes one run.
type Input struct {
	RunID       string
	UserID      string
	Theme       string
	Description string
	Size        string
}

// StepError is a failed caption or image call. It triggers a retry of the unit.
type StepError struct {
	Step    string
	Attempt int
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline: %s step failed (attempt %d): %v", e.Step, e.Attempt, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Code is the failure code recorded on the run.
func (e *StepError) Code() string { return runs.CodeGenerationFailed }

// RehostOutcome describes the optional re-hosting step.
type RehostOutcome struct {
	Attempted bool
	URL       string
	Err       error
}

// Persistence describes the database write. A failed write does not fail the run.
type Persistence struct {
	Saved    bool
	ImageID  string
	PromptID string
	Err      error
}

// Result separates what was generated from what was stored.
type Result struct {
	Output      runs.Output
	Attempts    int
	Rehost      RehostOutcome
	Persistence Persistence
}

// Options wires the optional collaborators.
type Options struct {
	Rehoster Rehoster
	Gallery  Invalidator
	Retry    config.RetryConfig
}

// Pipeline runs caption, image, re-host and persist for one generation.
type Pipeline struct {
	gen      Generator
	store    ArtifactWriter
	rehoster Rehoster
	gallery  Invalidator
	retry    config.RetryConfig
}

// New constructs a Pipeline.
func New(gen Generator, store ArtifactWriter, opts Options) *Pipeline {
	return &Pipeline{
		gen:      gen,
		store:    store,
		rehoster: opts.Rehoster,
		gallery:  opts.Gallery,
		retry:    opts.Retry,
	}
}

// Handler adapts the pipeline to the run executor.
func (p *Pipeline) Handler() runs.Handler {
	return func(ctx context.Context, exec *runs.Execution) (runs.Output, error) {
		res, err := p.Run(ctx, Input{
			RunID:       exec.RunID,
			UserID:      exec.Payload.UserID,
			Theme:       exec.Payload.Theme,
			Description: exec.Payload.Description,
			Size:        exec.Payload.Size,
		}, exec.BeginAttempt)
		if err != nil {
			return runs.Output{}, err
		}
		return res.Output, nil
	}
}

// Run generates the caption and image with retries, then re-hosts and persists
// once. onAttempt, when set, is called at the start of every attempt.
func (p *Pipeline) Run(ctx context.Context, in Input, onAttempt func() int) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	fields := log.Fields{"run_id": in.RunID, "user_id": in.UserID}

	var (
		res     Result
		caption string
		image   ai.GeneratedImage
	)
	operation := func() error {
		res.Attempts++
		if onAttempt != nil {
			onAttempt()
		}
		text, errCaption := p.gen.Caption(ctx, ai.CaptionRequest{Theme: in.Theme, Description: in.Description, Size: in.Size})
		if errCaption == nil && strings.TrimSpace(text) == "" {
			errCaption = ai.ErrNoContent
		}
		if errCaption != nil {
			return &StepError{Step: StepCaption, Attempt: res.Attempts, Err: errCaption}
		}
		img, errImage := p.gen.Image(ctx, ai.ImageRequest{Theme: in.Theme, Description: in.Description, Size: in.Size})
		if errImage == nil && img.URL == "" && img.B64 == "" {
			errImage = ai.ErrNoImage
		}
		if errImage != nil {
			return &StepError{Step: StepImage, Attempt: res.Attempts, Err: errImage}
		}
		caption, image = text, img
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.WithFields(fields).WithError(err).Warnf("generation attempt failed, retrying in %s", wait)
	}
	if errRetry := backoff.RetryNotify(operation, p.newBackOff(ctx), notify); errRetry != nil {
		var stepErr *StepError
		if errors.As(errRetry, &stepErr) {
			return res, stepErr
		}
		return res, errRetry
	}

	log.WithFields(fields).WithFields(log.Fields{
		"has_url":    image.URL != "",
		"has_base64": image.B64 != "",
	}).Info("generated content")

	url, b64 := image.URL, image.B64
	if p.rehoster != nil {
		res.Rehost.Attempted = true
		hosted, errRehost := p.rehoster.Rehost(ctx, image, in.RunID)
		if errRehost != nil {
			res.Rehost.Err = errRehost
			log.WithFields(fields).WithError(errRehost).Warn("re-hosting failed, keeping provider image")
		} else {
			res.Rehost.URL = hosted
			url, b64 = hosted, ""
		}
	}
	if url != "" {
		b64 = ""
	}

	res.Output = runs.Output{Text: caption}
	if url != "" {
		res.Output.Image = &url
	}
	if b64 != "" {
		res.Output.ImageBase64 = &b64
	}

	res.Persistence = p.persist(ctx, in, url, b64, caption)
	if res.Persistence.Err != nil {
		log.WithFields(fields).WithError(res.Persistence.Err).Warn("failed to save image to database")
	} else {
		log.WithFields(fields).Info("image saved to database")
	}
	return res, nil
}

func (p *Pipeline) persist(ctx context.Context, in Input, url, b64, caption string) Persistence {
	if p.store == nil {
		return Persistence{Err: errors.New("pipeline: no artifact store")}
	}
	var out Persistence
	image := &artifact.Image{
		UserID:  in.UserID,
		URL:     url,
		Base64:  b64,
		RunID:   in.RunID,
		Size:    in.Size,
		Caption: caption,
	}
	prompt, errPrompt := p.store.CreatePrompt(ctx, in.UserID, in.Theme, in.Description)
	if errPrompt != nil {
		log.WithField("run_id", in.RunID).WithError(errPrompt).Warn("failed to save prompt, storing image unlinked")
	} else {
		out.PromptID = prompt.ID
		image.PromptID = &prompt.ID
	}
	if errImage := p.store.CreateImage(ctx, image); errImage != nil {
		out.Err = errImage
		return out
	}
	out.Saved = true
	out.ImageID = image.ID
	if p.gallery != nil {
		p.gallery.Invalidate(ctx, in.UserID)
	}
	return out
}

func (p *Pipeline) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.retry.MinTimeout
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = 2 * time.Second
	}
	exp.MaxInterval = p.retry.MaxTimeout
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = 45 * time.Second
	}
	exp.Multiplier = p.retry.Factor
	if exp.Multiplier < 1 {
		exp.Multiplier = 2
	}
	exp.RandomizationFactor = 0
	if p.retry.Randomize {
		exp.RandomizationFactor = backoff.DefaultRandomizationFactor
	}
	exp.MaxElapsedTime = 0
	exp.Reset()

	attempts := p.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}
