// Package settlement owns the reserve-call-commit/refund sequence around one
// external generation call: re-validate against the current tariff, debit the
// balance atomically, invoke the backend exactly once, then commit the charge
// or reverse it in full.
package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/nanobanana/imagebot/internal/gemini"
	"github.com/nanobanana/imagebot/internal/models"
	"github.com/nanobanana/imagebot/internal/pricing"
	"github.com/nanobanana/imagebot/internal/session"
)

// Accounts is the balance side of persistence. Debit must be a single atomic
// conditional update; ok=false means the balance was insufficient and nothing
// changed.
type Accounts interface {
	Get(ctx context.Context, id int64) (*models.User, error)
	Debit(ctx context.Context, id int64, amount int64) (newBalance int64, ok bool, err error)
	Credit(ctx context.Context, id int64, amount int64) (newBalance int64, err error)
}

// Audit is the append-only generation trail.
type Audit interface {
	Append(ctx context.Context, gen *models.Generation) (int64, error)
	MarkStatus(ctx context.Context, id int64, status models.GenerationStatus, tokensUsed int, resultURL string) error
}

// Generator is the external image-generation backend.
type Generator interface {
	Generate(ctx context.Context, req gemini.Request) (*gemini.Result, error)
}

// Archiver stores a delivered image durably and returns its public URL.
type Archiver interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

type Coordinator struct {
	log       *slog.Logger
	accounts  Accounts
	audit     Audit
	generator Generator
	archive   Archiver
	timeout   time.Duration
}

func NewCoordinator(log *slog.Logger, accounts Accounts, audit Audit, generator Generator, archive Archiver, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Coordinator{
		log:       log,
		accounts:  accounts,
		audit:     audit,
		generator: generator,
		archive:   archive,
		timeout:   timeout,
	}
}

// Settle resolves one draft to either a committed charge plus delivered
// result, or a full refund plus error. The external generator is invoked at
// most once; a timeout is treated identically to a backend error.
func (c *Coordinator) Settle(ctx context.Context, userID int64, draft *session.Draft) (*session.Outcome, error) {
	user, err := c.accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, session.ErrNoAccount
	}

	// Validate against the tariff as of now, not as of draft collection.
	tariff := pricing.EffectiveTariff(user, time.Now())
	if err := pricing.Validate(tariff, draft.Model, draft.Resolution, len(draft.References), draft.AspectRatio); err != nil {
		return nil, err
	}

	cost := pricing.Price(draft.Model, draft.Resolution)

	newBalance, ok, err := c.accounts.Debit(ctx, userID, cost)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, session.ErrInsufficientFunds
	}

	genID, err := c.audit.Append(ctx, &models.Generation{
		UserID:      userID,
		Model:       draft.Model,
		Prompt:      draft.Prompt,
		AspectRatio: draft.AspectRatio,
		Resolution:  pricing.NormalizeResolution(draft.Resolution),
		Cost:        cost,
	})
	if err != nil {
		// The reservation is already taken; reverse it before reporting.
		c.refund(ctx, userID, cost)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.generator.Generate(callCtx, gemini.Request{
		Model:        draft.Model,
		Prompt:       draft.Prompt,
		AspectRatio:  draft.AspectRatio,
		Resolution:   draft.Resolution,
		References:   draft.References,
		Continuation: draft.Continuation,
	})
	if err != nil {
		c.refund(ctx, userID, cost)
		if markErr := c.audit.MarkStatus(ctx, genID, models.StatusFailed, 0, ""); markErr != nil {
			c.log.Error("mark generation failed", "generation", genID, "err", markErr)
		}
		return nil, &session.GenerationError{Err: err}
	}

	resultURL := ""
	if c.archive != nil {
		url, archiveErr := c.archive.Upload(ctx, result.Data, result.MIME)
		if archiveErr != nil {
			c.log.Error("archive generation result", "generation", genID, "err", archiveErr)
		} else {
			resultURL = url
		}
	}

	if err := c.audit.MarkStatus(ctx, genID, models.StatusCompleted, result.TokensUsed, resultURL); err != nil {
		c.log.Error("mark generation completed", "generation", genID, "err", err)
	}

	return &session.Outcome{
		Image:           result.Data,
		MIME:            result.MIME,
		Model:           draft.Model,
		Prompt:          draft.Prompt,
		Cost:            cost,
		NewBalance:      newBalance,
		TokensUsed:      result.TokensUsed,
		ResultURL:       resultURL,
		Continuation:    result.Continuation,
		DialogueAllowed: pricing.DialogueAllowed(tariff, draft.Model),
	}, nil
}

// refund reverses a reservation in full, never partially. A failed credit
// leaves the account short until operator intervention; it is logged at error
// level with everything needed to reconcile by hand.
func (c *Coordinator) refund(ctx context.Context, userID int64, cost int64) {
	if _, err := c.accounts.Credit(ctx, userID, cost); err != nil {
		c.log.Error("refund after failed generation", "user", userID, "amount", cost, "err", err)
	}
}
