package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanobanana/imagebot/internal/gemini"
	"github.com/nanobanana/imagebot/internal/models"
	"github.com/nanobanana/imagebot/internal/pricing"
	"github.com/nanobanana/imagebot/internal/session"
)

// memAccounts mimics the conditional-update semantics of the real repository.
type memAccounts struct {
	mu   sync.Mutex
	user *models.User
}

func (a *memAccounts) Get(ctx context.Context, id int64) (*models.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.user == nil || a.user.ID != id {
		return nil, nil
	}
	cp := *a.user
	return &cp, nil
}

func (a *memAccounts) Debit(ctx context.Context, id int64, amount int64) (int64, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.user.Balance < amount {
		return a.user.Balance, false, nil
	}
	a.user.Balance -= amount
	return a.user.Balance, true, nil
}

func (a *memAccounts) Credit(ctx context.Context, id int64, amount int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.Balance += amount
	return a.user.Balance, nil
}

func (a *memAccounts) balance() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user.Balance
}

type memAudit struct {
	mu        sync.Mutex
	rows      []*models.Generation
	appendErr error
}

func (a *memAudit) Append(ctx context.Context, gen *models.Generation) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.appendErr != nil {
		return 0, a.appendErr
	}
	cp := *gen
	cp.ID = int64(len(a.rows) + 1)
	cp.Status = models.StatusPending
	a.rows = append(a.rows, &cp)
	return cp.ID, nil
}

func (a *memAudit) MarkStatus(ctx context.Context, id int64, status models.GenerationStatus, tokensUsed int, resultURL string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, row := range a.rows {
		if row.ID == id {
			row.Status = status
			row.TokensUsed = tokensUsed
			row.ResultURL = resultURL
		}
	}
	return nil
}

func (a *memAudit) row(id int64) *models.Generation {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, row := range a.rows {
		if row.ID == id {
			cp := *row
			return &cp
		}
	}
	return nil
}

func (a *memAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rows)
}

type stubGenerator struct {
	mu     sync.Mutex
	calls  int
	result *gemini.Result
	err    error
}

func (g *stubGenerator) Generate(ctx context.Context, req gemini.Request) (*gemini.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.result, g.err
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type stubArchiver struct {
	url string
	err error
}

func (a *stubArchiver) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	return a.url, a.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fullUser(balance int64) *models.User {
	return &models.User{ID: 7, Balance: balance, Tariff: models.TariffFull}
}

func proDraft() *session.Draft {
	d := session.NewDraft(models.ModelBananaPro)
	d.SetPrompt("кот в лесу --16:9 --4k")
	return d
}

func TestSettleSuccess(t *testing.T) {
	accounts := &memAccounts{user: fullUser(1000)}
	audit := &memAudit{}
	gen := &stubGenerator{result: &gemini.Result{
		Data:         []byte("png-bytes"),
		MIME:         "image/png",
		TokensUsed:   1290,
		Continuation: &gemini.Continuation{},
	}}
	c := NewCoordinator(testLogger(), accounts, audit, gen, &stubArchiver{url: "https://cdn.example/img.png"}, time.Minute)

	out, err := c.Settle(context.Background(), 7, proDraft())
	require.NoError(t, err)

	// 400 base + 350 for 4K.
	assert.Equal(t, int64(750), out.Cost)
	assert.Equal(t, int64(250), out.NewBalance)
	assert.Equal(t, int64(250), accounts.balance())
	assert.Equal(t, []byte("png-bytes"), out.Image)
	assert.Equal(t, 1290, out.TokensUsed)
	assert.Equal(t, "https://cdn.example/img.png", out.ResultURL)
	assert.True(t, out.DialogueAllowed)

	row := audit.row(1)
	require.NotNil(t, row)
	assert.Equal(t, models.StatusCompleted, row.Status)
	assert.Equal(t, "4K", row.Resolution)
	assert.Equal(t, int64(750), row.Cost)
	assert.Equal(t, "https://cdn.example/img.png", row.ResultURL)
}

func TestSettleInsufficientFunds(t *testing.T) {
	accounts := &memAccounts{user: fullUser(100)}
	audit := &memAudit{}
	gen := &stubGenerator{result: &gemini.Result{Data: []byte("x")}}
	c := NewCoordinator(testLogger(), accounts, audit, gen, nil, time.Minute)

	out, err := c.Settle(context.Background(), 7, proDraft())
	assert.Nil(t, out)
	require.ErrorIs(t, err, session.ErrInsufficientFunds)

	// No external call, no audit row, balance untouched.
	assert.Equal(t, 0, gen.callCount())
	assert.Equal(t, 0, audit.count())
	assert.Equal(t, int64(100), accounts.balance())
}

func TestSettleBackendFailureRefundsExactly(t *testing.T) {
	accounts := &memAccounts{user: fullUser(1000)}
	audit := &memAudit{}
	gen := &stubGenerator{err: errors.New("backend exploded")}
	c := NewCoordinator(testLogger(), accounts, audit, gen, nil, time.Minute)

	out, err := c.Settle(context.Background(), 7, proDraft())
	assert.Nil(t, out)

	var genErr *session.GenerationError
	require.ErrorAs(t, err, &genErr)

	// Full reversal: the balance returns to exactly where it started.
	assert.Equal(t, int64(1000), accounts.balance())

	row := audit.row(1)
	require.NotNil(t, row)
	assert.Equal(t, models.StatusFailed, row.Status)
}

func TestSettleRevalidatesAgainstCurrentTariff(t *testing.T) {
	// The draft was collected under a paid tariff that has since expired.
	expired := time.Now().Add(-time.Hour)
	accounts := &memAccounts{user: &models.User{ID: 7, Balance: 5000, Tariff: models.TariffFull, TariffExpiresAt: &expired}}
	audit := &memAudit{}
	gen := &stubGenerator{result: &gemini.Result{Data: []byte("x")}}
	c := NewCoordinator(testLogger(), accounts, audit, gen, nil, time.Minute)

	out, err := c.Settle(context.Background(), 7, proDraft())
	assert.Nil(t, out)

	var rej *pricing.Rejection
	require.ErrorAs(t, err, &rej)

	// Rejected before any money moved.
	assert.Equal(t, 0, gen.callCount())
	assert.Equal(t, 0, audit.count())
	assert.Equal(t, int64(5000), accounts.balance())
}

func TestSettleUnknownAccount(t *testing.T) {
	accounts := &memAccounts{user: fullUser(1000)}
	c := NewCoordinator(testLogger(), accounts, &memAudit{}, &stubGenerator{}, nil, time.Minute)

	out, err := c.Settle(context.Background(), 99, proDraft())
	assert.Nil(t, out)
	assert.ErrorIs(t, err, session.ErrNoAccount)
}

func TestSettleAppendFailureRefunds(t *testing.T) {
	accounts := &memAccounts{user: fullUser(1000)}
	audit := &memAudit{appendErr: errors.New("db down")}
	gen := &stubGenerator{result: &gemini.Result{Data: []byte("x")}}
	c := NewCoordinator(testLogger(), accounts, audit, gen, nil, time.Minute)

	_, err := c.Settle(context.Background(), 7, proDraft())
	require.Error(t, err)
	assert.Equal(t, 0, gen.callCount())
	assert.Equal(t, int64(1000), accounts.balance())
}

func TestSettleArchiveFailureIsNotFatal(t *testing.T) {
	accounts := &memAccounts{user: fullUser(1000)}
	audit := &memAudit{}
	gen := &stubGenerator{result: &gemini.Result{Data: []byte("x"), MIME: "image/png"}}
	c := NewCoordinator(testLogger(), accounts, audit, gen, &stubArchiver{err: errors.New("s3 down")}, time.Minute)

	out, err := c.Settle(context.Background(), 7, proDraft())
	require.NoError(t, err)
	assert.Empty(t, out.ResultURL)

	row := audit.row(1)
	require.NotNil(t, row)
	assert.Equal(t, models.StatusCompleted, row.Status)
	assert.Empty(t, row.ResultURL)
}

func TestSettleDialogueFlagPerTariff(t *testing.T) {
	gen := &stubGenerator{result: &gemini.Result{Data: []byte("x")}}

	demoAccounts := &memAccounts{user: &models.User{ID: 7, Balance: 500, Tariff: models.TariffDemo}}
	c := NewCoordinator(testLogger(), demoAccounts, &memAudit{}, gen, nil, time.Minute)

	d := session.NewDraft(models.ModelBananaFlash)
	d.SetPrompt("кот")
	out, err := c.Settle(context.Background(), 7, d)
	require.NoError(t, err)
	assert.False(t, out.DialogueAllowed)
}
