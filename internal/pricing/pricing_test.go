package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanobanana/imagebot/internal/models"
)

func TestPriceBaseModels(t *testing.T) {
	tests := []struct {
		model models.Model
		want  int64
	}{
		{models.ModelImagenFast, 50},
		{models.ModelImagenBasic, 100},
		{models.ModelImagenUltra, 150},
		{models.ModelBananaFlash, 70},
		{models.ModelBananaPro, 400},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Price(tt.model, ResolutionBase), "model %s", tt.model)
	}
}

func TestPriceResolutionSurcharge(t *testing.T) {
	assert.Equal(t, int64(500), Price(models.ModelBananaPro, Resolution2K))
	assert.Equal(t, int64(750), Price(models.ModelBananaPro, Resolution4K))

	// Resolution tokens are case-insensitive.
	assert.Equal(t, int64(750), Price(models.ModelBananaPro, "4k"))
	assert.Equal(t, int64(500), Price(models.ModelBananaPro, "2k"))

	// Empty resolution means baseline.
	assert.Equal(t, int64(400), Price(models.ModelBananaPro, ""))
}

func TestPriceSurchargeOnlyForResolutionModels(t *testing.T) {
	// Models without resolution selection never pick up a surcharge.
	assert.Equal(t, int64(70), Price(models.ModelBananaFlash, Resolution4K))
	assert.Equal(t, int64(50), Price(models.ModelImagenFast, Resolution2K))
}

func TestPriceUnknownModelFallback(t *testing.T) {
	assert.Equal(t, int64(100), Price(models.Model("no-such-model"), ResolutionBase))
}

func TestPriceIsRepeatable(t *testing.T) {
	first := Price(models.ModelBananaPro, Resolution4K)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Price(models.ModelBananaPro, Resolution4K))
	}
}

func TestValidateDemoModelAccess(t *testing.T) {
	assert.NoError(t, Validate(models.TariffDemo, models.ModelImagenFast, ResolutionBase, 0, "1:1"))
	assert.NoError(t, Validate(models.TariffDemo, models.ModelBananaFlash, ResolutionBase, 0, "1:1"))
	assert.NoError(t, Validate(models.TariffDemo, models.ModelBananaPro, ResolutionBase, 0, "1:1"))

	err := Validate(models.TariffDemo, models.ModelImagenUltra, ResolutionBase, 0, "1:1")
	require.Error(t, err)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonModelNotAllowed, rej.Reason)
	assert.NotEmpty(t, rej.Message)
}

func TestValidateDemoAspectRatio(t *testing.T) {
	err := Validate(models.TariffDemo, models.ModelBananaFlash, ResolutionBase, 0, "16:9")
	require.Error(t, err)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonAspectRatioNotAllowed, rej.Reason)
}

func TestValidateDemoReferences(t *testing.T) {
	err := Validate(models.TariffDemo, models.ModelBananaFlash, ResolutionBase, 1, "1:1")
	require.Error(t, err)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonTooManyReferences, rej.Reason)
}

func TestValidateHighResolutionGate(t *testing.T) {
	// Basic tariff may not select 2K/4K.
	err := Validate(models.TariffBasic, models.ModelBananaPro, Resolution4K, 0, "16:9")
	require.Error(t, err)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonResolutionNotAllowed, rej.Reason)

	// Full tariff may.
	assert.NoError(t, Validate(models.TariffFull, models.ModelBananaPro, Resolution4K, 0, "16:9"))
}

func TestValidateReferenceCaps(t *testing.T) {
	assert.NoError(t, Validate(models.TariffBasic, models.ModelBananaFlash, ResolutionBase, 1, "16:9"))

	err := Validate(models.TariffBasic, models.ModelBananaFlash, ResolutionBase, 2, "16:9")
	require.Error(t, err)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonTooManyReferences, rej.Reason)

	assert.NoError(t, Validate(models.TariffFull, models.ModelBananaPro, ResolutionBase, 5, "4:3"))
	assert.Error(t, Validate(models.TariffFull, models.ModelBananaPro, ResolutionBase, 6, "4:3"))
}

func TestValidateCheckOrder(t *testing.T) {
	// Everything about the request is wrong; the model check fires first.
	err := Validate(models.TariffDemo, models.ModelImagenUltra, Resolution4K, 3, "16:9")
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonModelNotAllowed, rej.Reason)
}

func TestValidateAdminBypass(t *testing.T) {
	assert.NoError(t, Validate(models.TariffAdmin, models.ModelImagenUltra, Resolution4K, 10, "16:9"))
}

func TestEffectiveTariffExpiry(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	expired := &models.User{Tariff: models.TariffFull, TariffExpiresAt: &past}
	assert.Equal(t, models.TariffDemo, EffectiveTariff(expired, now))

	active := &models.User{Tariff: models.TariffFull, TariffExpiresAt: &future}
	assert.Equal(t, models.TariffFull, EffectiveTariff(active, now))

	unlimited := &models.User{Tariff: models.TariffBasic}
	assert.Equal(t, models.TariffBasic, EffectiveTariff(unlimited, now))

	// Admin never degrades, even with an expiry in the past.
	admin := &models.User{Tariff: models.TariffAdmin, TariffExpiresAt: &past}
	assert.Equal(t, models.TariffAdmin, EffectiveTariff(admin, now))

	assert.Equal(t, models.TariffDemo, EffectiveTariff(nil, now))
	assert.Equal(t, models.TariffDemo, EffectiveTariff(&models.User{}, now))
}

func TestDialogueAllowed(t *testing.T) {
	assert.False(t, DialogueAllowed(models.TariffDemo, models.ModelBananaFlash))
	assert.True(t, DialogueAllowed(models.TariffBasic, models.ModelBananaFlash))
	assert.True(t, DialogueAllowed(models.TariffFull, models.ModelBananaPro))
	assert.True(t, DialogueAllowed(models.TariffAdmin, models.ModelBananaPro))

	// Imagen models never enter dialogue, regardless of tariff.
	assert.False(t, DialogueAllowed(models.TariffFull, models.ModelImagenUltra))
}

func TestNormalizeResolution(t *testing.T) {
	assert.Equal(t, "1K", NormalizeResolution(""))
	assert.Equal(t, "2K", NormalizeResolution("2k"))
	assert.Equal(t, "4K", NormalizeResolution(" 4K "))
}

func TestKnownTokens(t *testing.T) {
	assert.True(t, KnownAspectRatio("16:9"))
	assert.False(t, KnownAspectRatio("21:9"))
	assert.True(t, KnownResolution("4k"))
	assert.False(t, KnownResolution("8K"))
}

func TestTariffRulesFallback(t *testing.T) {
	rules := TariffRules(models.Tariff("bogus"))
	assert.Equal(t, TariffRules(models.TariffDemo), rules)
}

func TestPackagesCatalog(t *testing.T) {
	require.Len(t, Packages, 4)
	assert.Equal(t, int64(1000), Packages[0].NC)
	assert.Equal(t, int64(65000), Packages[3].NC)
	for i := 1; i < len(Packages); i++ {
		assert.Greater(t, Packages[i].PriceRUB, Packages[i-1].PriceRUB)
	}
	// Every package beats or matches the raw peg.
	for _, pkg := range Packages {
		assert.GreaterOrEqual(t, pkg.NC, int64(pkg.PriceRUB)*RubToNC)
	}
}
