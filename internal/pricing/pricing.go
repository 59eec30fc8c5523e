// Package pricing holds the immutable tariff and model catalog and the pure
// admissibility and cost functions built on top of it. Nothing here performs
// I/O or keeps state, so Validate and Price are safe to call repeatedly and
// concurrently; the settlement path relies on that to re-validate a draft
// against the user's current tariff right before reserving funds.
package pricing

import (
	"fmt"
	"strings"
	"time"

	"github.com/nanobanana/imagebot/internal/models"
)

// RubToNC is the currency peg: 1 RUB = 10 NC.
const RubToNC = 10

// StartBonusNC is credited to every new demo account.
const StartBonusNC = 500

// Reason classifies why a request was rejected.
type Reason string

const (
	ReasonModelNotAllowed       Reason = "model-not-allowed"
	ReasonResolutionNotAllowed  Reason = "resolution-not-allowed"
	ReasonTooManyReferences     Reason = "too-many-references"
	ReasonAspectRatioNotAllowed Reason = "aspect-ratio-not-allowed"
)

// Rejection is returned by Validate when a request is inadmissible for the
// tariff. Message is user-facing and already localized.
type Rejection struct {
	Reason  Reason
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("validation rejected (%s): %s", r.Reason, r.Message)
}

// ModelInfo describes one catalog entry.
type ModelInfo struct {
	Name               string
	Short              string
	Family             string
	BasePrice          int64
	SupportsResolution bool
	SupportsReferences bool
	SupportsDialogue   bool
}

// Models is the generation model catalog. Loaded once, never mutated.
var Models = map[models.Model]ModelInfo{
	models.ModelImagenFast:  {Name: "Imagen 4 (Fast)", Short: "Fast", Family: "imagen", BasePrice: 50},
	models.ModelImagenBasic: {Name: "Imagen 4 (Basic)", Short: "Basic", Family: "imagen", BasePrice: 100},
	models.ModelImagenUltra: {Name: "Imagen 4 (Ultra)", Short: "Ultra", Family: "imagen", BasePrice: 150},
	models.ModelBananaFlash: {Name: "Nano Banana (Flash)", Short: "Flash", Family: "banana", BasePrice: 70, SupportsReferences: true, SupportsDialogue: true},
	models.ModelBananaPro:   {Name: "Nano Banana (Pro)", Short: "Pro", Family: "banana", BasePrice: 400, SupportsResolution: true, SupportsReferences: true, SupportsDialogue: true},
}

// CatalogOrder fixes the display order of the model catalog.
var CatalogOrder = []models.Model{
	models.ModelImagenFast,
	models.ModelImagenBasic,
	models.ModelImagenUltra,
	models.ModelBananaFlash,
	models.ModelBananaPro,
}

// AspectRatios lists every ratio the backend accepts, in display order.
var AspectRatios = []string{"1:1", "16:9", "9:16", "4:3", "3:4"}

const (
	ResolutionBase = "1K"
	Resolution2K   = "2K"
	Resolution4K   = "4K"
)

// resolutionSurcharges is added to the base price for models that support
// resolution selection. Absent token = zero surcharge.
var resolutionSurcharges = map[string]int64{
	Resolution2K: 100,
	Resolution4K: 350,
}

// Rules bundles the constraints of one tariff. Nil AllowedModels or
// AllowedAspectRatios means "any".
type Rules struct {
	PriceRUB            int
	MonthlyNC           int64
	AllowedModels       []models.Model
	MaxReferences       int
	AllowedAspectRatios []string
	HighResolution      bool
	Dialogue            bool
}

var tariffs = map[models.Tariff]Rules{
	models.TariffDemo: {
		PriceRUB: 0,
		AllowedModels: []models.Model{
			models.ModelImagenFast,
			models.ModelBananaFlash,
			models.ModelBananaPro,
		},
		MaxReferences:       0,
		AllowedAspectRatios: []string{"1:1"},
	},
	models.TariffBasic: {
		PriceRUB:      390,
		MonthlyNC:     3000,
		MaxReferences: 1,
		Dialogue:      true,
	},
	models.TariffFull: {
		PriceRUB:       990,
		MonthlyNC:      8000,
		MaxReferences:  5,
		HighResolution: true,
		Dialogue:       true,
	},
	models.TariffAdmin: {
		MaxReferences:  10,
		HighResolution: true,
		Dialogue:       true,
	},
}

// TariffRules returns the rule set for a tariff, falling back to demo for
// anything unknown.
func TariffRules(tariff models.Tariff) Rules {
	if rules, ok := tariffs[tariff]; ok {
		return rules
	}
	return tariffs[models.TariffDemo]
}

// EffectiveTariff applies expiry: a tariff whose expiry timestamp has passed
// degrades to demo at read time. Admin never degrades.
func EffectiveTariff(user *models.User, now time.Time) models.Tariff {
	if user == nil {
		return models.TariffDemo
	}
	if user.Tariff == models.TariffAdmin {
		return models.TariffAdmin
	}
	if user.TariffExpiresAt != nil && now.After(*user.TariffExpiresAt) {
		return models.TariffDemo
	}
	if user.Tariff == "" {
		return models.TariffDemo
	}
	return user.Tariff
}

// NormalizeResolution uppercases a resolution token and maps empty to the
// baseline.
func NormalizeResolution(resolution string) string {
	res := strings.ToUpper(strings.TrimSpace(resolution))
	if res == "" {
		return ResolutionBase
	}
	return res
}

// Price computes the integer cost of one generation: the model base price
// plus a resolution surcharge for models that support resolution selection.
func Price(model models.Model, resolution string) int64 {
	info, ok := Models[model]
	if !ok {
		// Safe fallback, mirrors the basic model price.
		return 100
	}
	cost := info.BasePrice
	if info.SupportsResolution {
		if surcharge, ok := resolutionSurcharges[NormalizeResolution(resolution)]; ok {
			cost += surcharge
		}
	}
	return cost
}

// Validate decides admissibility of a request for a tariff. The first failing
// check wins, in fixed order: model, resolution, reference count, aspect
// ratio. Admin short-circuits with zero checks.
func Validate(tariff models.Tariff, model models.Model, resolution string, refCount int, aspectRatio string) error {
	if tariff == models.TariffAdmin {
		return nil
	}
	rules := TariffRules(tariff)

	if rules.AllowedModels != nil && !containsModel(rules.AllowedModels, model) {
		return &Rejection{
			Reason:  ReasonModelNotAllowed,
			Message: fmt.Sprintf("Модель %s недоступна на тарифе %s.", Models[model].Name, strings.ToUpper(string(tariff))),
		}
	}

	res := NormalizeResolution(resolution)
	if _, high := resolutionSurcharges[res]; high && !rules.HighResolution {
		return &Rejection{
			Reason:  ReasonResolutionNotAllowed,
			Message: fmt.Sprintf("Разрешение %s доступно только на тарифе ПОЛНЫЙ.", res),
		}
	}

	if refCount > rules.MaxReferences {
		if rules.MaxReferences == 0 {
			return &Rejection{
				Reason:  ReasonTooManyReferences,
				Message: "Загрузка референсов доступна с тарифа БАЗОВЫЙ.",
			}
		}
		return &Rejection{
			Reason:  ReasonTooManyReferences,
			Message: fmt.Sprintf("Тариф %s позволяет максимум %d референс(ов).", strings.ToUpper(string(tariff)), rules.MaxReferences),
		}
	}

	if rules.AllowedAspectRatios != nil && !containsString(rules.AllowedAspectRatios, aspectRatio) {
		return &Rejection{
			Reason:  ReasonAspectRatioNotAllowed,
			Message: fmt.Sprintf("Тариф %s поддерживает только соотношение 1:1 (квадрат).", strings.ToUpper(string(tariff))),
		}
	}

	return nil
}

// DialogueAllowed reports whether a completed generation may enter the
// refinement loop: the model must support dialogue and the tariff permit it.
func DialogueAllowed(tariff models.Tariff, model models.Model) bool {
	if !Models[model].SupportsDialogue {
		return false
	}
	if tariff == models.TariffAdmin {
		return true
	}
	return TariffRules(tariff).Dialogue
}

// KnownAspectRatio reports whether the token is in the catalog.
func KnownAspectRatio(ratio string) bool {
	return containsString(AspectRatios, ratio)
}

// KnownResolution reports whether the token names a selectable resolution.
func KnownResolution(resolution string) bool {
	switch NormalizeResolution(resolution) {
	case ResolutionBase, Resolution2K, Resolution4K:
		return true
	}
	return false
}

func containsModel(list []models.Model, m models.Model) bool {
	for _, v := range list {
		if v == m {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
