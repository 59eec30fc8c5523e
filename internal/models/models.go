package models

import "time"

// Model identifies an image-generation backend model by its API name.
type Model string

const (
	ModelImagenFast  Model = "imagen-4.0-fast-generate-001"
	ModelImagenBasic Model = "imagen-4.0-generate-001"
	ModelImagenUltra Model = "imagen-4.0-ultra-generate-001"
	ModelBananaFlash Model = "gemini-2.5-flash-image"
	ModelBananaPro   Model = "gemini-3-pro-image-preview"
)

// Tariff is a named subscription level with fixed eligibility and pricing rules.
type Tariff string

const (
	TariffDemo  Tariff = "demo"
	TariffBasic Tariff = "basic"
	TariffFull  Tariff = "full"
	TariffAdmin Tariff = "admin"
)

type GenerationStatus string

const (
	StatusPending   GenerationStatus = "pending"
	StatusCompleted GenerationStatus = "completed"
	StatusFailed    GenerationStatus = "failed"
)

// User is keyed by the Telegram user id. Balance is in NC (integer currency
// units, 1 RUB = 10 NC). A nil TariffExpiresAt means the tariff never expires.
type User struct {
	ID              int64
	Username        string
	FullName        string
	Balance         int64
	Tariff          Tariff
	TariffExpiresAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Generation is an append-only audit record for one settlement. Status moves
// pending -> completed | failed exactly once and is never touched again.
type Generation struct {
	ID          int64
	UserID      int64
	Model       Model
	Prompt      string
	AspectRatio string
	Resolution  string
	Status      GenerationStatus
	Cost        int64
	TokensUsed  int
	ResultURL   string
	CreatedAt   time.Time
}
