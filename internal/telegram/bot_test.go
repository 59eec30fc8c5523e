package telegram

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Minimal valid PNG header bytes, enough for content sniffing.
var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

func TestNormalizeImageContentType(t *testing.T) {
	ct, err := normalizeImageContentType("image/jpeg", nil)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", ct)

	// Charset suffix is stripped.
	ct, err = normalizeImageContentType("image/png; charset=binary", nil)
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)

	// image/jpg is normalized to the canonical name.
	ct, err = normalizeImageContentType("image/jpg", nil)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", ct)

	// Unhelpful header falls back to sniffing the payload.
	ct, err = normalizeImageContentType("application/octet-stream", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)

	// Non-image payloads are rejected.
	_, err = normalizeImageContentType("text/plain", []byte("hello"))
	assert.ErrorIs(t, err, errReferenceNotImage)

	_, err = normalizeImageContentType("", []byte("%PDF-1.4"))
	assert.ErrorIs(t, err, errReferenceNotImage)
}

func TestExtensionForMIME(t *testing.T) {
	assert.Equal(t, ".jpg", extensionForMIME("image/jpeg"))
	assert.Equal(t, ".webp", extensionForMIME("image/webp"))
	assert.Equal(t, ".png", extensionForMIME("image/png"))
	assert.Equal(t, ".png", extensionForMIME(""))
}

func TestPrivateChat(t *testing.T) {
	assert.True(t, privateChat(&tgbotapi.Chat{Type: "private"}))
	assert.False(t, privateChat(&tgbotapi.Chat{Type: "group"}))
	assert.False(t, privateChat(&tgbotapi.Chat{Type: "supergroup"}))
	assert.False(t, privateChat(&tgbotapi.Chat{Type: "channel"}))
	assert.False(t, privateChat(nil))
}

func TestTariffsText(t *testing.T) {
	text := tariffsText()
	assert.Contains(t, text, "DEMO")
	assert.Contains(t, text, "BASIC")
	assert.Contains(t, text, "FULL")
	assert.Contains(t, text, "390")
	assert.Contains(t, text, "990")
	assert.Contains(t, text, "Горсть")
	assert.Contains(t, text, "Казна")
	assert.NotContains(t, text, "ADMIN")
}
