package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanobanana/imagebot/internal/models"
)

func TestDialogueRegistry(t *testing.T) {
	r := NewDialogueRegistry()

	_, ok := r.Get(1)
	assert.False(t, ok)

	r.Put(1, &DialogueSession{Model: models.ModelBananaFlash, AspectRatio: "16:9", Resolution: "1K"})
	s, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, models.ModelBananaFlash, s.Model)

	// Entries are per conversation.
	_, ok = r.Get(2)
	assert.False(t, ok)

	// Put replaces.
	r.Put(1, &DialogueSession{Model: models.ModelBananaPro})
	s, ok = r.Get(1)
	require.True(t, ok)
	assert.Equal(t, models.ModelBananaPro, s.Model)

	r.Remove(1)
	_, ok = r.Get(1)
	assert.False(t, ok)

	// Removing an absent entry is a no-op.
	r.Remove(42)
}
