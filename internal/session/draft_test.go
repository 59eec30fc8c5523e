package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nanobanana/imagebot/internal/gemini"
	"github.com/nanobanana/imagebot/internal/models"
)

func TestNewDraftDefaults(t *testing.T) {
	d := NewDraft(models.ModelBananaPro)
	assert.Equal(t, models.ModelBananaPro, d.Model)
	assert.Equal(t, "1:1", d.AspectRatio)
	assert.Equal(t, "1K", d.Resolution)
	assert.True(t, d.Empty())
}

func TestSetPromptLatestWins(t *testing.T) {
	d := NewDraft(models.ModelBananaFlash)
	d.SetPrompt("кот в лесу")
	d.SetPrompt("собака на пляже")
	assert.Equal(t, "собака на пляже", d.Prompt)
}

func TestSetPromptDirectives(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantPrompt string
		wantRatio  string
		wantRes    string
	}{
		{
			name:       "ratio only",
			text:       "кот в лесу --16:9",
			wantPrompt: "кот в лесу",
			wantRatio:  "16:9",
			wantRes:    "1K",
		},
		{
			name:       "resolution only",
			text:       "кот в лесу --4k",
			wantPrompt: "кот в лесу",
			wantRatio:  "1:1",
			wantRes:    "4K",
		},
		{
			name:       "both in either order",
			text:       "кот в лесу --16:9 --2K",
			wantPrompt: "кот в лесу",
			wantRatio:  "16:9",
			wantRes:    "2K",
		},
		{
			name:       "malformed directive stays in prompt",
			text:       "кот в лесу --21:9",
			wantPrompt: "кот в лесу --21:9",
			wantRatio:  "1:1",
			wantRes:    "1K",
		},
		{
			name:       "directive mid-text untouched",
			text:       "кот --16:9 в лесу",
			wantPrompt: "кот --16:9 в лесу",
			wantRatio:  "1:1",
			wantRes:    "1K",
		},
		{
			name:       "stripping stops at first invalid token",
			text:       "кот --bogus --4k",
			wantPrompt: "кот --bogus",
			wantRatio:  "1:1",
			wantRes:    "4K",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDraft(models.ModelBananaPro)
			d.SetPrompt(tt.text)
			assert.Equal(t, tt.wantPrompt, d.Prompt)
			assert.Equal(t, tt.wantRatio, d.AspectRatio)
			assert.Equal(t, tt.wantRes, d.Resolution)
		})
	}
}

func TestSetPromptDirectivesOnlyIsEmpty(t *testing.T) {
	d := NewDraft(models.ModelBananaPro)
	d.SetPrompt("--16:9 --4k")
	assert.True(t, d.Empty())
	assert.Equal(t, "16:9", d.AspectRatio)
	assert.Equal(t, "4K", d.Resolution)
}

func TestSetPromptKeepsEarlierDirective(t *testing.T) {
	// A later prompt edit that carries no directives keeps the earlier ones.
	d := NewDraft(models.ModelBananaPro)
	d.SetPrompt("кот --16:9")
	d.SetPrompt("собака")
	assert.Equal(t, "собака", d.Prompt)
	assert.Equal(t, "16:9", d.AspectRatio)
}

func TestCloneIsIndependent(t *testing.T) {
	d := NewDraft(models.ModelBananaFlash)
	d.SetPrompt("кот")
	d.References = append(d.References, gemini.Reference{Data: []byte{1}, MIME: "image/png"})

	cp := d.Clone()
	cp.References = append(cp.References, gemini.Reference{Data: []byte{2}, MIME: "image/png"})
	cp.Prompt = "собака"

	assert.Len(t, d.References, 1)
	assert.Equal(t, "кот", d.Prompt)
}
