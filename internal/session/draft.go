package session

import (
	"strings"

	"github.com/nanobanana/imagebot/internal/gemini"
	"github.com/nanobanana/imagebot/internal/models"
	"github.com/nanobanana/imagebot/internal/pricing"
)

// Draft is the mutable, in-progress description of one generation request.
// It is owned by a single conversation, mutated by input fragments, handed to
// settlement read-only, and discarded after the outcome resolves.
type Draft struct {
	Model        models.Model
	Prompt       string
	AspectRatio  string
	Resolution   string
	References   []gemini.Reference
	Continuation *gemini.Continuation
}

func NewDraft(model models.Model) *Draft {
	return &Draft{
		Model:       model,
		AspectRatio: "1:1",
		Resolution:  pricing.ResolutionBase,
	}
}

// SetPrompt replaces the prompt (latest wins, not append). Trailing directive
// tokens of the form --16:9 or --4k are parsed out, stripped from the stored
// prompt and applied to the corresponding field; a malformed directive stays
// in the prompt text untouched.
func (d *Draft) SetPrompt(text string) {
	prompt, ratio, resolution := parseDirectives(text)
	d.Prompt = prompt
	if ratio != "" {
		d.AspectRatio = ratio
	}
	if resolution != "" {
		d.Resolution = resolution
	}
}

// Empty reports whether the draft has no usable prompt. A draft that carried
// only directive tokens is empty.
func (d *Draft) Empty() bool {
	return strings.TrimSpace(d.Prompt) == ""
}

// Clone returns a copy that is safe to hand off to settlement. The copy
// shares reference image bytes, which are never modified after download.
func (d *Draft) Clone() *Draft {
	cp := *d
	cp.References = append([]gemini.Reference(nil), d.References...)
	return &cp
}

// parseDirectives strips valid trailing directive tokens from the end of the
// text. Stripping stops at the first trailing token that is not a valid
// directive, so malformed ones are left in place.
func parseDirectives(text string) (prompt, ratio, resolution string) {
	fields := strings.Fields(text)
	for len(fields) > 0 {
		last := fields[len(fields)-1]
		value, ok := strings.CutPrefix(last, "--")
		if !ok || value == "" {
			break
		}
		switch {
		case pricing.KnownAspectRatio(value):
			if ratio == "" {
				ratio = value
			}
		case pricing.KnownResolution(value):
			if resolution == "" {
				resolution = pricing.NormalizeResolution(value)
			}
		default:
			return strings.Join(fields, " "), ratio, resolution
		}
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " "), ratio, resolution
}
