package session

import "github.com/nanobanana/imagebot/internal/gemini"

// FragmentKind tags one inbound input event.
type FragmentKind int

const (
	// FragmentText replaces the draft prompt (latest wins).
	FragmentText FragmentKind = iota
	// FragmentPhoto appends a reference image to the draft.
	FragmentPhoto
	// FragmentSubmit bypasses the debounce timer and submits immediately.
	FragmentSubmit
	// FragmentCancel aborts the current flow without charge.
	FragmentCancel
)

// Fragment is one structured input event from the chat transport.
type Fragment struct {
	Kind  FragmentKind
	Text  string
	Photo *gemini.Reference
}

func TextFragment(text string) Fragment {
	return Fragment{Kind: FragmentText, Text: text}
}

func PhotoFragment(data []byte, mime string) Fragment {
	return Fragment{Kind: FragmentPhoto, Photo: &gemini.Reference{Data: data, MIME: mime}}
}
