package session

import (
	"sync"

	"github.com/nanobanana/imagebot/internal/gemini"
	"github.com/nanobanana/imagebot/internal/models"
)

// DialogueSession maps a conversation to the opaque continuation of its last
// successful generation, plus the parameters that produced it. Refinements
// reuse these so a follow-up only needs new prompt text.
type DialogueSession struct {
	Continuation *gemini.Continuation
	Model        models.Model
	AspectRatio  string
	Resolution   string
}

// DialogueRegistry is a process-local keyed store of dialogue sessions, one
// entry per conversation. Entries live until explicit removal; an abandoned
// dialogue leaks one entry per conversation, bounded by conversation count.
type DialogueRegistry struct {
	mu       sync.RWMutex
	sessions map[int64]*DialogueSession
}

func NewDialogueRegistry() *DialogueRegistry {
	return &DialogueRegistry{
		sessions: make(map[int64]*DialogueSession),
	}
}

func (r *DialogueRegistry) Put(chatID int64, s *DialogueSession) {
	r.mu.Lock()
	r.sessions[chatID] = s
	r.mu.Unlock()
}

func (r *DialogueRegistry) Get(chatID int64) (*DialogueSession, bool) {
	r.mu.RLock()
	s, ok := r.sessions[chatID]
	r.mu.RUnlock()
	return s, ok
}

func (r *DialogueRegistry) Remove(chatID int64) {
	r.mu.Lock()
	delete(r.sessions, chatID)
	r.mu.Unlock()
}
