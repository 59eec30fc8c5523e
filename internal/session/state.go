package session

// State is the conversation-level state. Exactly one state is active per
// conversation; transitions happen under the conversation lock.
type State int

const (
	// StateIdle means no generation flow is in progress.
	StateIdle State = iota
	// StateCollecting means a draft exists and fragments are being aggregated.
	StateCollecting
	// StateInFlight means a settlement is running; the exclusivity guard is held.
	StateInFlight
	// StateDialogueStandby means the last result can be refined via dialogue.
	StateDialogueStandby
	// StateAwaitingConfirm means a refinement is priced and waits for explicit
	// confirmation before it is billed and sent.
	StateAwaitingConfirm
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateInFlight:
		return "in-flight"
	case StateDialogueStandby:
		return "dialogue-standby"
	case StateAwaitingConfirm:
		return "awaiting-confirm"
	default:
		return "unknown"
	}
}
