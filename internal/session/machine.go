// Package session owns the per-conversation orchestration: fragment
// aggregation with a trailing-edit debounce, the conversation state machine,
// the in-flight exclusivity guard, and the dialogue session registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nanobanana/imagebot/internal/gemini"
	"github.com/nanobanana/imagebot/internal/models"
	"github.com/nanobanana/imagebot/internal/pricing"
)

// Accounts provides the account snapshot the machine needs for tariff checks.
type Accounts interface {
	Get(ctx context.Context, id int64) (*models.User, error)
}

// Settler runs the reserve-call-commit/refund sequence for one draft.
type Settler interface {
	Settle(ctx context.Context, userID int64, draft *Draft) (*Outcome, error)
}

// Sink receives every user-visible notice and result. Each terminal outcome
// produces exactly one call.
type Sink interface {
	Notice(chatID int64, text string)
	// PromptConfirm asks the user to confirm a priced refinement; the
	// transport is expected to render confirm/cancel controls.
	PromptConfirm(chatID int64, text string)
	Result(chatID int64, out *Outcome, dialogue bool)
}

// SinkFunc adapts plain functions to Sink, which lets the transport and the
// machine reference each other without a construction cycle.
type SinkFunc struct {
	NoticeFunc        func(chatID int64, text string)
	PromptConfirmFunc func(chatID int64, text string)
	ResultFunc        func(chatID int64, out *Outcome, dialogue bool)
}

func (s SinkFunc) Notice(chatID int64, text string)        { s.NoticeFunc(chatID, text) }
func (s SinkFunc) PromptConfirm(chatID int64, text string) { s.PromptConfirmFunc(chatID, text) }
func (s SinkFunc) Result(chatID int64, out *Outcome, dialogue bool) {
	s.ResultFunc(chatID, out, dialogue)
}

// Outcome is a committed, delivered settlement.
type Outcome struct {
	Image           []byte
	MIME            string
	Model           models.Model
	Prompt          string
	Cost            int64
	NewBalance      int64
	TokensUsed      int
	ResultURL       string
	Continuation    *gemini.Continuation
	DialogueAllowed bool
}

// conversation is the per-chat state object. All fields are guarded by mu;
// timerSeq makes the cancel-vs-fire race explicit: a fired timer that lost
// the latest race observes a newer sequence number and no-ops.
type conversation struct {
	mu               sync.Mutex
	state            State
	draft            *Draft
	pending          *Draft
	timer            *time.Timer
	timerSeq         uint64
	inFlight         bool
	capacityNotified bool
}

// Machine coordinates all conversations. Independent conversations run fully
// concurrently; within one conversation the exclusivity guard admits at most
// one settlement in flight.
type Machine struct {
	accounts  Accounts
	settler   Settler
	dialogues *DialogueRegistry
	sink      Sink
	log       *slog.Logger
	debounce  time.Duration

	mu    sync.Mutex
	convs map[int64]*conversation
}

func NewMachine(accounts Accounts, settler Settler, dialogues *DialogueRegistry, sink Sink, log *slog.Logger, debounce time.Duration) *Machine {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Machine{
		accounts:  accounts,
		settler:   settler,
		dialogues: dialogues,
		sink:      sink,
		log:       log,
		debounce:  debounce,
		convs:     make(map[int64]*conversation),
	}
}

func (m *Machine) conversation(chatID int64) *conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[chatID]
	if !ok {
		conv = &conversation{state: StateIdle}
		m.convs[chatID] = conv
	}
	return conv
}

// State reports the current conversation state, for the transport to decide
// which controls to show.
func (m *Machine) State(chatID int64) State {
	conv := m.conversation(chatID)
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.state
}

// SelectModel starts a fresh collecting flow for the chosen model. Any
// standing dialogue is terminated first.
func (m *Machine) SelectModel(ctx context.Context, chatID int64, model models.Model) {
	conv := m.conversation(chatID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.inFlight {
		m.sink.Notice(chatID, "Генерация уже идёт, дождитесь результата.")
		return
	}
	conv.stopTimerLocked()
	m.dialogues.Remove(chatID)
	conv.state = StateCollecting
	conv.draft = NewDraft(model)
	conv.pending = nil
	conv.capacityNotified = false
}

// SetAspectRatio applies a keyboard-chosen ratio to the collecting draft.
// Unknown tokens and non-collecting states are ignored with a notice.
func (m *Machine) SetAspectRatio(ctx context.Context, chatID int64, ratio string) {
	if !pricing.KnownAspectRatio(ratio) {
		return
	}
	conv := m.conversation(chatID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.state != StateCollecting {
		m.sink.Notice(chatID, "Сначала выберите модель через /generate.")
		return
	}
	conv.draft.AspectRatio = ratio
	if !conv.draft.Empty() {
		m.restartDebounceLocked(ctx, chatID, conv)
	}
}

// SetResolution applies a keyboard-chosen resolution to the collecting draft.
func (m *Machine) SetResolution(ctx context.Context, chatID int64, resolution string) {
	if !pricing.KnownResolution(resolution) {
		return
	}
	conv := m.conversation(chatID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.state != StateCollecting {
		m.sink.Notice(chatID, "Сначала выберите модель через /generate.")
		return
	}
	conv.draft.Resolution = pricing.NormalizeResolution(resolution)
	if !conv.draft.Empty() {
		m.restartDebounceLocked(ctx, chatID, conv)
	}
}

// HandleFragment feeds one input event into the conversation.
func (m *Machine) HandleFragment(ctx context.Context, chatID int64, frag Fragment) {
	switch frag.Kind {
	case FragmentCancel:
		m.Cancel(ctx, chatID)
		return
	case FragmentSubmit:
		m.submitNow(ctx, chatID)
		return
	case FragmentPhoto:
		m.handlePhoto(ctx, chatID, frag)
		return
	case FragmentText:
		m.handleText(ctx, chatID, frag)
		return
	}
}

func (m *Machine) handleText(ctx context.Context, chatID int64, frag Fragment) {
	conv := m.conversation(chatID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	switch conv.state {
	case StateCollecting:
		conv.draft.SetPrompt(frag.Text)
		m.restartDebounceLocked(ctx, chatID, conv)
	case StateDialogueStandby:
		m.startRefinementLocked(chatID, conv, frag.Text)
	case StateAwaitingConfirm:
		conv.pending.SetPrompt(frag.Text)
		m.sink.PromptConfirm(chatID, m.refinementQuote(conv.pending))
	case StateInFlight:
		m.sink.Notice(chatID, "Генерация уже идёт, дождитесь результата.")
	default:
		m.sink.Notice(chatID, "Нажмите /generate, чтобы выбрать модель и начать.")
	}
}

// currentTariff resolves the effective tariff without holding any
// conversation lock. Lookup failures degrade to demo rather than blocking the
// flow; settlement re-checks against the account anyway.
func (m *Machine) currentTariff(ctx context.Context, chatID int64) models.Tariff {
	user, err := m.accounts.Get(ctx, chatID)
	if err != nil {
		m.log.Error("load account for tariff", "chat", chatID, "err", err)
		return models.TariffDemo
	}
	return pricing.EffectiveTariff(user, time.Now())
}

func (m *Machine) handlePhoto(ctx context.Context, chatID int64, frag Fragment) {
	// Resolve the reference cap before taking the conversation lock.
	maxRefs := pricing.TariffRules(m.currentTariff(ctx, chatID)).MaxReferences

	conv := m.conversation(chatID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	switch conv.state {
	case StateCollecting:
		if len(conv.draft.References) >= maxRefs {
			if !conv.capacityNotified {
				conv.capacityNotified = true
				if maxRefs == 0 {
					m.sink.Notice(chatID, "Референсы недоступны на вашем тарифе, изображение не сохранено.")
				} else {
					m.sink.Notice(chatID, fmt.Sprintf("Достигнут лимит референсов (%d), изображение не сохранено.", maxRefs))
				}
			}
		} else {
			conv.draft.References = append(conv.draft.References, *frag.Photo)
		}
		m.restartDebounceLocked(ctx, chatID, conv)
	case StateInFlight:
		m.sink.Notice(chatID, "Генерация уже идёт, дождитесь результата.")
	case StateDialogueStandby, StateAwaitingConfirm:
		m.sink.Notice(chatID, "В режиме диалога принимается только текст. Завершите диалог командой /dialog, чтобы начать заново.")
	default:
		m.sink.Notice(chatID, "Нажмите /generate, чтобы выбрать модель и начать.")
	}
}

// startRefinementLocked builds the priced refinement draft and asks for
// confirmation; each refinement re-incurs cost.
func (m *Machine) startRefinementLocked(chatID int64, conv *conversation, text string) {
	ds, ok := m.dialogues.Get(chatID)
	if !ok {
		// Registry and state disagree; reset rather than guess.
		m.log.Error("dialogue standby without registry entry", "chat", chatID)
		conv.state = StateIdle
		m.sink.Notice(chatID, "Сессия диалога потеряна, начните заново через /generate.")
		return
	}
	pending := NewDraft(ds.Model)
	pending.AspectRatio = ds.AspectRatio
	pending.Resolution = ds.Resolution
	pending.Continuation = ds.Continuation
	pending.SetPrompt(text)
	if pending.Empty() {
		m.sink.Notice(chatID, "Уточнение не может быть пустым, пришлите текст.")
		return
	}
	conv.pending = pending
	conv.state = StateAwaitingConfirm
	m.sink.PromptConfirm(chatID, m.refinementQuote(pending))
}

func (m *Machine) refinementQuote(pending *Draft) string {
	cost := pricing.Price(pending.Model, pending.Resolution)
	return fmt.Sprintf("Уточнение «%s» будет стоить %d NC. Подтвердите отправку.", pending.Prompt, cost)
}

// Confirm sends the pending refinement. Only valid in AwaitingConfirm.
func (m *Machine) Confirm(ctx context.Context, chatID int64) {
	tariff := m.currentTariff(ctx, chatID)
	conv := m.conversation(chatID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.state != StateAwaitingConfirm || conv.pending == nil {
		m.sink.Notice(chatID, "Сейчас нечего подтверждать.")
		return
	}
	conv.draft = conv.pending
	conv.pending = nil
	m.submitLocked(ctx, chatID, conv, tariff)
}

// EndDialogue explicitly terminates a standing dialogue.
func (m *Machine) EndDialogue(ctx context.Context, chatID int64) {
	conv := m.conversation(chatID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	switch conv.state {
	case StateDialogueStandby, StateAwaitingConfirm:
		m.dialogues.Remove(chatID)
		conv.pending = nil
		conv.draft = nil
		conv.state = StateIdle
		m.sink.Notice(chatID, "Диалог завершён. /generate — начать новую генерацию.")
	default:
		m.sink.Notice(chatID, "Активного диалога нет.")
	}
}

// Cancel aborts the current flow without charge. A settlement already in
// flight cannot be cancelled; the conversation stays locked until the
// external call returns.
func (m *Machine) Cancel(ctx context.Context, chatID int64) {
	conv := m.conversation(chatID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.inFlight {
		m.sink.Notice(chatID, "Генерация уже отправлена и будет завершена. Отменить её нельзя.")
		return
	}
	conv.stopTimerLocked()
	m.dialogues.Remove(chatID)
	conv.draft = nil
	conv.pending = nil
	conv.state = StateIdle
	m.sink.Notice(chatID, "Отменено. /generate — начать заново.")
}

func (m *Machine) submitNow(ctx context.Context, chatID int64) {
	tariff := m.currentTariff(ctx, chatID)
	conv := m.conversation(chatID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	switch conv.state {
	case StateCollecting:
		m.submitLocked(ctx, chatID, conv, tariff)
	case StateAwaitingConfirm:
		conv.draft = conv.pending
		conv.pending = nil
		m.submitLocked(ctx, chatID, conv, tariff)
	case StateInFlight:
		m.sink.Notice(chatID, "Генерация уже идёт, дождитесь результата.")
	default:
		m.sink.Notice(chatID, "Сначала выберите модель через /generate.")
	}
}

// restartDebounceLocked (re)starts the trailing-edit debounce. The previous
// timer is cancelled and its sequence number invalidated, so only the most
// recent timer's firing can trigger submission.
func (m *Machine) restartDebounceLocked(ctx context.Context, chatID int64, conv *conversation) {
	conv.stopTimerLocked()
	conv.timerSeq++
	seq := conv.timerSeq
	conv.timer = time.AfterFunc(m.debounce, func() {
		m.onDebounce(ctx, chatID, seq)
	})
}

func (m *Machine) onDebounce(ctx context.Context, chatID int64, seq uint64) {
	tariff := m.currentTariff(ctx, chatID)
	conv := m.conversation(chatID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	// A fired timer that was superseded or cancelled must no-op.
	if conv.timerSeq != seq || conv.state != StateCollecting {
		return
	}
	m.submitLocked(ctx, chatID, conv, tariff)
}

// submitLocked validates the draft against the current tariff, then moves the
// conversation to InFlight and hands the draft to settlement. An inadmissible
// draft bounces back to Collecting with the rejection message so it can be
// edited; settlement re-validates as the safety net. The caller holds conv.mu.
func (m *Machine) submitLocked(ctx context.Context, chatID int64, conv *conversation, tariff models.Tariff) {
	if conv.inFlight {
		m.sink.Notice(chatID, "Генерация уже идёт, дождитесь результата.")
		return
	}
	if conv.draft == nil || conv.draft.Empty() {
		conv.state = StateCollecting
		m.sink.Notice(chatID, "Промпт пуст. Опишите, что нужно сгенерировать.")
		return
	}
	if err := pricing.Validate(tariff, conv.draft.Model, conv.draft.Resolution, len(conv.draft.References), conv.draft.AspectRatio); err != nil {
		conv.stopTimerLocked()
		conv.state = StateCollecting
		m.sink.Notice(chatID, failureMessage(err))
		return
	}

	conv.stopTimerLocked()
	conv.timerSeq++
	conv.inFlight = true
	conv.state = StateInFlight
	draft := conv.draft.Clone()

	m.sink.Notice(chatID, "Генерация началась, это может занять до пары минут.")
	go m.settle(ctx, chatID, draft)
}

// settle runs outside the conversation lock; only the in-flight guard is held
// for the duration of the external call.
func (m *Machine) settle(ctx context.Context, chatID int64, draft *Draft) {
	out, err := m.settler.Settle(ctx, chatID, draft)
	m.complete(chatID, draft, out, err)
}

func (m *Machine) complete(chatID int64, draft *Draft, out *Outcome, err error) {
	conv := m.conversation(chatID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	conv.inFlight = false
	conv.draft = nil
	conv.pending = nil
	conv.capacityNotified = false

	if err != nil {
		// A failed refinement tears the dialogue down.
		if draft.Continuation != nil {
			m.dialogues.Remove(chatID)
		}
		conv.state = StateIdle
		m.sink.Notice(chatID, failureMessage(err))
		return
	}

	dialogue := out.DialogueAllowed && out.Continuation != nil
	if dialogue {
		m.dialogues.Put(chatID, &DialogueSession{
			Continuation: out.Continuation,
			Model:        draft.Model,
			AspectRatio:  draft.AspectRatio,
			Resolution:   draft.Resolution,
		})
		conv.state = StateDialogueStandby
	} else {
		m.dialogues.Remove(chatID)
		conv.state = StateIdle
	}
	m.sink.Result(chatID, out, dialogue)
}

func failureMessage(err error) string {
	var rejection *pricing.Rejection
	if errors.As(err, &rejection) {
		return rejection.Message
	}
	if errors.Is(err, ErrInsufficientFunds) {
		return "Недостаточно NC на балансе. /balance — проверить баланс, /tariffs — пополнить."
	}
	return "Не удалось выполнить генерацию, средства возвращены. Попробуйте ещё раз."
}

func (c *conversation) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
