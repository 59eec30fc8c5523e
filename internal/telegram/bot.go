package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/nanobanana/imagebot/internal/config"
	"github.com/nanobanana/imagebot/internal/models"
	"github.com/nanobanana/imagebot/internal/pricing"
	"github.com/nanobanana/imagebot/internal/repository"
	"github.com/nanobanana/imagebot/internal/session"
)

var errReferenceNotImage = errors.New("reference not image")

const (
	callbackModelPrefix  = "model:"
	callbackRatioPrefix  = "ar:"
	callbackResPrefix    = "res:"
	callbackConfirm      = "refine:confirm"
	callbackRefineCancel = "refine:cancel"
	callbackDialogueEnd  = "dialogue:end"
)

// Bot adapts Telegram updates into session fragments and renders the
// machine's notices and outcomes back into chat messages. It also implements
// session.Sink.
type Bot struct {
	cfg        config.Config
	api        *tgbotapi.BotAPI
	log        *slog.Logger
	users      *repository.UserRepository
	machine    *session.Machine
	httpClient *http.Client
}

func NewBot(cfg config.Config, api *tgbotapi.BotAPI, log *slog.Logger, users *repository.UserRepository, machine *session.Machine) *Bot {
	return &Bot{
		cfg:        cfg,
		api:        api,
		log:        log,
		users:      users,
		machine:    machine,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			} else if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	// Balances and dialogue state are keyed by the Telegram user id, which
	// only matches the chat id in private chats. Group chats are refused.
	if !privateChat(msg.Chat) {
		b.sendText(msg.Chat.ID, "Бот работает только в личных сообщениях.")
		return
	}
	if _, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID); err != nil {
		b.log.Error("ensure user", "err", err)
		return
	}

	if len(msg.Photo) > 0 || msg.Document != nil {
		if err := b.handleReferenceImage(ctx, msg); err != nil {
			if errors.Is(err, errReferenceNotImage) {
				b.Notice(msg.Chat.ID, "Это не изображение. Пришлите фото или картинку.")
			} else {
				b.log.Error("reference download failed", "err", err)
				b.Notice(msg.Chat.ID, "Не удалось получить референс, попробуйте снова.")
			}
		}
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	b.machine.HandleFragment(ctx, msg.Chat.ID, session.TextFragment(text))
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		b.handleStart(ctx, msg)
	case "generate":
		b.promptModelSelection(msg.Chat.ID)
	case "balance":
		b.handleBalance(ctx, msg)
	case "tariffs":
		b.sendText(msg.Chat.ID, tariffsText())
	case "go":
		b.machine.HandleFragment(ctx, msg.Chat.ID, session.Fragment{Kind: session.FragmentSubmit})
	case "cancel":
		b.machine.Cancel(ctx, msg.Chat.ID)
	case "dialog":
		b.machine.EndDialogue(ctx, msg.Chat.ID)
	default:
		b.sendText(msg.Chat.ID, "Неизвестная команда. Используйте /generate.")
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	user, created, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user start", "err", err)
		return
	}
	greeting := fmt.Sprintf("Привет, %s! Я Nano Banana Bot. 🍌", user.FullName)
	if created {
		greeting += fmt.Sprintf("\nВам начислен стартовый бонус: %d NC.", user.Balance)
	}
	greeting += "\n\nКоманды:\n" +
		"/generate — выбрать модель и начать генерацию\n" +
		"/go — отправить запрос не дожидаясь паузы\n" +
		"/balance — баланс и тариф\n" +
		"/tariffs — тарифы и пакеты NC\n" +
		"/dialog — завершить диалог уточнений\n" +
		"/cancel — отменить текущий запрос\n\n" +
		"Подсказка: соотношение и разрешение можно задать прямо в промпте, например «кот в лесу --16:9 --4k»."
	b.sendText(msg.Chat.ID, greeting)
}

func (b *Bot) handleBalance(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user balance", "err", err)
		return
	}
	tariff := pricing.EffectiveTariff(user, time.Now())
	text := fmt.Sprintf("Баланс: %d NC\nТариф: %s", user.Balance, strings.ToUpper(string(tariff)))
	if user.TariffExpiresAt != nil {
		text += fmt.Sprintf("\nТариф действует до: %s", user.TariffExpiresAt.Format("02.01.2006"))
	}
	b.sendText(msg.Chat.ID, text)
}

func (b *Bot) promptModelSelection(chatID int64) {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(pricing.CatalogOrder))
	for _, model := range pricing.CatalogOrder {
		info := pricing.Models[model]
		label := fmt.Sprintf("%s — %d NC", info.Name, info.BasePrice)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, callbackModelPrefix+string(model)),
		))
	}
	msg := tgbotapi.NewMessage(chatID, "Выберите модель. После выбора пришлите промпт и, если нужно, референсы.")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send model keyboard", "err", err)
	}
}

// promptDraftSettings follows a model selection with the prompt invitation and
// keyboards for aspect ratio and, where the model supports it, resolution.
func (b *Bot) promptDraftSettings(chatID int64, model models.Model) {
	info := pricing.Models[model]
	text := fmt.Sprintf("Модель: %s (%d NC). Пришлите промпт.", info.Name, info.BasePrice)
	if info.SupportsReferences {
		text += " Можно добавить референсы отдельными сообщениями."
	}

	ratioRow := make([]tgbotapi.InlineKeyboardButton, 0, len(pricing.AspectRatios))
	for _, ratio := range pricing.AspectRatios {
		ratioRow = append(ratioRow, tgbotapi.NewInlineKeyboardButtonData(ratio, callbackRatioPrefix+ratio))
	}
	rows := [][]tgbotapi.InlineKeyboardButton{ratioRow}
	if info.SupportsResolution {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("1K", callbackResPrefix+pricing.ResolutionBase),
			tgbotapi.NewInlineKeyboardButtonData("2K (+100 NC)", callbackResPrefix+pricing.Resolution2K),
			tgbotapi.NewInlineKeyboardButtonData("4K (+350 NC)", callbackResPrefix+pricing.Resolution4K),
		))
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send draft settings", "err", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || !privateChat(cb.Message.Chat) {
		return
	}
	chatID := cb.Message.Chat.ID

	data := cb.Data
	switch {
	case strings.HasPrefix(data, callbackModelPrefix):
		model := models.Model(strings.TrimPrefix(data, callbackModelPrefix))
		if _, ok := pricing.Models[model]; !ok {
			b.answerCallback(cb.ID, "Неизвестная модель")
			return
		}
		b.machine.SelectModel(ctx, chatID, model)
		b.answerCallback(cb.ID, "Модель выбрана")
		b.promptDraftSettings(chatID, model)
	case strings.HasPrefix(data, callbackRatioPrefix):
		ratio := strings.TrimPrefix(data, callbackRatioPrefix)
		b.machine.SetAspectRatio(ctx, chatID, ratio)
		b.answerCallback(cb.ID, "Соотношение: "+ratio)
	case strings.HasPrefix(data, callbackResPrefix):
		res := strings.TrimPrefix(data, callbackResPrefix)
		b.machine.SetResolution(ctx, chatID, res)
		b.answerCallback(cb.ID, "Разрешение: "+res)
	case data == callbackConfirm:
		b.answerCallback(cb.ID, "Отправляю")
		b.machine.Confirm(ctx, chatID)
	case data == callbackRefineCancel:
		b.answerCallback(cb.ID, "Отменено")
		b.machine.Cancel(ctx, chatID)
	case data == callbackDialogueEnd:
		b.answerCallback(cb.ID, "Диалог завершён")
		b.machine.EndDialogue(ctx, chatID)
	default:
		b.answerCallback(cb.ID, "Неизвестный выбор")
	}
}

// Notice implements session.Sink.
func (b *Bot) Notice(chatID int64, text string) {
	b.sendText(chatID, text)
}

// PromptConfirm implements session.Sink with confirm/cancel controls.
func (b *Bot) PromptConfirm(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Отправить", callbackConfirm),
			tgbotapi.NewInlineKeyboardButtonData("❌ Отмена", callbackRefineCancel),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send confirm prompt", "err", err)
	}
}

// Result implements session.Sink: delivers the image with a cost caption and,
// in dialogue mode, the refinement controls.
func (b *Bot) Result(chatID int64, out *session.Outcome, dialogue bool) {
	if len(out.Image) == 0 {
		b.sendText(chatID, "Не удалось получить результат.")
		return
	}
	cfg := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{
		Name:  "generation" + extensionForMIME(out.MIME),
		Bytes: out.Image,
	})
	cfg.Caption = fmt.Sprintf("Модель: %s\nСписано: %d NC\nБаланс: %d NC", pricing.Models[out.Model].Name, out.Cost, out.NewBalance)
	if dialogue {
		cfg.Caption += "\n\nПришлите текст, чтобы уточнить результат. Каждое уточнение оплачивается отдельно."
		cfg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Завершить диалог", callbackDialogueEnd),
			),
		)
	}
	if _, err := b.api.Send(cfg); err != nil {
		b.log.Error("send result image", "err", err)
	}
}

func (b *Bot) handleReferenceImage(ctx context.Context, msg *tgbotapi.Message) error {
	var fileID string
	contentType := "image/jpeg"

	switch {
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		fileID = photo.FileID
	case msg.Document != nil:
		if mt := strings.ToLower(msg.Document.MimeType); mt != "" && !strings.HasPrefix(mt, "image/") {
			return errReferenceNotImage
		}
		fileID = msg.Document.FileID
		if msg.Document.MimeType != "" {
			contentType = msg.Document.MimeType
		}
	default:
		return nil
	}

	data, detectedType, err := b.downloadFile(ctx, fileID)
	if err != nil {
		return err
	}
	if detectedType != "" {
		contentType = detectedType
	}

	frag := session.PhotoFragment(data, contentType)
	if caption := strings.TrimSpace(msg.Caption); caption != "" {
		// A photo with a caption carries a prompt edit too.
		b.machine.HandleFragment(ctx, msg.Chat.ID, frag)
		b.machine.HandleFragment(ctx, msg.Chat.ID, session.TextFragment(caption))
		return nil
	}
	b.machine.HandleFragment(ctx, msg.Chat.ID, frag)
	return nil
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("file path empty")
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.api.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	ct, err := normalizeImageContentType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, "", err
	}
	return body, ct, nil
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User, chatID int64) (*models.User, bool, error) {
	username := ""
	fullName := ""
	id := chatID
	if from != nil {
		username = from.UserName
		fullName = strings.TrimSpace(from.FirstName + " " + from.LastName)
		id = from.ID
	}
	return b.users.Ensure(ctx, id, username, fullName, b.cfg.StartBonusNC)
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

func (b *Bot) answerCallback(id, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(id, text)); err != nil {
		b.log.Error("callback ack", "err", err)
	}
}

func privateChat(chat *tgbotapi.Chat) bool {
	return chat != nil && chat.IsPrivate()
}

func tariffsText() string {
	var sb strings.Builder
	sb.WriteString("Тарифы:\n")
	for _, tariff := range []models.Tariff{models.TariffDemo, models.TariffBasic, models.TariffFull} {
		rules := pricing.TariffRules(tariff)
		sb.WriteString(fmt.Sprintf("\n%s — %d ₽/мес", strings.ToUpper(string(tariff)), rules.PriceRUB))
		if rules.MonthlyNC > 0 {
			sb.WriteString(fmt.Sprintf(", +%d NC", rules.MonthlyNC))
		}
		sb.WriteString(fmt.Sprintf("\n  Референсы: до %d", rules.MaxReferences))
		if rules.HighResolution {
			sb.WriteString("\n  Разрешения 2K и 4K")
		}
		if rules.Dialogue {
			sb.WriteString("\n  Диалог уточнений")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nПакеты NC:\n")
	for _, pkg := range pricing.Packages {
		sb.WriteString(fmt.Sprintf("%s — %d ₽ → %d NC", pkg.Name, pkg.PriceRUB, pkg.NC))
		if pkg.BonusPercent > 0 {
			sb.WriteString(fmt.Sprintf(" (+%d%%)", pkg.BonusPercent))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func extensionForMIME(mime string) string {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

func normalizeImageContentType(headerCT string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(headerCT))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if ct == "" || ct == "application/octet-stream" || !strings.HasPrefix(ct, "image/") {
		if len(data) > 0 {
			ct = http.DetectContentType(data)
			if idx := strings.Index(ct, ";"); idx > 0 {
				ct = ct[:idx]
			}
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png":
		return "image/png", nil
	case "image/webp":
		return "image/webp", nil
	default:
		return "", errReferenceNotImage
	}
}
