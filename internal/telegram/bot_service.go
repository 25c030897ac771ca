// Package telegram handles the integration with the Telegram Bot API.
// It is responsible for receiving updates from Telegram, processing them,
// and communicating with the central chat hub.
package telegram

import (
	"context"
	"errors"
	"log/slog"
	"lomitalk/backend/internal/apperr"
	"lomitalk/backend/internal/chathub"
	"lomitalk/backend/internal/config"
	"lomitalk/backend/internal/localization"
	"lomitalk/backend/internal/matchmaking"
	"lomitalk/backend/internal/models"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Callback payload prefixes.
const (
	cbProfileEdit = "profile_edit"
	cbGender      = "gender_"
	cbAge         = "age_"
	cbAgeSkip     = "age_skip"
	cbPrefGender  = "pref_gender_"
	cbPrefAge     = "pref_age_"
	cbReport      = "report_"
	cbLanguage    = "lang_"
)

const stepNickname = "waiting_for_nickname"

// chatState is the in-progress dialog of one chat.
type chatState struct {
	step       string
	prefGender *models.Gender
}

// BotService is responsible for receiving Telegram updates and routing them to the hub.
type BotService struct {
	API       Sender
	Hub       *chathub.ManagerService
	Engine    *matchmaking.Engine
	Localizer *localization.Localizer
	log       *slog.Logger

	mu     sync.Mutex
	states map[int64]*chatState
}

func NewBotService(api Sender, hub *chathub.ManagerService, engine *matchmaking.Engine, localizer *localization.Localizer, log *slog.Logger) *BotService {
	if log == nil {
		log = slog.Default()
	}
	return &BotService{
		API:       api,
		Hub:       hub,
		Engine:    engine,
		Localizer: localizer,
		log:       log.With(slog.String("component", "telegram")),
		states:    make(map[int64]*chatState),
	}
}

// RestoreClient lets the hub reach Telegram users that have no live client
// yet. Users registered through another transport are skipped.
func (s *BotService) RestoreClient(ctx context.Context, userID string) (chathub.Client, error) {
	user, err := s.Engine.Profile(ctx, userID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotRegistered) {
			return nil, nil
		}
		return nil, err
	}
	if user.TelegramID == nil {
		return nil, nil
	}
	return NewClient(user.ID, *user.TelegramID, s.API), nil
}

// Run is the main loop for receiving Telegram updates.
func (s *BotService) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	s.log.Info("telegram bot started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("telegram bot stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			s.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate processes one update.
func (s *BotService) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		if update.Message.IsCommand() {
			s.handleCommand(ctx, update.Message)
			return
		}
		s.handleIncomingMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		s.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

func (s *BotService) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	s.clearState(chatID)

	if msg.Command() == "start" {
		s.handleStart(ctx, msg)
		return
	}

	user, ok := s.requireUser(ctx, msg)
	if !ok {
		return
	}

	switch msg.Command() {
	case "profile":
		s.handleProfileCommand(chatID, user)
	case "points":
		s.reply(chatID, user.Language, "points_balance", user.Points)
	case "stats":
		s.reply(chatID, user.Language, "stats_view", user.ConversationCount, user.TotalChars, user.Points)
	case "join":
		s.submit(models.ChatMessage{SenderID: user.ID, Type: models.CmdJoin})
	case "leave":
		s.submit(models.ChatMessage{SenderID: user.ID, Type: models.CmdLeave})
	case "end":
		s.submit(models.ChatMessage{SenderID: user.ID, Type: models.CmdEnd})
	case "find":
		s.handleFindCommand(chatID, user)
	case "report":
		s.handleReportCommand(chatID, user)
	case "language":
		s.handleLanguageCommand(chatID, user)
	case "transact":
		s.reply(chatID, user.Language, "transact_info")
	default:
		s.sendHelp(chatID, user.Language)
	}
}

func (s *BotService) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	lang := localization.DefaultLanguage
	if msg.From != nil && s.Localizer.Has(msg.From.LanguageCode) {
		lang = msg.From.LanguageCode
	}

	user, created, err := s.Engine.Register(ctx, &chatID, lang)
	if err != nil {
		s.log.Error("registration failed", slog.Int64("chat_id", chatID), slog.Any("error", err))
		s.reply(chatID, lang, apperr.UserKey(err))
		return
	}
	if created {
		s.reply(chatID, user.Language, "welcome_new", user.Points)
		return
	}
	s.reply(chatID, user.Language, "welcome_back", user.Points)
}

func (s *BotService) sendHelp(chatID int64, lang string) {
	t := s.Engine.Sessions.Tariff
	s.reply(chatID, lang, "help", t.PerChar, t.PerChar, t.Photo, t.Video)
}

// handleIncomingMessage turns a plain message into a unit for the hub, or
// feeds it to a pending dialog step.
func (s *BotService) handleIncomingMessage(ctx context.Context, msg *tgbotapi.Message) {
	user, ok := s.requireUser(ctx, msg)
	if !ok {
		return
	}

	if st := s.state(msg.Chat.ID); st != nil && st.step == stepNickname && msg.Text != "" {
		s.handleNickname(ctx, msg.Chat.ID, user, msg.Text)
		return
	}

	chatMsg, ok := chatMessageFrom(msg)
	if !ok {
		s.reply(msg.Chat.ID, user.Language, "unsupported_message_type")
		return
	}
	chatMsg.SenderID = user.ID
	s.submit(chatMsg)
}

// chatMessageFrom maps the billable Telegram message kinds onto hub messages.
func chatMessageFrom(msg *tgbotapi.Message) (models.ChatMessage, bool) {
	switch {
	case msg.Text != "":
		return models.ChatMessage{Type: models.MsgText, Content: msg.Text}, true
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		return models.ChatMessage{Type: models.MsgPhoto, Content: largest.FileID, Caption: msg.Caption}, true
	case msg.Video != nil:
		return models.ChatMessage{Type: models.MsgVideo, Content: msg.Video.FileID, Caption: msg.Caption}, true
	}
	return models.ChatMessage{}, false
}

func (s *BotService) handleCallbackQuery(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	// Respond to the callback query to remove the "loading" state
	if _, err := s.API.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		s.log.Debug("callback answer failed", slog.Any("error", err))
	}
	if cb.From == nil {
		return
	}
	chatID := cb.From.ID

	user, err := s.Engine.ProfileByTelegramID(ctx, chatID)
	if err != nil {
		s.replyError(chatID, localization.DefaultLanguage, err)
		return
	}

	data := cb.Data
	switch {
	case data == cbProfileEdit:
		s.startProfileSetup(chatID, user.Language)
	case strings.HasPrefix(data, cbGender):
		s.handleGenderChoice(ctx, chatID, user, strings.TrimPrefix(data, cbGender))
	case data == cbAgeSkip:
		s.finishProfile(chatID, user)
	case strings.HasPrefix(data, cbAge):
		s.handleAgeChoice(ctx, chatID, user, strings.TrimPrefix(data, cbAge))
	case strings.HasPrefix(data, cbPrefGender):
		s.handlePrefGender(chatID, user, strings.TrimPrefix(data, cbPrefGender))
	case strings.HasPrefix(data, cbPrefAge):
		s.handlePrefAge(chatID, user, strings.TrimPrefix(data, cbPrefAge))
	case strings.HasPrefix(data, cbReport):
		s.submit(models.ChatMessage{SenderID: user.ID, Type: models.CmdReport, Content: strings.TrimPrefix(data, cbReport)})
	case strings.HasPrefix(data, cbLanguage):
		s.handleLanguageChoice(ctx, chatID, user, strings.TrimPrefix(data, cbLanguage))
	default:
		s.log.Debug("unknown callback", slog.String("data", data))
	}
}

// --- profile ---

// handleProfileCommand sends the user's profile information and edit options.
func (s *BotService) handleProfileCommand(chatID int64, user *models.User) {
	if !user.ProfileComplete {
		s.startProfileSetup(chatID, user.Language)
		return
	}

	lang := user.Language
	text := s.Localizer.Format(lang, "profile_view",
		user.Nickname,
		s.genderLabel(lang, user.Gender, "not_set"),
		s.ageLabel(lang, user.AgeGroup, "not_set"),
		s.genderLabel(lang, user.PreferredGender, "any"),
		s.ageLabel(lang, user.PreferredAgeGroup, "any"),
	)
	s.send(chatID, text, tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(s.Localizer.GetString(lang, "btn_edit_profile"), cbProfileEdit),
		),
	))
}

func (s *BotService) startProfileSetup(chatID int64, lang string) {
	s.send(chatID, s.Localizer.GetString(lang, "profile_setup_start"), s.genderKeyboard(lang, cbGender, false))
}

func (s *BotService) handleGenderChoice(ctx context.Context, chatID int64, user *models.User, name string) {
	gender, err := models.ParseGender(name)
	if err != nil || gender == models.GenderAny {
		s.log.Debug("invalid gender callback", slog.String("value", name))
		return
	}
	if _, err := s.Engine.UpdateProfile(ctx, user.ID, gender, models.AgeAny); err != nil {
		s.replyError(chatID, user.Language, err)
		return
	}
	s.setState(chatID, &chatState{step: stepNickname})
	s.reply(chatID, user.Language, "prompt_nickname")
}

func (s *BotService) handleNickname(ctx context.Context, chatID int64, user *models.User, nickname string) {
	err := s.Engine.SetNickname(ctx, user.ID, nickname)
	if errors.Is(err, matchmaking.ErrInvalidNickname) {
		s.reply(chatID, user.Language, "nickname_invalid")
		return
	}
	if err != nil {
		s.replyError(chatID, user.Language, err)
		return
	}
	s.clearState(chatID)
	s.send(chatID, s.Localizer.GetString(user.Language, "prompt_age"), s.ageKeyboard(user.Language, cbAge, false))
}

func (s *BotService) handleAgeChoice(ctx context.Context, chatID int64, user *models.User, name string) {
	age, err := models.ParseAgeGroup(name)
	if err != nil || age == models.AgeAny {
		s.log.Debug("invalid age callback", slog.String("value", name))
		return
	}
	updated, err := s.Engine.UpdateProfile(ctx, user.ID, models.GenderAny, age)
	if err != nil {
		s.replyError(chatID, user.Language, err)
		return
	}
	s.finishProfile(chatID, updated)
}

func (s *BotService) finishProfile(chatID int64, user *models.User) {
	s.clearState(chatID)
	if user.ProfileComplete {
		s.reply(chatID, user.Language, "profile_complete")
		return
	}
	s.reply(chatID, user.Language, "profile_incomplete_skip")
}

// --- find ---

func (s *BotService) handleFindCommand(chatID int64, user *models.User) {
	if !user.ProfileComplete {
		s.replyError(chatID, user.Language, apperr.ErrProfileIncomplete)
		return
	}
	if user.InConversation {
		s.replyError(chatID, user.Language, apperr.ErrAlreadyBound)
		return
	}
	s.send(chatID, s.Localizer.GetString(user.Language, "choose_pref_gender"), s.genderKeyboard(user.Language, cbPrefGender, true))
}

func (s *BotService) handlePrefGender(chatID int64, user *models.User, name string) {
	gender, err := models.ParseGender(name)
	if err != nil {
		s.log.Debug("invalid preferred gender callback", slog.String("value", name))
		return
	}
	s.setState(chatID, &chatState{prefGender: &gender})
	s.send(chatID, s.Localizer.GetString(user.Language, "choose_pref_age"), s.ageKeyboard(user.Language, cbPrefAge, true))
}

func (s *BotService) handlePrefAge(chatID int64, user *models.User, name string) {
	age, err := models.ParseAgeGroup(name)
	if err != nil {
		s.log.Debug("invalid preferred age callback", slog.String("value", name))
		return
	}

	var gender models.Gender
	if st := s.state(chatID); st != nil && st.prefGender != nil {
		gender = *st.prefGender
	}
	s.clearState(chatID)

	s.reply(chatID, user.Language, "searching")
	s.submit(models.ChatMessage{SenderID: user.ID, Type: models.CmdFind, Gender: gender, AgeGroup: age})
}

// --- report ---

func (s *BotService) handleReportCommand(chatID int64, user *models.User) {
	if !user.InConversation {
		s.reply(chatID, user.Language, "report_not_in_chat")
		return
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(config.ReportReasons))
	for _, reason := range config.ReportReasons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(s.Localizer.GetString(user.Language, "report_reason_"+reason), cbReport+reason),
		))
	}
	s.send(chatID, s.Localizer.GetString(user.Language, "report_reason_prompt"), tgbotapi.NewInlineKeyboardMarkup(rows...))
}

// --- language ---

// handleLanguageCommand sends a message with a keyboard to choose a language.
func (s *BotService) handleLanguageCommand(chatID int64, user *models.User) {
	var buttons []tgbotapi.InlineKeyboardButton
	for _, lang := range s.Localizer.Languages() {
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(languageName(lang), cbLanguage+lang))
	}
	s.send(chatID, s.Localizer.GetString(user.Language, "choose_language"), tgbotapi.NewInlineKeyboardMarkup(buttons))
}

var languageNames = map[string]string{"en": "English", "am": "አማርኛ"}

func languageName(code string) string {
	if n, ok := languageNames[code]; ok {
		return n
	}
	return code
}

func (s *BotService) handleLanguageChoice(ctx context.Context, chatID int64, user *models.User, lang string) {
	if !s.Localizer.Has(lang) {
		s.log.Debug("unknown language callback", slog.String("value", lang))
		return
	}
	if err := s.Engine.SetLanguage(ctx, user.ID, lang); err != nil {
		s.replyError(chatID, user.Language, err)
		return
	}
	s.reply(chatID, lang, "language_changed")
}

// --- helpers ---

func (s *BotService) genderKeyboard(lang, prefix string, withAny bool) tgbotapi.InlineKeyboardMarkup {
	row := tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(s.Localizer.GetString(lang, "gender_male"), prefix+models.GenderMale.Name()),
		tgbotapi.NewInlineKeyboardButtonData(s.Localizer.GetString(lang, "gender_female"), prefix+models.GenderFemale.Name()),
	)
	if !withAny {
		return tgbotapi.NewInlineKeyboardMarkup(row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(row, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(s.Localizer.GetString(lang, "btn_any_gender"), prefix+models.GenderAny.Name()),
	))
}

// ageKeyboard lists the age groups two per row, followed by "any" for
// preferences or "skip" for the profile.
func (s *BotService) ageKeyboard(lang, prefix string, withAny bool) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, group := range models.AgeGroups {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(string(group), prefix+group.Name()))
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}

	last := tgbotapi.NewInlineKeyboardButtonData(s.Localizer.GetString(lang, "btn_skip"), cbAgeSkip)
	if withAny {
		last = tgbotapi.NewInlineKeyboardButtonData(s.Localizer.GetString(lang, "btn_any_age"), prefix+models.AgeAny.Name())
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(last))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (s *BotService) genderLabel(lang string, g models.Gender, unset string) string {
	switch g {
	case models.GenderMale:
		return s.Localizer.GetString(lang, "gender_male")
	case models.GenderFemale:
		return s.Localizer.GetString(lang, "gender_female")
	}
	return s.Localizer.GetString(lang, unset)
}

func (s *BotService) ageLabel(lang string, a models.AgeGroup, unset string) string {
	if a == models.AgeAny {
		return s.Localizer.GetString(lang, unset)
	}
	return string(a)
}

// requireUser resolves the sender's profile, pointing unregistered users
// to /start.
func (s *BotService) requireUser(ctx context.Context, msg *tgbotapi.Message) (*models.User, bool) {
	user, err := s.Engine.ProfileByTelegramID(ctx, msg.Chat.ID)
	if err != nil {
		lang := localization.DefaultLanguage
		if msg.From != nil && s.Localizer.Has(msg.From.LanguageCode) {
			lang = msg.From.LanguageCode
		}
		s.replyError(msg.Chat.ID, lang, err)
		return nil, false
	}
	return user, true
}

func (s *BotService) submit(msg models.ChatMessage) {
	if !s.Hub.Submit(msg) {
		s.log.Warn("hub stopped, message dropped", slog.String("user_id", msg.SenderID), slog.String("type", msg.Type))
	}
}

func (s *BotService) replyError(chatID int64, lang string, err error) {
	if !apperr.IsDomain(err) {
		s.log.Error("request failed", slog.Int64("chat_id", chatID), slog.Any("error", err))
	}
	s.reply(chatID, lang, apperr.UserKey(err))
}

func (s *BotService) reply(chatID int64, lang, key string, args ...any) {
	s.send(chatID, s.Localizer.Format(lang, key, args...), nil)
}

func (s *BotService) send(chatID int64, text string, markup any) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	if _, err := s.API.Send(msg); err != nil {
		s.log.Warn("telegram send failed", slog.Int64("chat_id", chatID), slog.Any("error", err))
	}
}

func (s *BotService) state(chatID int64) *chatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[chatID]
}

func (s *BotService) setState(chatID int64, st *chatState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[chatID] = st
}

func (s *BotService) clearState(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, chatID)
}
