package bot

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/telebot.v3"

	"github.com/miladez1/mrzadmincr/config"
	"github.com/miladez1/mrzadmincr/errs"
	"github.com/miladez1/mrzadmincr/model"
	"github.com/miladez1/mrzadmincr/quota"
	"github.com/miladez1/mrzadmincr/report"
	"github.com/miladez1/mrzadmincr/store"
)

// Conversation states
const (
	StateNone = iota

	StateAdminCreate_WaitUsername
	StateAdminCreate_WaitTelegramID

	StateResellerCreate_WaitUsername
	StateResellerCreate_WaitTelegramID
	StateResellerCreate_WaitBandwidth
	StateResellerCreate_WaitDays
	StateResellerCreate_WaitMaxUsers

	StateUserCreate_WaitUsername
	StateUserCreate_WaitBandwidth
	StateUserCreate_WaitDays
	StateUserCreate_WaitConnections

	StateUserExtend_WaitBandwidth
	StateUserExtend_WaitDays

	StateResellerExtend_WaitUsername
	StateResellerExtend_WaitBandwidth
	StateResellerExtend_WaitDays
	StateResellerExtend_WaitUsers
)

type Bot struct {
	B      *telebot.Bot
	Store  *store.Store
	Engine *quota.Engine
	Gen    *report.Generator

	cfg *config.Config
	log *zap.Logger

	// State management
	states    map[int64]int
	tempData  map[int64]map[string]string
	stateLock sync.RWMutex
}

// Keyboards
var (
	// Admin main menu
	menuBtnDashboard = telebot.Btn{Text: "📊 Dashboard"}
	menuBtnAdmins    = telebot.Btn{Text: "👤 Admins"}
	menuBtnResellers = telebot.Btn{Text: "🏪 Resellers"}
	adminKeyboard    = &telebot.ReplyMarkup{ResizeKeyboard: true}

	// Reseller main menu
	menuBtnCreateUser = telebot.Btn{Text: "➕ Create user"}
	menuBtnMyUsers    = telebot.Btn{Text: "📋 My users"}
	menuBtnMyAccount  = telebot.Btn{Text: "💼 My account"}
	resellerKeyboard  = &telebot.ReplyMarkup{ResizeKeyboard: true}

	// Inline buttons
	btnCreateAdmin    = telebot.Btn{Text: "➕ Create admin", Unique: "create_admin"}
	btnCreateReseller = telebot.Btn{Text: "➕ Create reseller", Unique: "create_reseller"}
	btnExtendReseller = telebot.Btn{Text: "🔄 Extend reseller", Unique: "extend_reseller"}
)

func New(token string, st *store.Store, engine *quota.Engine, gen *report.Generator, cfg *config.Config, log *zap.Logger) (*Bot, error) {
	pref := telebot.Settings{
		Token:  token,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	}

	b, err := telebot.NewBot(pref)
	if err != nil {
		return nil, err
	}

	bot := &Bot{
		B:        b,
		Store:    st,
		Engine:   engine,
		Gen:      gen,
		cfg:      cfg,
		log:      log,
		states:   make(map[int64]int),
		tempData: make(map[int64]map[string]string),
	}

	adminKeyboard.Reply(
		adminKeyboard.Row(menuBtnDashboard),
		adminKeyboard.Row(menuBtnAdmins, menuBtnResellers),
	)
	resellerKeyboard.Reply(
		resellerKeyboard.Row(menuBtnCreateUser),
		resellerKeyboard.Row(menuBtnMyUsers, menuBtnMyAccount),
	)

	bot.registerHandlers()
	return bot, nil
}

func (bot *Bot) Start() {
	bot.B.Start()
}

// Send implements sched.Notifier.
func (bot *Bot) Send(telegramID int64, text string) error {
	_, err := bot.B.Send(&telebot.User{ID: telegramID}, text)
	return err
}

func (bot *Bot) registerHandlers() {
	bot.B.Handle("/start", bot.handleStart)

	// Admin menu
	bot.B.Handle(&menuBtnDashboard, bot.handleDashboard)
	bot.B.Handle(&menuBtnAdmins, bot.handleAdmins)
	bot.B.Handle(&menuBtnResellers, bot.handleResellers)

	// Reseller menu
	bot.B.Handle(&menuBtnCreateUser, bot.handleCreateUserBtn)
	bot.B.Handle(&menuBtnMyUsers, bot.handleMyUsers)
	bot.B.Handle(&menuBtnMyAccount, bot.handleMyAccount)

	// Inline buttons
	bot.B.Handle(&btnCreateAdmin, bot.handleCreateAdminBtn)
	bot.B.Handle(&btnCreateReseller, bot.handleCreateResellerBtn)
	bot.B.Handle(&btnExtendReseller, bot.handleExtendResellerBtn)

	// Generic text handler (state machine inputs)
	bot.B.Handle(telebot.OnText, bot.handleText)

	// Callbacks with dynamic uniques (pagination, per-user actions)
	bot.B.Handle(telebot.OnCallback, bot.handleCallback)
}

// Helper to manage state
func (bot *Bot) setState(userID int64, state int) {
	bot.stateLock.Lock()
	defer bot.stateLock.Unlock()
	bot.states[userID] = state
	if state == StateNone {
		delete(bot.tempData, userID)
	}
}

func (bot *Bot) getState(userID int64) int {
	bot.stateLock.RLock()
	defer bot.stateLock.RUnlock()
	return bot.states[userID]
}

func (bot *Bot) setTempData(userID int64, key, value string) {
	bot.stateLock.Lock()
	defer bot.stateLock.Unlock()
	if bot.tempData[userID] == nil {
		bot.tempData[userID] = make(map[string]string)
	}
	bot.tempData[userID][key] = value
}

func (bot *Bot) getTempData(userID int64, key string) string {
	bot.stateLock.RLock()
	defer bot.stateLock.RUnlock()
	if bot.tempData[userID] == nil {
		return ""
	}
	return bot.tempData[userID][key]
}

// principalOf resolves the principal controlling the sending Telegram
// account.
func (bot *Bot) principalOf(c telebot.Context) (*model.Principal, error) {
	return bot.Store.PrincipalByTelegramID(c.Sender().ID)
}

func (bot *Bot) isManager(p *model.Principal) bool {
	return p.Role == model.RoleSuperadmin || p.Role == model.RoleAdmin
}

// fail reports a core error to the chat using its human-readable message.
func (bot *Bot) fail(c telebot.Context, err error) error {
	bot.log.Debug("operation failed",
		zap.String("kind", errs.KindOf(err).String()), zap.Error(err))
	return c.Send("❌ " + errs.UserMessage(err))
}
