package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"winston-vpn/internal/models"
	"winston-vpn/internal/provisioning"
	"winston-vpn/internal/store"
	"winston-vpn/internal/traffic"
	"winston-vpn/internal/xui"
)

const planCallbackPrefix = "plan:"

type Bot struct {
	Instance     *telego.Bot
	Store        store.Store
	Orchestrator *provisioning.Orchestrator
	Reconciler   *traffic.Reconciler
	logger       *zap.Logger
}

func NewBot(token string, s store.Store, orch *provisioning.Orchestrator, rec *traffic.Reconciler, logger *zap.Logger) (*Bot, error) {
	tgBot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Bot{
		Instance:     tgBot,
		Store:        s,
		Orchestrator: orch,
		Reconciler:   rec,
		logger:       logger.Named("bot"),
	}, nil
}

// Start long-polls until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	updates, err := b.Instance.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.Instance, updates)
	if err != nil {
		return fmt.Errorf("failed to create update handler: %w", err)
	}

	handler.Handle(b.handleStart, th.CommandEqual("start"))
	handler.Handle(b.handleTariffs, th.CommandEqual("tariffs"))
	handler.Handle(b.handleSubscription, th.CommandEqual("subscription"))
	handler.Handle(b.handleConnection, th.CommandEqual("connection"))
	handler.Handle(b.handleProfile, th.CommandEqual("profile"))
	handler.Handle(b.handleHelp, th.CommandEqual("help"))

	handler.Handle(b.callback(b.showTariffs), th.CallbackDataEqual("tariffs"))
	handler.Handle(b.callback(b.showSubscription), th.CallbackDataEqual("subscription"))
	handler.Handle(b.callback(b.showConnection), th.CallbackDataEqual("connection"))
	handler.Handle(b.callback(b.showInstruction), th.CallbackDataEqual("instruction"))
	handler.Handle(b.callback(b.showProfile), th.CallbackDataEqual("profile"))
	handler.Handle(b.callback(b.selectPlan), th.CallbackDataPrefix(planCallbackPrefix))

	go func() {
		<-ctx.Done()
		_ = handler.Stop()
	}()

	b.logger.Info("telegram bot started")
	return handler.Start()
}

func (b *Bot) send(ctx *th.Context, chatID int64, text string, markup telego.ReplyMarkup) {
	msg := tu.Message(tu.ID(chatID), text).WithParseMode(telego.ModeHTML)
	if markup != nil {
		msg = msg.WithReplyMarkup(markup)
	}
	if _, err := ctx.Bot().SendMessage(ctx.Context(), msg); err != nil {
		b.logger.Warn("failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// user resolves the sender. ok is false for unknown or blocked users, who
// get no reply.
func (b *Bot) user(ctx context.Context, telegramID int64) (*models.User, bool) {
	u, err := b.Store.GetUserByTelegramID(ctx, telegramID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.Error("failed to load user", zap.Int64("telegram_id", telegramID), zap.Error(err))
		}
		return nil, false
	}
	return u, !u.IsBlocked
}

type view func(ctx *th.Context, chatID int64, u *models.User, data string)

func (b *Bot) callback(v view) th.Handler {
	return func(ctx *th.Context, update telego.Update) error {
		cb := update.CallbackQuery
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(cb.ID))
		if u, ok := b.user(ctx.Context(), cb.From.ID); ok {
			v(ctx, cb.From.ID, u, cb.Data)
		}
		return nil
	}
}

func (b *Bot) command(ctx *th.Context, update telego.Update, v view) error {
	msg := update.Message
	if u, ok := b.user(ctx.Context(), msg.From.ID); ok {
		v(ctx, msg.Chat.ID, u, msg.Text)
	}
	return nil
}

func (b *Bot) handleStart(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	u, err := b.Store.FindOrCreateUser(ctx.Context(), &models.User{
		TelegramID: msg.From.ID,
		Username:   msg.From.Username,
		FirstName:  msg.From.FirstName,
		LastName:   msg.From.LastName,
	})
	if err != nil {
		b.logger.Error("failed to get or create user", zap.Int64("telegram_id", msg.From.ID), zap.Error(err))
		b.send(ctx, msg.Chat.ID, msgGenericError, nil)
		return nil
	}
	if u.IsBlocked {
		return nil
	}
	b.send(ctx, msg.Chat.ID, welcomeText(msg.From.FirstName), mainMenu())
	return nil
}

func (b *Bot) handleTariffs(ctx *th.Context, update telego.Update) error {
	return b.command(ctx, update, b.showTariffs)
}

func (b *Bot) handleSubscription(ctx *th.Context, update telego.Update) error {
	return b.command(ctx, update, b.showSubscription)
}

func (b *Bot) handleConnection(ctx *th.Context, update telego.Update) error {
	return b.command(ctx, update, b.showConnection)
}

func (b *Bot) handleProfile(ctx *th.Context, update telego.Update) error {
	return b.command(ctx, update, b.showProfile)
}

func (b *Bot) handleHelp(ctx *th.Context, update telego.Update) error {
	return b.command(ctx, update, func(ctx *th.Context, chatID int64, u *models.User, _ string) {
		b.send(ctx, chatID, helpText(u.IsAdmin), mainMenu())
	})
}

func (b *Bot) showTariffs(ctx *th.Context, chatID int64, _ *models.User, _ string) {
	plans, err := b.Store.ListActivePlans(ctx.Context())
	if err != nil {
		b.logger.Error("failed to list plans", zap.Error(err))
		b.send(ctx, chatID, msgGenericError, nil)
		return
	}
	if len(plans) == 0 {
		b.send(ctx, chatID, msgNoPlans, nil)
		return
	}
	b.send(ctx, chatID, tariffsText(plans), plansKeyboard(plans))
}

func (b *Bot) selectPlan(ctx *th.Context, chatID int64, u *models.User, data string) {
	planID, ok := parsePlanCallback(data)
	if !ok {
		return
	}
	log := b.logger.With(zap.Uint("user_id", u.ID), zap.Uint("plan_id", planID))

	sel, err := b.Orchestrator.SelectPlan(ctx.Context(), u.ID, planID)
	if err != nil {
		log.Error("plan selection failed", zap.Error(err))
		b.send(ctx, chatID, selectionErrorText(err), nil)
		return
	}
	log.Info("plan activated", zap.Uint("account_id", sel.Account.ID))
	b.send(ctx, chatID, activatedText(sel.Subscription, sel.Account), nil)
}

func (b *Bot) showSubscription(ctx *th.Context, chatID int64, u *models.User, _ string) {
	acc, err := b.Store.GetAccountByUser(ctx.Context(), u.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.Error("failed to load account", zap.Uint("user_id", u.ID), zap.Error(err))
		}
		b.send(ctx, chatID, msgNoAccount, tariffsButton())
		return
	}

	if acc.Status == models.AccountActive && b.Reconciler != nil {
		if _, err := b.Reconciler.SyncAccount(ctx.Context(), &xui.Session{}, acc.ID); err != nil {
			b.logger.Warn("traffic sync failed", zap.Uint("account_id", acc.ID), zap.Error(err))
		} else if fresh, err := b.Store.GetAccount(ctx.Context(), acc.ID); err == nil {
			acc = fresh
		}
	}

	var plan *models.SubscriptionPlan
	if sub, err := b.Store.GetActiveSubscription(ctx.Context(), u.ID); err == nil {
		plan, _ = b.Store.GetPlan(ctx.Context(), sub.PlanID)
	}
	b.send(ctx, chatID, subscriptionText(acc, plan), nil)
}

func (b *Bot) showProfile(ctx *th.Context, chatID int64, u *models.User, _ string) {
	acc, err := b.Store.GetAccountByUser(ctx.Context(), u.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.Error("failed to load account", zap.Uint("user_id", u.ID), zap.Error(err))
		}
		acc = nil
	}
	b.send(ctx, chatID, profileText(u, acc), nil)
}

func (b *Bot) showConnection(ctx *th.Context, chatID int64, u *models.User, _ string) {
	acc, err := b.Store.GetAccountByUser(ctx.Context(), u.ID)
	if err != nil || acc.Status != models.AccountActive || acc.ConnectionURI == "" {
		b.send(ctx, chatID, msgNoConnection, tariffsButton())
		return
	}
	b.send(ctx, chatID, connectionText(acc), nil)
}

func (b *Bot) showInstruction(ctx *th.Context, chatID int64, _ *models.User, _ string) {
	b.send(ctx, chatID, instructionText, nil)
}

func mainMenu() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🚀 Тарифы").WithCallbackData("tariffs"),
			tu.InlineKeyboardButton("👤 Подписка").WithCallbackData("subscription"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🔗 Подключение").WithCallbackData("connection"),
			tu.InlineKeyboardButton("📖 Инструкция").WithCallbackData("instruction"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🪪 Профиль").WithCallbackData("profile"),
		),
	)
}

func tariffsButton() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("🚀 Тарифы").WithCallbackData("tariffs"),
	))
}

func plansKeyboard(plans []models.SubscriptionPlan) *telego.InlineKeyboardMarkup {
	rows := make([][]telego.InlineKeyboardButton, 0, len(plans))
	for _, p := range plans {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(planButtonLabel(p)).WithCallbackData(planCallbackPrefix+strconv.FormatUint(uint64(p.ID), 10)),
		))
	}
	return tu.InlineKeyboard(rows...)
}

func parsePlanCallback(data string) (uint, bool) {
	raw, ok := strings.CutPrefix(data, planCallbackPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
