package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/telebot.v3"

	"github.com/miladez1/mrzadmincr/errs"
	"github.com/miladez1/mrzadmincr/model"
)

func (bot *Bot) handleStart(c telebot.Context) error {
	bot.setState(c.Sender().ID, StateNone)

	p, err := bot.principalOf(c)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return c.Send("This account is not registered. Ask a manager to add you as an admin or reseller.")
		}
		return bot.fail(c, err)
	}

	if bot.isManager(p) {
		return c.Send(fmt.Sprintf("Welcome back, %s. Use the menu below.", p.Username), adminKeyboard)
	}
	return c.Send(fmt.Sprintf("Welcome back, %s. Use the menu below.", p.Username), resellerKeyboard)
}

// --- manager flows ---

func (bot *Bot) handleDashboard(c telebot.Context) error {
	bot.setState(c.Sender().ID, StateNone)
	p, err := bot.principalOf(c)
	if err != nil {
		return bot.fail(c, err)
	}
	if !bot.isManager(p) {
		return c.Send("Managers only.")
	}

	text, err := bot.Gen.SystemReport(context.Background())
	if err != nil {
		return bot.fail(c, err)
	}
	return c.Send(text)
}

func (bot *Bot) handleAdmins(c telebot.Context) error {
	bot.setState(c.Sender().ID, StateNone)
	p, err := bot.principalOf(c)
	if err != nil {
		return bot.fail(c, err)
	}
	if !bot.isManager(p) {
		return c.Send("Managers only.")
	}
	return bot.sendPrincipalPage(c, model.RoleAdmin, 0)
}

func (bot *Bot) handleResellers(c telebot.Context) error {
	bot.setState(c.Sender().ID, StateNone)
	p, err := bot.principalOf(c)
	if err != nil {
		return bot.fail(c, err)
	}
	if !bot.isManager(p) {
		return c.Send("Managers only.")
	}
	return bot.sendPrincipalPage(c, model.RoleReseller, 0)
}

// sendPrincipalPage renders one page of admins or resellers with paging
// and per-entry action buttons.
func (bot *Bot) sendPrincipalPage(c telebot.Context, role string, page int) error {
	items, totalPages, err := bot.Store.ListPrincipals(role, page, bot.cfg.PageSize)
	if err != nil {
		return bot.fail(c, err)
	}

	now := time.Now()
	var msg strings.Builder
	fmt.Fprintf(&msg, "📋 %ss (page %d of %d):\n\n", role, page+1, totalPages)
	if len(items) == 0 {
		msg.WriteString("none yet\n")
	}

	menu := &telebot.ReplyMarkup{}
	var rows []telebot.Row
	if role == model.RoleAdmin {
		rows = append(rows, menu.Row(btnCreateAdmin))
	} else {
		rows = append(rows, menu.Row(btnCreateReseller, btnExtendReseller))
	}

	for i := range items {
		p := &items[i]
		v := p.View(now, bot.cfg.Sweep.BandwidthWarnFloor)
		fmt.Fprintf(&msg, "• %s — %.2f/%.2f GB, %d/%d users, %s\n",
			p.Username, v.Bandwidth.UsedGB, v.Bandwidth.LimitGB,
			p.UsedEntities, p.MaxEntities, v.State)
		rows = append(rows, menu.Row(
			telebot.Btn{Text: "ℹ️ " + p.Username, Unique: "pinfo", Data: p.RemoteUsername},
			telebot.Btn{Text: "🗑 " + p.Username, Unique: "pdel", Data: p.RemoteUsername},
		))
	}

	if row := pagingRow(menu, "plist", role, page, totalPages); len(row) > 0 {
		rows = append(rows, row)
	}
	menu.Inline(rows...)
	return c.Send(msg.String(), menu)
}

func (bot *Bot) handleCreateAdminBtn(c telebot.Context) error {
	bot.setState(c.Sender().ID, StateAdminCreate_WaitUsername)
	return c.Send("Enter a username for the new admin:")
}

func (bot *Bot) handleCreateResellerBtn(c telebot.Context) error {
	bot.setState(c.Sender().ID, StateResellerCreate_WaitUsername)
	return c.Send("Enter a username for the new reseller:")
}

func (bot *Bot) handleExtendResellerBtn(c telebot.Context) error {
	bot.setState(c.Sender().ID, StateResellerExtend_WaitUsername)
	return c.Send("Enter the reseller's panel username:")
}

// --- reseller flows ---

func (bot *Bot) handleCreateUserBtn(c telebot.Context) error {
	p, err := bot.principalOf(c)
	if err != nil {
		return bot.fail(c, err)
	}
	if p.Role != model.RoleReseller {
		return c.Send("Resellers only.")
	}
	bot.setState(c.Sender().ID, StateUserCreate_WaitUsername)
	return c.Send("Enter a username for the new user:")
}

func (bot *Bot) handleMyUsers(c telebot.Context) error {
	bot.setState(c.Sender().ID, StateNone)
	return bot.sendUserPage(c, 0)
}

func (bot *Bot) sendUserPage(c telebot.Context, page int) error {
	p, err := bot.principalOf(c)
	if err != nil {
		return bot.fail(c, err)
	}
	if p.Role != model.RoleReseller {
		return c.Send("Resellers only.")
	}

	items, totalPages, err := bot.Store.ListSubordinates(p.ID, page, bot.cfg.PageSize)
	if err != nil {
		return bot.fail(c, err)
	}

	now := time.Now()
	var msg strings.Builder
	fmt.Fprintf(&msg, "📋 Your users (page %d of %d):\n\n", page+1, totalPages)
	if len(items) == 0 {
		msg.WriteString("none yet\n")
	}

	menu := &telebot.ReplyMarkup{}
	var rows []telebot.Row
	for i := range items {
		sub := &items[i]
		v := sub.View(now, bot.cfg.Sweep.BandwidthWarnFloor)
		fmt.Fprintf(&msg, "• %s — %.2f/%.2f GB, %d days left, %s\n",
			sub.Username, v.Bandwidth.UsedGB, v.Bandwidth.LimitGB,
			v.Subscription.DaysRemaining, v.State)
		rows = append(rows, menu.Row(
			telebot.Btn{Text: "ℹ️ " + sub.Username, Unique: "uinfo", Data: sub.RemoteUsername},
		))
	}

	if row := pagingRow(menu, "ulist", "", page, totalPages); len(row) > 0 {
		rows = append(rows, row)
	}
	menu.Inline(rows...)
	return c.Send(msg.String(), menu)
}

func (bot *Bot) handleMyAccount(c telebot.Context) error {
	bot.setState(c.Sender().ID, StateNone)
	p, err := bot.principalOf(c)
	if err != nil {
		return bot.fail(c, err)
	}

	if p.Role == model.RoleReseller {
		// Pull fresh consumption from the panel before rendering.
		if _, err := bot.Engine.RefreshPrincipalUsage(context.Background(), p.RemoteUsername); err != nil {
			bot.log.Warn("usage refresh failed on account view", zap.Error(err))
		}
		if p, err = bot.Store.PrincipalByTelegramID(c.Sender().ID); err != nil {
			return bot.fail(c, err)
		}
	}

	return c.Send(bot.formatPrincipal(p))
}

// --- state machine inputs ---

func (bot *Bot) handleText(c telebot.Context) error {
	userID := c.Sender().ID
	state := bot.getState(userID)
	text := strings.TrimSpace(c.Text())

	switch state {
	// admin creation
	case StateAdminCreate_WaitUsername:
		bot.setTempData(userID, "username", text)
		bot.setState(userID, StateAdminCreate_WaitTelegramID)
		return c.Send("Enter the admin's Telegram ID:")

	case StateAdminCreate_WaitTelegramID:
		if _, err := strconv.ParseInt(text, 10, 64); err != nil {
			return c.Send("❌ Telegram ID must be a number. Try again:")
		}
		bot.setTempData(userID, "telegram_id", text)
		menu := &telebot.ReplyMarkup{}
		var rows []telebot.Row
		for name := range model.PermissionPresets {
			rows = append(rows, menu.Row(telebot.Btn{Text: name, Unique: "preset", Data: name}))
		}
		menu.Inline(rows...)
		return c.Send("Choose a permission preset:", menu)

	// reseller creation
	case StateResellerCreate_WaitUsername:
		bot.setTempData(userID, "username", text)
		bot.setState(userID, StateResellerCreate_WaitTelegramID)
		return c.Send("Enter the reseller's Telegram ID:")

	case StateResellerCreate_WaitTelegramID:
		if _, err := strconv.ParseInt(text, 10, 64); err != nil {
			return c.Send("❌ Telegram ID must be a number. Try again:")
		}
		bot.setTempData(userID, "telegram_id", text)
		bot.setState(userID, StateResellerCreate_WaitBandwidth)
		return c.Send("Bandwidth in GB (0 for unlimited):")

	case StateResellerCreate_WaitBandwidth:
		if _, err := strconv.ParseUint(text, 10, 64); err != nil {
			return c.Send("❌ Enter a whole number of GB:")
		}
		bot.setTempData(userID, "bandwidth", text)
		bot.setState(userID, StateResellerCreate_WaitDays)
		return c.Send("Duration in days (0 for no expiry):")

	case StateResellerCreate_WaitDays:
		if _, err := strconv.Atoi(text); err != nil {
			return c.Send("❌ Enter a whole number of days:")
		}
		bot.setTempData(userID, "days", text)
		bot.setState(userID, StateResellerCreate_WaitMaxUsers)
		return c.Send("Maximum users (0 for unlimited):")

	case StateResellerCreate_WaitMaxUsers:
		maxUsers, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return c.Send("❌ Enter a whole number of users:")
		}
		return bot.finishResellerCreate(c, uint32(maxUsers))

	// end-user creation
	case StateUserCreate_WaitUsername:
		bot.setTempData(userID, "username", text)
		bot.setState(userID, StateUserCreate_WaitBandwidth)
		return c.Send("Bandwidth in GB:")

	case StateUserCreate_WaitBandwidth:
		gb, err := strconv.ParseUint(text, 10, 64)
		if err != nil || gb == 0 {
			return c.Send("❌ Enter a positive whole number of GB:")
		}
		bot.setTempData(userID, "bandwidth", text)
		bot.setState(userID, StateUserCreate_WaitDays)
		return c.Send("Duration in days:")

	case StateUserCreate_WaitDays:
		days, err := strconv.Atoi(text)
		if err != nil || days <= 0 {
			return c.Send("❌ Enter a positive whole number of days:")
		}
		bot.setTempData(userID, "days", text)
		bot.setState(userID, StateUserCreate_WaitConnections)
		return c.Send("Concurrent connection limit:")

	case StateUserCreate_WaitConnections:
		conns, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return c.Send("❌ Enter a whole number:")
		}
		return bot.finishUserCreate(c, uint32(conns))

	// end-user extension
	case StateUserExtend_WaitBandwidth:
		if _, err := strconv.ParseUint(text, 10, 64); err != nil {
			return c.Send("❌ Enter a whole number of GB to add (0 for none):")
		}
		bot.setTempData(userID, "bandwidth", text)
		bot.setState(userID, StateUserExtend_WaitDays)
		return c.Send("Days to add (0 for none):")

	case StateUserExtend_WaitDays:
		days, err := strconv.Atoi(text)
		if err != nil || days < 0 {
			return c.Send("❌ Enter a whole number of days:")
		}
		return bot.finishUserExtend(c, days)

	// reseller extension
	case StateResellerExtend_WaitUsername:
		bot.setTempData(userID, "target", text)
		bot.setState(userID, StateResellerExtend_WaitBandwidth)
		return c.Send("GB to add (0 for none):")

	case StateResellerExtend_WaitBandwidth:
		if _, err := strconv.ParseUint(text, 10, 64); err != nil {
			return c.Send("❌ Enter a whole number of GB:")
		}
		bot.setTempData(userID, "bandwidth", text)
		bot.setState(userID, StateResellerExtend_WaitDays)
		return c.Send("Days to add (0 for none):")

	case StateResellerExtend_WaitDays:
		if _, err := strconv.Atoi(text); err != nil {
			return c.Send("❌ Enter a whole number of days:")
		}
		bot.setTempData(userID, "days", text)
		bot.setState(userID, StateResellerExtend_WaitUsers)
		return c.Send("Users to add (0 for none):")

	case StateResellerExtend_WaitUsers:
		users, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return c.Send("❌ Enter a whole number of users:")
		}
		return bot.finishResellerExtend(c, uint32(users))
	}

	return nil
}

// --- flow completions ---

func (bot *Bot) finishResellerCreate(c telebot.Context, maxUsers uint32) error {
	userID := c.Sender().ID
	defer bot.setState(userID, StateNone)

	telegramID, _ := strconv.ParseInt(bot.getTempData(userID, "telegram_id"), 10, 64)
	gb, _ := strconv.ParseUint(bot.getTempData(userID, "bandwidth"), 10, 64)
	days, _ := strconv.Atoi(bot.getTempData(userID, "days"))
	username := bot.getTempData(userID, "username")

	c.Send("Provisioning reseller, please wait...")
	p, err := bot.Engine.CreateReseller(context.Background(), telegramID, username, gb, days, maxUsers)
	if err != nil {
		return bot.fail(c, err)
	}
	return c.Send(fmt.Sprintf("✅ Reseller created.\n\n%s", bot.formatPrincipal(p)))
}

func (bot *Bot) finishUserCreate(c telebot.Context, connections uint32) error {
	userID := c.Sender().ID
	defer bot.setState(userID, StateNone)

	gb, _ := strconv.ParseUint(bot.getTempData(userID, "bandwidth"), 10, 64)
	days, _ := strconv.Atoi(bot.getTempData(userID, "days"))
	username := bot.getTempData(userID, "username")

	c.Send("Provisioning user, please wait...")
	sub, err := bot.Engine.CreateSubordinate(context.Background(), userID, username, gb, days, connections)
	if err != nil {
		return bot.fail(c, err)
	}
	return c.Send(fmt.Sprintf("✅ User created.\n\n%s", bot.formatSubordinate(sub)))
}

func (bot *Bot) finishUserExtend(c telebot.Context, days int) error {
	userID := c.Sender().ID
	defer bot.setState(userID, StateNone)

	gb, _ := strconv.ParseUint(bot.getTempData(userID, "bandwidth"), 10, 64)
	target := bot.getTempData(userID, "target")

	budget, err := bot.Engine.ExtendSubordinate(context.Background(), target, model.GiB(gb), days)
	if err != nil {
		return bot.fail(c, err)
	}
	return c.Send(fmt.Sprintf("✅ Updated. New limit: %.2f GB, expires: %s",
		model.ToGB(budget.LimitBytes), formatExpiry(budget.ExpiresAt)))
}

func (bot *Bot) finishResellerExtend(c telebot.Context, users uint32) error {
	userID := c.Sender().ID
	defer bot.setState(userID, StateNone)

	gb, _ := strconv.ParseUint(bot.getTempData(userID, "bandwidth"), 10, 64)
	days, _ := strconv.Atoi(bot.getTempData(userID, "days"))
	target := bot.getTempData(userID, "target")

	budget, err := bot.Engine.ExtendPrincipal(context.Background(), target, model.GiB(gb), days, users)
	if err != nil {
		return bot.fail(c, err)
	}
	return c.Send(fmt.Sprintf("✅ Updated. New limit: %.2f GB, max users: %d, expires: %s",
		model.ToGB(budget.LimitBytes), budget.MaxEntities, formatExpiry(budget.ExpiresAt)))
}

// --- callbacks ---

func (bot *Bot) handleCallback(c telebot.Context) error {
	data := strings.TrimSpace(c.Callback().Data)
	unique := strings.TrimSpace(c.Callback().Unique)

	switch unique {
	case "preset":
		return bot.finishAdminCreate(c, data)

	case "ulist":
		_, page := splitPageData(data)
		c.Respond()
		return bot.sendUserPage(c, page)

	case "plist":
		role, page := splitPageData(data)
		c.Respond()
		return bot.sendPrincipalPage(c, role, page)

	case "uinfo":
		return bot.sendUserInfo(c, data)

	case "uext":
		bot.setTempData(c.Sender().ID, "target", data)
		bot.setState(c.Sender().ID, StateUserExtend_WaitBandwidth)
		c.Respond()
		return c.Send("GB to add (0 for none):")

	case "udel":
		if err := bot.Engine.DeleteSubordinate(context.Background(), data); err != nil {
			c.Respond(&telebot.CallbackResponse{Text: "Failed"})
			return bot.fail(c, err)
		}
		c.Respond(&telebot.CallbackResponse{Text: "Deleted"})
		return bot.sendUserPage(c, 0)

	case "pinfo":
		text, err := bot.Gen.PrincipalReport(data, time.Now())
		if err != nil {
			return bot.fail(c, err)
		}
		c.Respond()
		return c.Send(text)

	case "pdel":
		if err := bot.Engine.DeletePrincipal(context.Background(), data); err != nil {
			c.Respond(&telebot.CallbackResponse{Text: "Failed"})
			return bot.fail(c, err)
		}
		c.Respond(&telebot.CallbackResponse{Text: "Deleted"})
		return nil
	}

	return nil
}

func (bot *Bot) finishAdminCreate(c telebot.Context, preset string) error {
	userID := c.Sender().ID
	defer bot.setState(userID, StateNone)

	perms, ok := model.PermissionPresets[preset]
	if !ok {
		return c.Send("❌ Unknown permission preset.")
	}
	telegramID, _ := strconv.ParseInt(bot.getTempData(userID, "telegram_id"), 10, 64)
	username := bot.getTempData(userID, "username")

	p, err := bot.Engine.CreateAdmin(context.Background(), telegramID, username, perms, 0, 0, 0)
	if err != nil {
		return bot.fail(c, err)
	}
	c.Respond(&telebot.CallbackResponse{Text: "Admin created"})
	return c.Send(fmt.Sprintf("✅ Admin %s created with preset %q.", p.Username, preset))
}

func (bot *Bot) sendUserInfo(c telebot.Context, remoteUsername string) error {
	c.Respond()

	// Refresh consumption from the panel; stale local data is fine if the
	// panel is briefly unreachable.
	if _, err := bot.Engine.RefreshSubordinateUsage(context.Background(), remoteUsername); err != nil {
		bot.log.Warn("usage refresh failed on user view", zap.Error(err))
	}

	sub, err := bot.Store.SubordinateByRemoteUsername(remoteUsername)
	if err != nil {
		return bot.fail(c, err)
	}

	menu := &telebot.ReplyMarkup{}
	menu.Inline(
		menu.Row(
			telebot.Btn{Text: "🔄 Extend", Unique: "uext", Data: sub.RemoteUsername},
			telebot.Btn{Text: "🗑 Delete", Unique: "udel", Data: sub.RemoteUsername},
		),
	)
	return c.Send(bot.formatSubordinate(sub), menu)
}

// --- formatting ---

func (bot *Bot) formatSubordinate(sub *model.Subordinate) string {
	v := sub.View(time.Now(), bot.cfg.Sweep.BandwidthWarnFloor)
	var msg strings.Builder
	fmt.Fprintf(&msg, "👤 %s (%s)\n", sub.Username, sub.RemoteUsername)
	fmt.Fprintf(&msg, "📊 Bandwidth: %.2f / %.2f GB (%.2f%% used, %.2f GB left)\n",
		v.Bandwidth.UsedGB, v.Bandwidth.LimitGB, v.Bandwidth.PercentUsed, v.Bandwidth.RemainingGB)
	fmt.Fprintf(&msg, "⏳ Expires: %s (%d days left)\n", formatExpiry(sub.ExpiresAt), v.Subscription.DaysRemaining)
	fmt.Fprintf(&msg, "🔌 Connections: %d\n", sub.ConnectionLimit)
	fmt.Fprintf(&msg, "Status: %s", v.State)

	if over, reasons := bot.Engine.OverLimit(sub.Budget()); over {
		msg.WriteString("\n\n⚠️ " + strings.Join(reasons, "\n⚠️ "))
	}
	return msg.String()
}

func (bot *Bot) formatPrincipal(p *model.Principal) string {
	v := p.View(time.Now(), bot.cfg.Sweep.BandwidthWarnFloor)
	var msg strings.Builder
	fmt.Fprintf(&msg, "💼 %s (%s)\n", p.Username, p.Role)
	fmt.Fprintf(&msg, "📊 Bandwidth: %.2f / %.2f GB (%.2f%% used, %.2f GB left)\n",
		v.Bandwidth.UsedGB, v.Bandwidth.LimitGB, v.Bandwidth.PercentUsed, v.Bandwidth.RemainingGB)
	fmt.Fprintf(&msg, "👥 Users: %d / %d\n", p.UsedEntities, p.MaxEntities)
	fmt.Fprintf(&msg, "⏳ Expires: %s (%d days left)\n", formatExpiry(p.ExpiresAt), v.Subscription.DaysRemaining)
	fmt.Fprintf(&msg, "Status: %s", v.State)

	if over, reasons := bot.Engine.OverLimit(p.Budget()); over {
		msg.WriteString("\n\n⚠️ " + strings.Join(reasons, "\n⚠️ "))
	}
	return msg.String()
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format("2006-01-02")
}

// pagingRow builds prev/next buttons carrying "<tag>|<page>" payloads.
func pagingRow(menu *telebot.ReplyMarkup, unique, tag string, page, totalPages int) telebot.Row {
	var row telebot.Row
	if page > 0 {
		row = append(row, telebot.Btn{Text: "◀️ Prev", Unique: unique, Data: joinPageData(tag, page-1)})
	}
	if page+1 < totalPages {
		row = append(row, telebot.Btn{Text: "Next ▶️", Unique: unique, Data: joinPageData(tag, page+1)})
	}
	return row
}

func joinPageData(tag string, page int) string {
	if tag == "" {
		return strconv.Itoa(page)
	}
	return tag + "|" + strconv.Itoa(page)
}

func splitPageData(data string) (tag string, page int) {
	parts := strings.Split(data, "|")
	if len(parts) == 2 {
		tag = parts[0]
		page, _ = strconv.Atoi(parts[1])
		return tag, page
	}
	page, _ = strconv.Atoi(data)
	return "", page
}
