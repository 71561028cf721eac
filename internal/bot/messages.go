package bot

import (
	"errors"
	"fmt"
	"html"
	"strings"

	"winston-vpn/internal/models"
	"winston-vpn/internal/notify"
	"winston-vpn/internal/vpnerr"
)

const (
	msgGenericError = "❌ Что-то пошло не так. Попробуйте позже."
	msgNoPlans      = "Сейчас нет доступных тарифов."
	msgNoAccount    = "У вас пока нет VPN-аккаунта. Выберите тариф, чтобы подключиться."
	msgNoConnection = "Нет активного подключения. Выберите или продлите тариф."

	instructionText = "📖 <b>Как пользоваться VPN:</b>\n\n" +
		"1. Выберите тариф через /tariffs.\n" +
		"2. Скопируйте ссылку из /connection.\n" +
		"3. Скачайте приложение (V2RayNG для Android, v2BOX для iOS).\n" +
		"4. Импортируйте ссылку в приложение.\n" +
		"5. Нажмите «Подключиться»!"

	dateLayout = "02.01.2006"
)

func welcomeText(firstName string) string {
	return fmt.Sprintf("Привет, %s! 👋\n\nЯ помогу тебе подключить VPN.", html.EscapeString(firstName))
}

func formatGB(bytes int64) string {
	return fmt.Sprintf("%.2f ГБ", float64(bytes)/float64(models.BytesPerGB))
}

func planButtonLabel(p models.SubscriptionPlan) string {
	traffic := "безлимит"
	if p.TrafficGB > 0 {
		traffic = fmt.Sprintf("%d ГБ", p.TrafficGB)
	}
	return fmt.Sprintf("%s: %d %s, %s", p.Name, p.DurationDays, notify.DayWord(p.DurationDays), traffic)
}

func tariffsText(plans []models.SubscriptionPlan) string {
	var sb strings.Builder
	sb.WriteString("📊 <b>Тарифы:</b>\n")
	for _, p := range plans {
		sb.WriteString("\n• ")
		sb.WriteString(html.EscapeString(planButtonLabel(p)))
		if p.Description != "" {
			sb.WriteString("\n  ")
			sb.WriteString(html.EscapeString(p.Description))
		}
	}
	return sb.String()
}

func activatedText(sub *models.Subscription, acc *models.VpnAccount) string {
	return fmt.Sprintf("✅ Подписка активирована!\n\n📅 Действует до: %s\n\n%s",
		sub.ExpiresAt.Format(dateLayout), connectionText(acc))
}

func connectionText(acc *models.VpnAccount) string {
	return fmt.Sprintf("🔗 <b>Ссылка для подключения:</b>\n<code>%s</code>", html.EscapeString(acc.ConnectionURI))
}

func statusText(acc *models.VpnAccount) string {
	switch acc.Status {
	case models.AccountActive:
		return "✅ Активен"
	case models.AccountBlocked:
		return "⛔ Заблокирован"
	}
	if acc.StatusReason == models.ReasonTrafficLimit {
		return "⚠️ Трафик исчерпан"
	}
	return "⚠️ Истек"
}

func subscriptionText(acc *models.VpnAccount, plan *models.SubscriptionPlan) string {
	var sb strings.Builder
	sb.WriteString("👤 <b>Ваша подписка:</b>\n\n")
	if plan != nil {
		fmt.Fprintf(&sb, "🔹 Тариф: %s\n", html.EscapeString(plan.Name))
	}
	fmt.Fprintf(&sb, "🔹 Статус: %s\n", statusText(acc))
	fmt.Fprintf(&sb, "🔹 Действует до: %s\n", acc.ExpiresAt.Format(dateLayout))
	if acc.TrafficLimitBytes > 0 {
		fmt.Fprintf(&sb, "🔹 Трафик: %s из %s", formatGB(acc.TrafficUsedBytes), formatGB(acc.TrafficLimitBytes))
	} else {
		fmt.Fprintf(&sb, "🔹 Трафик: %s (безлимит)", formatGB(acc.TrafficUsedBytes))
	}
	return sb.String()
}

func helpText(admin bool) string {
	var sb strings.Builder
	sb.WriteString("ℹ️ <b>Команды:</b>\n\n" +
		"/start - главное меню\n" +
		"/tariffs - тарифы\n" +
		"/subscription - ваша подписка и трафик\n" +
		"/connection - ссылка для подключения\n" +
		"/profile - профиль\n" +
		"/help - эта справка")
	if admin {
		sb.WriteString("\n\nУправление пользователями: <code>vpnctl users</code>")
	}
	return sb.String()
}

func profileText(u *models.User, acc *models.VpnAccount) string {
	var sb strings.Builder
	sb.WriteString("🪪 <b>Профиль:</b>\n\n")
	fmt.Fprintf(&sb, "🔹 Telegram ID: <code>%d</code>\n", u.TelegramID)
	if u.Username != "" {
		fmt.Fprintf(&sb, "🔹 Имя пользователя: @%s\n", html.EscapeString(u.Username))
	}
	role := "пользователь"
	if u.IsAdmin {
		role = "администратор"
	}
	fmt.Fprintf(&sb, "🔹 Роль: %s\n", role)
	fmt.Fprintf(&sb, "🔹 Зарегистрирован: %s\n", u.CreatedAt.Format(dateLayout))
	if acc == nil {
		sb.WriteString("🔹 VPN: нет аккаунта")
	} else {
		fmt.Fprintf(&sb, "🔹 VPN: %s до %s", statusText(acc), acc.ExpiresAt.Format(dateLayout))
	}
	return sb.String()
}

func selectionErrorText(err error) string {
	var nf *vpnerr.NotFoundError
	if errors.As(err, &nf) {
		return "❌ Тариф недоступен. Выберите другой через /tariffs."
	}
	return "❌ Ошибка при активации VPN. Попробуйте позже."
}
