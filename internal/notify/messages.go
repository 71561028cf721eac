package notify

import "fmt"

// DayWord picks the Russian plural form of "день" for n.
func DayWord(n int) string {
	if n%100 >= 11 && n%100 <= 19 {
		return "дней"
	}
	switch n % 10 {
	case 1:
		return "день"
	case 2, 3, 4:
		return "дня"
	}
	return "дней"
}

func ExpiredMessage() string {
	return "🚨 Ваш VPN-аккаунт истек. Продлите подписку, чтобы продолжить пользоваться сервисом."
}

func TrafficLimitMessage() string {
	return "⚠️ Вы израсходовали весь доступный трафик. Пожалуйста, продлите текущий тариф или выберите новый с помощью команды /tariffs."
}

func ExpiresSoonMessage(daysLeft int) string {
	return fmt.Sprintf("⚠️ Ваш VPN-аккаунт истекает через %d %s. Не забудьте продлить подписку!", daysLeft, DayWord(daysLeft))
}
