package knowledge

import "WalletPilot/internal/language"

// Defaults 返回内置的双语帮助条目。
func Defaults() []Snippet {
	return []Snippet{
		{
			Title:    "What I can do",
			Content:  "I can check your balances, show your recent transactions and send tokens to a wallet address or to a registered email.",
			Language: language.English,
		},
		{
			Title:    "Sending",
			Content:  "Say something like \"send 0.1 ETH to 0xabc...\" or \"send 50 USD to ana@example.com\". I will ask you to confirm before anything is sent.",
			Language: language.English,
			Keywords: []string{"send", "transfer", "pay"},
		},
		{
			Title:    "Limits",
			Content:  "Every transfer is checked against your per-transaction, daily and monthly limits and your optional whitelist of recipients.",
			Language: language.English,
			Keywords: []string{"limit", "whitelist", "safe", "security"},
		},
		{
			Title:    "History",
			Content:  "Ask for \"my last 10 transactions\" to see what you sent and received.",
			Language: language.English,
			Keywords: []string{"history", "transactions"},
		},
		{
			Title:    "Qué puedo hacer",
			Content:  "Puedo consultar tus saldos, mostrar tus transacciones recientes y enviar tokens a una dirección o a un correo registrado.",
			Language: language.Spanish,
		},
		{
			Title:    "Envíos",
			Content:  "Di algo como \"envía 0.1 ETH a 0xabc...\" o \"envía 50 USD a ana@ejemplo.com\". Te pediré confirmación antes de enviar.",
			Language: language.Spanish,
			Keywords: []string{"enviar", "envía", "transferir", "pagar"},
		},
		{
			Title:    "Límites",
			Content:  "Cada transferencia se valida contra tus límites por transacción, diarios y mensuales, y tu lista blanca de destinatarios.",
			Language: language.Spanish,
			Keywords: []string{"límite", "limite", "lista blanca", "seguridad"},
		},
		{
			Title:    "Historial",
			Content:  "Pide \"mis últimas 10 transacciones\" para ver lo que enviaste y recibiste.",
			Language: language.Spanish,
			Keywords: []string{"historial", "transacciones"},
		},
	}
}
