package language

import "fmt"

// Key 标识一条面向用户的本地化文案。
type Key string

const (
	MsgFallbackReply       Key = "fallback_reply"
	MsgNeedAddress         Key = "need_address"
	MsgNeedAmount          Key = "need_amount"
	MsgAmountPrecision     Key = "amount_precision"
	MsgNeedRecipient       Key = "need_recipient"
	MsgRecipientUnknown    Key = "recipient_unknown"
	MsgLimitRejected       Key = "limit_rejected"
	MsgLimitPerTx          Key = "limit_per_tx"
	MsgLimitWhitelist      Key = "limit_whitelist"
	MsgLimitDayCount       Key = "limit_day_count"
	MsgLimitDayAmount      Key = "limit_day_amount"
	MsgLimitMonthAmount    Key = "limit_month_amount"
	MsgLimitUnverified     Key = "limit_unverified"
	MsgConfirmTransfer     Key = "confirm_transfer"
	MsgTransferCancelled   Key = "transfer_cancelled"
	MsgConfirmationExpired Key = "confirmation_expired"
	MsgTransferSubmitted   Key = "transfer_submitted"
	MsgTransferDuplicate   Key = "transfer_duplicate"
	MsgInsufficientFunds   Key = "insufficient_funds"
	MsgInvalidRecipient    Key = "invalid_recipient"
	MsgLedgerUnavailable   Key = "ledger_unavailable"
	MsgTransferFailed      Key = "transfer_failed"
	MsgTransferHeader      Key = "transfer_header"
	MsgTransferRecipient   Key = "transfer_recipient"
	MsgTransferResolved    Key = "transfer_resolved"
	MsgTransferAmount      Key = "transfer_amount"
	MsgTransferConverted   Key = "transfer_converted"
	MsgHistoryHeader       Key = "history_header"
	MsgHistorySent         Key = "history_sent"
	MsgHistoryReceived     Key = "history_received"
	MsgHistorySentLine     Key = "history_sent_line"
	MsgHistoryReceivedLine Key = "history_received_line"
	MsgHistoryEmpty        Key = "history_empty"
	MsgHistoryError        Key = "history_error"
	MsgBalanceHeader       Key = "balance_header"
	MsgBalanceLine         Key = "balance_line"
	MsgBalanceError        Key = "balance_error"
	MsgHelpHeader          Key = "help_header"
	MsgRespondIn           Key = "respond_in"
)

var catalog = map[Tag]map[Key]string{
	English: {
		MsgFallbackReply:       "Sorry, I couldn't process that right now. Please try again in a moment.",
		MsgNeedAddress:         "I need your wallet address to do that.",
		MsgNeedAmount:          "How much would you like to send?",
		MsgAmountPrecision:     "%s supports at most %d decimal places. Please send a rounder amount; nothing was sent.",
		MsgNeedRecipient:       "Who should receive it? Give me a wallet address or a registered email.",
		MsgRecipientUnknown:    "I couldn't find a wallet registered for %s.",
		MsgLimitRejected:       "I can't send that: %s.",
		MsgLimitPerTx:          "%s exceeds your per-transaction limit of %s",
		MsgLimitWhitelist:      "%s is not in your whitelist",
		MsgLimitDayCount:       "you have reached your daily limit of %s transactions",
		MsgLimitDayAmount:      "it would exceed your daily limit of %s",
		MsgLimitMonthAmount:    "it would exceed your monthly limit of %s",
		MsgLimitUnverified:     "limits could not be verified",
		MsgConfirmTransfer:     "You are about to send %s %s to %s. Reply \"yes\" to confirm or \"no\" to cancel.",
		MsgTransferCancelled:   "Okay, I cancelled that transfer.",
		MsgConfirmationExpired: "That transfer request expired, so nothing was sent. Ask me again if you still want to send it.",
		MsgTransferSubmitted:   "Done! I sent %s %s to %s. Transaction hash: %s",
		MsgTransferDuplicate:   "That transfer was already submitted. Transaction hash: %s",
		MsgInsufficientFunds:   "The transfer failed: there are not enough funds in your wallet.",
		MsgInvalidRecipient:    "The transfer failed: the recipient address is not valid.",
		MsgLedgerUnavailable:   "The transfer failed: the network is unavailable right now. Nothing was sent.",
		MsgTransferFailed:      "The transfer failed. Nothing was sent.",
		MsgTransferHeader:      "Transfer details:",
		MsgTransferRecipient:   "- Recipient: %s",
		MsgTransferResolved:    "- Wallet: %s",
		MsgTransferAmount:      "- Amount: %s %s",
		MsgTransferConverted:   "- Equivalent: %s %s (at %s %s per %s)",
		MsgHistoryHeader:       "Your latest %d transactions:",
		MsgHistorySent:         "Sent:",
		MsgHistoryReceived:     "Received:",
		MsgHistorySentLine:     "- %s: %s %s to %s (%s)",
		MsgHistoryReceivedLine: "- %s: %s %s from %s (%s)",
		MsgHistoryEmpty:        "No transactions found for your address.",
		MsgHistoryError:        "I couldn't retrieve your transaction history right now.",
		MsgBalanceHeader:       "Your balances:",
		MsgBalanceLine:         "- %s: %s",
		MsgBalanceError:        "I couldn't retrieve your balance right now.",
		MsgHelpHeader:          "About this wallet:",
		MsgRespondIn:           "Respond in %s.",
	},
	Spanish: {
		MsgFallbackReply:       "Lo siento, no pude procesar eso ahora. Inténtalo de nuevo en un momento.",
		MsgNeedAddress:         "Necesito la dirección de tu billetera para hacer eso.",
		MsgNeedAmount:          "¿Cuánto quieres enviar?",
		MsgAmountPrecision:     "%s admite como máximo %d decimales. Indica un monto más redondo; no se envió nada.",
		MsgNeedRecipient:       "¿A quién se lo envío? Dame una dirección o un correo registrado.",
		MsgRecipientUnknown:    "No encontré una billetera registrada para %s.",
		MsgLimitRejected:       "No puedo enviar eso: %s.",
		MsgLimitPerTx:          "%s supera tu límite por transacción de %s",
		MsgLimitWhitelist:      "%s no está en tu lista blanca",
		MsgLimitDayCount:       "alcanzaste tu límite diario de %s transacciones",
		MsgLimitDayAmount:      "superaría tu límite diario de %s",
		MsgLimitMonthAmount:    "superaría tu límite mensual de %s",
		MsgLimitUnverified:     "no se pudieron verificar los límites",
		MsgConfirmTransfer:     "Vas a enviar %s %s a %s. Responde \"sí\" para confirmar o \"no\" para cancelar.",
		MsgTransferCancelled:   "De acuerdo, cancelé la transferencia.",
		MsgConfirmationExpired: "Esa solicitud de transferencia expiró, así que no se envió nada. Pídemela de nuevo si todavía quieres enviarla.",
		MsgTransferSubmitted:   "¡Listo! Envié %s %s a %s. Hash de la transacción: %s",
		MsgTransferDuplicate:   "Esa transferencia ya fue enviada. Hash de la transacción: %s",
		MsgInsufficientFunds:   "La transferencia falló: no hay fondos suficientes en tu billetera.",
		MsgInvalidRecipient:    "La transferencia falló: la dirección del destinatario no es válida.",
		MsgLedgerUnavailable:   "La transferencia falló: la red no está disponible ahora. No se envió nada.",
		MsgTransferFailed:      "La transferencia falló. No se envió nada.",
		MsgTransferHeader:      "Detalles de la transferencia:",
		MsgTransferRecipient:   "- Destinatario: %s",
		MsgTransferResolved:    "- Billetera: %s",
		MsgTransferAmount:      "- Monto: %s %s",
		MsgTransferConverted:   "- Equivalente: %s %s (a %s %s por %s)",
		MsgHistoryHeader:       "Tus últimas %d transacciones:",
		MsgHistorySent:         "Enviadas:",
		MsgHistoryReceived:     "Recibidas:",
		MsgHistorySentLine:     "- %s: %s %s a %s (%s)",
		MsgHistoryReceivedLine: "- %s: %s %s de %s (%s)",
		MsgHistoryEmpty:        "No se encontraron transacciones para tu dirección.",
		MsgHistoryError:        "No pude obtener tu historial de transacciones en este momento.",
		MsgBalanceHeader:       "Tus saldos:",
		MsgBalanceLine:         "- %s: %s",
		MsgBalanceError:        "No pude obtener tu saldo en este momento.",
		MsgHelpHeader:          "Sobre esta billetera:",
		MsgRespondIn:           "Responde en %s.",
	},
}

// Text 返回指定语言的文案，缺失时回退到英文。
func Text(tag Tag, key Key, args ...any) string {
	format, ok := catalog[tag][key]
	if !ok {
		format = catalog[English][key]
	}
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
