package agent

import "strings"

type replyKind int

const (
	replyOther replyKind = iota
	replyConfirm
	replyCancel
)

var (
	confirmWords = wordSet(
		"yes", "y", "yeah", "yep", "confirm", "confirmed", "ok", "okay", "sure", "go ahead", "do it", "send it",
		"sí", "si", "confirmo", "confirmar", "dale", "claro", "adelante", "de acuerdo", "hazlo", "envíalo", "envialo",
	)
	cancelWords = wordSet(
		"no", "n", "nope", "cancel", "stop", "abort", "never mind", "don't",
		"cancelar", "cancela", "cancelo", "detener", "olvídalo", "olvidalo",
	)
)

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// classifyReply 判断用户对待确认转账的答复：整句或首个词命中确认/取消词表。
func classifyReply(message string) replyKind {
	normalized := strings.ToLower(strings.TrimSpace(message))
	normalized = strings.Trim(normalized, ".,!¡?¿ \t\n")
	if normalized == "" {
		return replyOther
	}
	if _, ok := cancelWords[normalized]; ok {
		return replyCancel
	}
	if _, ok := confirmWords[normalized]; ok {
		return replyConfirm
	}

	first := strings.FieldsFunc(normalized, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '\t'
	})
	if len(first) == 0 {
		return replyOther
	}
	if _, ok := cancelWords[first[0]]; ok {
		return replyCancel
	}
	if _, ok := confirmWords[first[0]]; ok {
		return replyConfirm
	}
	return replyOther
}
