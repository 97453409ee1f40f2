package language

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tag 标识回复所使用的语言。
type Tag string

const (
	English Tag = "en"
	Spanish Tag = "es"
)

// Name 返回语言的英文名称，用于提示词中的语言指令。
func (t Tag) Name() string {
	if t == Spanish {
		return "Spanish"
	}
	return "English"
}

// Parse 将配置或请求中的语言代码转换为 Tag，无法识别时返回 fallback。
func Parse(raw string, fallback Tag) Tag {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "en", "english":
		return English
	case "es", "spanish", "español", "espanol":
		return Spanish
	default:
		return fallback
	}
}

// 词表权重：功能词 1，疑问词与钱包词汇 2。
var (
	spanishWords = weighted(map[int][]string{
		1: {"el", "la", "los", "las", "de", "del", "que", "y", "en", "un", "una", "por", "para", "con", "mi", "mis", "es", "al", "lo", "se", "tengo", "quiero", "puedo", "hola", "gracias", "cuanto", "cuanta"},
		2: {"qué", "cómo", "cuánto", "cuánta", "cuál", "dónde", "cuándo", "saldo", "enviar", "envía", "envia", "transferir", "transfiere", "historial", "transacciones", "ayuda", "billetera", "monedero"},
	})
	englishWords = weighted(map[int][]string{
		1: {"the", "is", "are", "a", "an", "of", "and", "to", "in", "my", "me", "i", "you", "it", "for", "with", "please", "hi", "hello", "thanks", "want", "can"},
		2: {"what", "how", "which", "where", "when", "show", "balance", "send", "transfer", "history", "transactions", "help", "wallet"},
	})
	spanishMarks = regexp.MustCompile(`[áéíóúñü¿¡]`)
)

func weighted(groups map[int][]string) map[string]int {
	out := make(map[string]int)
	for weight, list := range groups {
		for _, w := range list {
			out[w] = weight
		}
	}
	return out
}

// Detector 基于词法特征判断消息语言，没有 I/O，也不会失败。
type Detector struct {
	fallback Tag
}

// NewDetector 创建检测器，fallback 非法时默认英文。
func NewDetector(fallback Tag) *Detector {
	if fallback != English && fallback != Spanish {
		fallback = English
	}
	return &Detector{fallback: fallback}
}

// Fallback 返回平局或输入过短时使用的语言。
func (d *Detector) Fallback() Tag {
	if d == nil {
		return English
	}
	return d.fallback
}

// Detect 对两种语言分别打分，得分严格更高者胜出。
func (d *Detector) Detect(text string) Tag {
	fallback := d.Fallback()
	text = strings.ToLower(strings.TrimSpace(text))
	if utf8.RuneCountInString(text) < 2 {
		return fallback
	}

	es := 2 * len(spanishMarks.FindAllStringIndex(text, -1))
	en := 0
	for _, token := range strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) }) {
		es += spanishWords[token]
		en += englishWords[token]
	}

	switch {
	case es > en:
		return Spanish
	case en > es:
		return English
	default:
		return fallback
	}
}
