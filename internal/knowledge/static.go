package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"WalletPilot/internal/language"
)

// Provider 定义帮助内容检索的通用接口。
type Provider interface {
	Query(message string, lang language.Tag) []Snippet
}

// Snippet 描述一段可直接展示给用户的帮助内容。
type Snippet struct {
	Title    string       `json:"title"`
	Content  string       `json:"content"`
	Language language.Tag `json:"language"`
	Keywords []string     `json:"keywords"`
}

// StaticProvider 基于内置或 JSON 文件中的条目提供帮助检索。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态帮助库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// NewDefaultProvider 返回只包含内置条目的帮助库。
func NewDefaultProvider(maxResults int) *StaticProvider {
	return NewStaticProvider(Defaults(), maxResults)
}

// LoadStaticProvider 从 JSON 文件加载条目，并追加内置条目作为兜底。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("帮助内容文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析帮助内容路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取帮助内容文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析帮助内容文件失败: %w", err)
	}
	for i := range entries {
		entries[i].Language = language.Parse(string(entries[i].Language), "")
	}

	return NewStaticProvider(append(entries, Defaults()...), maxResults), nil
}

// Query 返回与消息关键词匹配的条目；没有关键词命中时返回该语言的通用条目。
// 目标语言没有任何条目时回退到英文。
func (p *StaticProvider) Query(message string, lang language.Tag) []Snippet {
	if p == nil {
		return nil
	}
	if results := p.query(message, lang); len(results) > 0 {
		return results
	}
	if lang != language.English {
		return p.query(message, language.English)
	}
	return nil
}

func (p *StaticProvider) query(message string, lang language.Tag) []Snippet {
	message = strings.ToLower(strings.TrimSpace(message))

	var matched, general []Snippet
	for _, item := range p.items {
		if item.Language != "" && item.Language != lang {
			continue
		}
		if len(item.Keywords) == 0 {
			general = append(general, item)
			continue
		}
		if matchesKeyword(item.Keywords, message) {
			matched = append(matched, item)
		}
	}

	results := matched
	if len(results) == 0 {
		results = general
	}
	if len(results) > p.maxResults {
		results = results[:p.maxResults]
	}
	return results
}

func matchesKeyword(keywords []string, message string) bool {
	for _, keyword := range keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && strings.Contains(message, normalized) {
			return true
		}
	}
	return false
}

// Render 把条目渲染为带标题的文本块。
func Render(lang language.Tag, snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(language.Text(lang, language.MsgHelpHeader))
	for _, s := range snippets {
		b.WriteString("\n- ")
		if s.Title != "" {
			b.WriteString(s.Title)
			b.WriteString(": ")
		}
		b.WriteString(s.Content)
	}
	return b.String()
}

var _ Provider = (*StaticProvider)(nil)
