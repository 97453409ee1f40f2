package intent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "intent-schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// typePattern 匹配可识别的意图名称，大小写以及空格、连字符写法都视为同一意图。
func typePattern() string {
	names := make([]string, 0, len(Types()))
	for _, t := range Types() {
		names = append(names, strings.ReplaceAll(strings.ToLower(string(t)), "_", "[ _-]"))
	}
	return `^\s*(?i:` + strings.Join(names, "|") + `)\s*$`
}

func loose(types ...string) map[string]any {
	list := make([]any, 0, len(types))
	for _, t := range types {
		list = append(list, t)
	}
	return map[string]any{"type": list}
}

// schemaDocument 描述分类结果与回复中后续意图共用的结构：名称必须可识别，实体只约束标量类型，具体取值由 Normalize 再做规范化。
func schemaDocument() map[string]any {
	name := map[string]any{"type": "string", "pattern": typePattern()}
	text := loose("string", "null")
	number := loose("number", "string", "null")
	entities := map[string]any{
		"type": []any{"object", "null"},
		"properties": map[string]any{
			"recipient": text,
			"to":        text,
			"address":   text,
			"email":     text,
			"token":     text,
			"currency":  text,
			"symbol":    text,
			"timeframe": text,
			"amount":    number,
			"count":     number,
			"limit":     number,
		},
	}
	return map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type":    "object",
		"anyOf": []any{
			map[string]any{"required": []any{"intent"}},
			map[string]any{"required": []any{"type"}},
		},
		"properties": map[string]any{
			"intent":          name,
			"type":            name,
			"confidence":      number,
			"needsMoreInfo":   loose("boolean", "string", "null"),
			"needs_more_info": loose("boolean", "string", "null"),
			"missing":         loose("array", "null"),
			"entities":        entities,
			"params":          entities,
		},
	}
}

func intentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, schemaDocument()); err != nil {
			schemaErr = fmt.Errorf("加载意图 schema 失败: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("编译意图 schema 失败: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// Validate 按意图 schema 校验已解码的对象，数字可以是 json.Number 或 float64。
func Validate(fields map[string]any) error {
	schema, err := intentSchema()
	if err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("意图对象为空")
	}
	return schema.Validate(fields)
}
