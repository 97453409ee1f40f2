package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// counterVec is a label-keyed counter family.
type counterVec struct {
	name   string
	help   string
	labels []string
	values map[string]uint64
}

type domainCollector struct {
	mu       sync.Mutex
	families []*counterVec
}

var (
	chatTurns = &counterVec{
		name:   namespace + "_chat_turns_total",
		help:   "Chat turns handled, by classified intent and detected language.",
		labels: []string{"intent", "language"},
	}
	limitChecks = &counterVec{
		name:   namespace + "_limit_checks_total",
		help:   "Limit guard verdicts, by result and rejection code.",
		labels: []string{"result", "code"},
	}
	transfers = &counterVec{
		name:   namespace + "_transfers_total",
		help:   "Transfer attempts, by outcome.",
		labels: []string{"outcome"},
	}
	settlements = &counterVec{
		name:   namespace + "_settlements_total",
		help:   "Settlement polls that reached a terminal or pending state.",
		labels: []string{"status"},
	}
	llmCalls = &counterVec{
		name:   namespace + "_llm_calls_total",
		help:   "LLM completions, by caller and outcome.",
		labels: []string{"caller", "outcome"},
	}

	domainMetrics = &domainCollector{families: []*counterVec{chatTurns, limitChecks, transfers, settlements, llmCalls}}
)

// ObserveChatTurn counts one handled chat message.
func ObserveChatTurn(intent, language string) {
	domainMetrics.inc(chatTurns, intent, language)
}

// ObserveLimitCheck counts one guard verdict. code is empty for allowed checks.
func ObserveLimitCheck(allowed bool, code string) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	if code == "" {
		code = "none"
	}
	domainMetrics.inc(limitChecks, result, code)
}

// ObserveTransfer counts a transfer outcome such as submitted, rejected or failed.
func ObserveTransfer(outcome string) {
	domainMetrics.inc(transfers, outcome)
}

// ObserveSettlement counts a settlement status transition.
func ObserveSettlement(status string) {
	domainMetrics.inc(settlements, status)
}

// ObserveLLMCall counts an LLM completion by caller (classifier, composer).
func ObserveLLMCall(caller string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	domainMetrics.inc(llmCalls, caller, outcome)
}

// Count returns the current value of a counter, mainly for tests.
func Count(name string, labelValues ...string) uint64 {
	domainMetrics.mu.Lock()
	defer domainMetrics.mu.Unlock()
	for _, f := range domainMetrics.families {
		if f.name == name && f.values != nil {
			return f.values[strings.Join(labelValues, "\x00")]
		}
	}
	return 0
}

func (c *domainCollector) inc(vec *counterVec, labelValues ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vec.values == nil {
		vec.values = make(map[string]uint64)
	}
	vec.values[strings.Join(labelValues, "\x00")]++
}

func (c *domainCollector) render(b *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, vec := range c.families {
		writeHeader(b, vec.name, "counter", vec.help)
		keys := make([]string, 0, len(vec.values))
		for k := range vec.values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			values := strings.Split(k, "\x00")
			pairs := make([]string, len(vec.labels))
			for i, label := range vec.labels {
				v := ""
				if i < len(values) {
					v = values[i]
				}
				pairs[i] = fmt.Sprintf("%s=\"%s\"", label, escape(v))
			}
			fmt.Fprintf(b, "%s{%s} %d\n", vec.name, strings.Join(pairs, ","), vec.values[k])
		}
	}
}
