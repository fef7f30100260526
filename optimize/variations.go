package optimize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kvashee/protopt/llm"
	"github.com/kvashee/protopt/protocol"
)

const variationSystemPrompt = "You are refining a communication protocol between two agents. " +
	"Produce concise alternatives that minimize the number of tokens needed for a single " +
	"exchange while preserving clarity. This could be abbreviations, synonyms, or a template " +
	"for the communication. The protocol may be detailed and should include examples of the " +
	"communication. Do not limit the amount of actual information passed between the agents; " +
	"focus on the formatting of the communication, telling the agents to abbreviate and keep " +
	"their messages as short as possible. The protocol text itself does not need to be " +
	"concise: it should be natural language in full sentences, even paragraphs if needed, and " +
	"easy to understand. Respond with a JSON array of strings."

// generateVariations asks the model for up to count rewordings of baseRule,
// one request per candidate, fanned out in parallel. Each request is asked
// for exactly one alternative; malformed, empty, or failed responses are
// dropped rather than treated as fatal, so a round may yield fewer than
// count variations. Results are deduplicated by exact text, preserving
// generation order.
func generateVariations(ctx context.Context, client llm.Client, p *protocol.Protocol, baseRule string, count int, logger *slog.Logger) []string {
	var agentContext []string
	for _, a := range p.Agents {
		agentContext = append(agentContext, fmt.Sprintf("%s\nRole: %s", a.Name, strings.TrimSpace(a.Role)))
	}

	userPrompt := fmt.Sprintf(
		"Current rule:\n%s\n\nAgent system messages for context:\n%s\n\nReturn exactly 1 alternative rule, as a JSON array containing one string.",
		baseRule,
		strings.Join(agentContext, "\n\n"),
	)

	results := make([]string, count)
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Chat(ctx, llm.Request{
				System:     variationSystemPrompt,
				Messages:   []llm.Message{{Role: "user", Content: userPrompt}},
				ToolChoice: llm.ToolChoiceNone,
			})
			if err != nil {
				logger.Warn("variation request failed", "index", i, "error", err)
				return
			}
			results[i] = firstVariation(resp.Text)
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	var unique []string
	for _, item := range results {
		if item == "" || seen[item] {
			continue
		}
		unique = append(unique, item)
		seen[item] = true
		if len(unique) >= count {
			break
		}
	}
	return unique
}

// firstVariation extracts the first usable rule text from a model reply. The
// reply is expected to be a JSON array of strings but models wrap such
// output in code fences or an object more often than not, so parsing is
// deliberately lenient. Returns "" when nothing usable is found.
func firstVariation(text string) string {
	raw := stripFences(text)

	candidates := decodeStringList(raw)
	if candidates == nil {
		// Some models answer {"variations": [...]} despite the asked-for
		// shape.
		var wrapped struct {
			Variations []string `json:"variations"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapped); err == nil {
			candidates = wrapped.Variations
		}
	}
	if candidates == nil {
		// Last resort: the bracketed slice of the reply.
		start := strings.Index(raw, "[")
		end := strings.LastIndex(raw, "]")
		if start >= 0 && end > start {
			candidates = decodeStringList(raw[start : end+1])
		}
	}

	for _, c := range candidates {
		if cleaned := strings.TrimSpace(c); cleaned != "" {
			return cleaned
		}
	}
	return ""
}

func decodeStringList(raw string) []string {
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}

func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
