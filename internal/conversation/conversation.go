// Package conversation shapes a chat history so that it fits a model's
// context budget and carries no dangling tool-call references.
package conversation

import (
	"fmt"

	"github.com/vnmchuo/completion-gateway/internal/provider"
	"github.com/vnmchuo/completion-gateway/internal/tokenizer"
)

// Fit trims messages to budget tokens. System turns are always kept and
// counted first; the remaining turns are accepted newest to oldest until the
// next one would overflow, at which point the walk stops. The result holds
// the system turns followed by the accepted turns, each group in its
// original order.
func Fit(messages []provider.Message, counter tokenizer.Counter, budget int) []provider.Message {
	var system, candidates []provider.Message
	used := 0
	for _, m := range messages {
		if m.Role == provider.RoleSystem {
			system = append(system, m)
			used += counter.CountTokens(m.Content)
			continue
		}
		candidates = append(candidates, m)
	}

	start := len(candidates)
	for i := len(candidates) - 1; i >= 0; i-- {
		cost := counter.CountTokens(candidates[i].Content)
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}

	out := make([]provider.Message, 0, len(system)+len(candidates)-start)
	out = append(out, system...)
	out = append(out, candidates[start:]...)
	return out
}

func answered(messages []provider.Message) map[string]bool {
	ids := make(map[string]bool)
	for _, m := range messages {
		if m.Role == provider.RoleTool && m.ToolCallID != "" {
			ids[m.ToolCallID] = true
		}
	}
	return ids
}

// Unanswered lists, in order, the tool calls of assistant turns that have
// no tool turn answering them.
func Unanswered(messages []provider.Message) []provider.ToolCall {
	done := answered(messages)
	var out []provider.ToolCall
	for _, m := range messages {
		if m.Role != provider.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if !done[tc.ID] {
				out = append(out, tc)
			}
		}
	}
	return out
}

// SynthesizeErrorAnswers returns one tool turn per unanswered call reporting
// that the function failed. Callers append the result to the conversation.
func SynthesizeErrorAnswers(messages []provider.Message) []provider.Message {
	pending := Unanswered(messages)
	if len(pending) == 0 {
		return nil
	}
	out := make([]provider.Message, 0, len(pending))
	for _, tc := range pending {
		out = append(out, provider.Message{
			Role:       provider.RoleTool,
			Content:    fmt.Sprintf("Failed to execute tool %s", tc.Function.Name),
			ToolCallID: tc.ID,
		})
	}
	return out
}

// StripOrphanedToolCalls removes unanswered tool calls from assistant turns
// in place. An assistant turn left with no calls gets a nil list.
func StripOrphanedToolCalls(messages []provider.Message) []provider.Message {
	pending := Unanswered(messages)
	if len(pending) == 0 {
		return messages
	}
	orphaned := make(map[string]bool, len(pending))
	for _, tc := range pending {
		orphaned[tc.ID] = true
	}

	for i := range messages {
		m := &messages[i]
		if m.Role != provider.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		kept := make([]provider.ToolCall, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			if !orphaned[tc.ID] {
				kept = append(kept, tc)
			}
		}
		if len(kept) == 0 {
			kept = nil
		}
		m.ToolCalls = kept
	}
	return messages
}

// DropUnreferencedToolResults removes tool turns whose call id no surviving
// assistant turn issued. Trimming can cut an assistant turn while keeping the
// answers that followed it.
func DropUnreferencedToolResults(messages []provider.Message) []provider.Message {
	issued := make(map[string]bool)
	for _, m := range messages {
		if m.Role != provider.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			issued[tc.ID] = true
		}
	}

	out := messages[:0]
	for _, m := range messages {
		if m.Role == provider.RoleTool && !issued[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Shape runs the full pipeline: fill missing tool answers, fit to budget,
// then strip whatever the trim left dangling. The input slice is not
// modified.
func Shape(messages []provider.Message, counter tokenizer.Counter, budget int) []provider.Message {
	filled := make([]provider.Message, 0, len(messages))
	for _, m := range messages {
		m.ToolCalls = append([]provider.ToolCall(nil), m.ToolCalls...)
		filled = append(filled, m)
	}
	filled = append(filled, SynthesizeErrorAnswers(filled)...)

	fitted := Fit(filled, counter, budget)
	fitted = StripOrphanedToolCalls(fitted)
	return DropUnreferencedToolResults(fitted)
}
