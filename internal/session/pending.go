package session

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/inercia/agentdeck/internal/protocol"
)

// ApprovedPlanText is the tool result sent when the user approves a plan
// conversationally.
const ApprovedPlanText = "User approved the plan"

// ApprovalRules describe which tool invocations wait for a user decision.
type ApprovalRules struct {
	// InteractiveTools are tool names that need a user decision.
	InteractiveTools []string
	// PlanTools are the interactive tools that a typed approval phrase answers.
	PlanTools []string
	// Placeholders are substrings of error tool results that the tool layer
	// emits when it has no non-interactive answer. Such a result is not a
	// decline, and the tool use stays pending.
	Placeholders []string
}

// DefaultApprovalRules returns the rules for Claude Code's plan and question tools.
func DefaultApprovalRules() ApprovalRules {
	return ApprovalRules{
		InteractiveTools: []string{"ExitPlanMode", "AskUserQuestion"},
		PlanTools:        []string{"ExitPlanMode"},
		Placeholders: []string{
			"Exit plan mode?",
			"Answer questions?",
			"but you haven't granted it yet",
		},
	}
}

// PendingToolUse identifies an interactive tool invocation awaiting a decision.
type PendingToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// IsPlan reports whether the pending tool use is a plan approval.
func (p PendingToolUse) IsPlan(rules ApprovalRules) bool {
	return slices.Contains(rules.PlanTools, p.Name)
}

// isPlaceholder reports whether an error result text is a placeholder.
func (r ApprovalRules) isPlaceholder(text string) bool {
	for _, p := range r.Placeholders {
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// FindPendingToolUse scans messages backward for the most recent interactive
// tool use and reports whether it is still waiting for the user. It is
// pending when no result answers it, or when every answering result is an
// error carrying a placeholder text. A successful result or any other error
// result (an explicit decline) resolves it.
func FindPendingToolUse(messages []protocol.Message, rules ApprovalRules) (PendingToolUse, bool) {
	at, use, found := lastInteractiveToolUse(messages, rules)
	if !found {
		return PendingToolUse{}, false
	}

	for _, msg := range messages[at+1:] {
		um, ok := msg.(*protocol.UserMessage)
		if !ok {
			continue
		}
		for _, b := range um.Content {
			res, ok := b.(protocol.ToolResultBlock)
			if !ok || res.ToolUseID != use.ID {
				continue
			}
			if !res.IsError {
				return PendingToolUse{}, false
			}
			if !rules.isPlaceholder(res.Content) {
				return PendingToolUse{}, false
			}
		}
	}

	return PendingToolUse{ID: use.ID, Name: use.Name, Input: use.Input}, true
}

func lastInteractiveToolUse(messages []protocol.Message, rules ApprovalRules) (int, protocol.ToolUseBlock, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		am, ok := messages[i].(*protocol.AssistantMessage)
		if !ok {
			continue
		}
		for j := len(am.Content) - 1; j >= 0; j-- {
			use, ok := am.Content[j].(protocol.ToolUseBlock)
			if ok && use.ID != "" && slices.Contains(rules.InteractiveTools, use.Name) {
				return i, use, true
			}
		}
	}
	return 0, protocol.ToolUseBlock{}, false
}
