package session

import (
	"encoding/json"
	"testing"

	"github.com/inercia/agentdeck/internal/protocol"
)

func toolUse(id, name string) *protocol.AssistantMessage {
	return &protocol.AssistantMessage{Content: []protocol.ContentBlock{
		protocol.TextBlock{Text: "Here is my plan"},
		protocol.ToolUseBlock{ID: id, Name: name, Input: json.RawMessage(`{"plan":"1. do it"}`)},
	}}
}

func toolResult(id, content string, isError bool) *protocol.UserMessage {
	return protocol.NewToolResult(id, content, isError)
}

func TestFindPendingToolUse(t *testing.T) {
	rules := DefaultApprovalRules()

	tests := []struct {
		name        string
		messages    []protocol.Message
		wantPending bool
		wantID      string
	}{
		{
			name:     "empty transcript",
			messages: nil,
		},
		{
			name:     "no interactive tool",
			messages: []protocol.Message{protocol.NewUserText("hi"), toolUse("t1", "Bash"), toolResult("t1", "ok", false)},
		},
		{
			name:        "unanswered plan",
			messages:    []protocol.Message{protocol.NewUserText("plan it"), toolUse("t1", "ExitPlanMode")},
			wantPending: true,
			wantID:      "t1",
		},
		{
			name:     "approved plan",
			messages: []protocol.Message{toolUse("t1", "ExitPlanMode"), toolResult("t1", ApprovedPlanText, false)},
		},
		{
			name:        "placeholder error is still pending",
			messages:    []protocol.Message{toolUse("t1", "ExitPlanMode"), toolResult("t1", "Exit plan mode?", true)},
			wantPending: true,
			wantID:      "t1",
		},
		{
			name: "permission denial placeholder is still pending",
			messages: []protocol.Message{
				toolUse("q1", "AskUserQuestion"),
				toolResult("q1", "Claude requested permissions to use AskUserQuestion, but you haven't granted it yet.", true),
			},
			wantPending: true,
			wantID:      "q1",
		},
		{
			name:     "explicit decline",
			messages: []protocol.Message{toolUse("t1", "ExitPlanMode"), toolResult("t1", "User rejected the plan", true)},
		},
		{
			name: "placeholder followed by decline",
			messages: []protocol.Message{
				toolUse("t1", "ExitPlanMode"),
				toolResult("t1", "Exit plan mode?", true),
				toolResult("t1", "No, keep planning", true),
			},
		},
		{
			name: "result for another tool does not resolve",
			messages: []protocol.Message{
				toolUse("t1", "ExitPlanMode"),
				toolResult("other", "ok", false),
			},
			wantPending: true,
			wantID:      "t1",
		},
		{
			name: "newest interactive tool wins",
			messages: []protocol.Message{
				toolUse("old", "ExitPlanMode"),
				toolUse("new", "AskUserQuestion"),
				toolResult("new", "blue", false),
			},
		},
		{
			name: "older resolved, newer pending",
			messages: []protocol.Message{
				toolUse("old", "ExitPlanMode"),
				toolResult("old", ApprovedPlanText, false),
				protocol.NewUserText("make another plan"),
				toolUse("new", "ExitPlanMode"),
			},
			wantPending: true,
			wantID:      "new",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, pending := FindPendingToolUse(tt.messages, rules)
			if pending != tt.wantPending {
				t.Fatalf("pending = %v, want %v", pending, tt.wantPending)
			}
			if pending && got.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", got.ID, tt.wantID)
			}
		})
	}
}

func TestFindPendingToolUse_CustomPlaceholders(t *testing.T) {
	rules := ApprovalRules{
		InteractiveTools: []string{"ExitPlanMode"},
		Placeholders:     []string{"awaiting human"},
	}
	msgs := []protocol.Message{toolUse("t1", "ExitPlanMode"), toolResult("t1", "Exit plan mode?", true)}
	if _, pending := FindPendingToolUse(msgs, rules); pending {
		t.Error("text outside the configured placeholders should count as a decline")
	}
	msgs = []protocol.Message{toolUse("t1", "ExitPlanMode"), toolResult("t1", "still awaiting human input", true)}
	if _, pending := FindPendingToolUse(msgs, rules); !pending {
		t.Error("configured placeholder should keep the tool use pending")
	}
}

func TestPendingToolUse_IsPlan(t *testing.T) {
	rules := DefaultApprovalRules()
	if !(PendingToolUse{Name: "ExitPlanMode"}).IsPlan(rules) {
		t.Error("ExitPlanMode should be a plan tool")
	}
	if (PendingToolUse{Name: "AskUserQuestion"}).IsPlan(rules) {
		t.Error("AskUserQuestion should not be a plan tool")
	}
}
