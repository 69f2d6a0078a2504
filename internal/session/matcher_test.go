package session

import "testing"

func TestApprovalMatcher_Defaults(t *testing.T) {
	m := NewApprovalMatcher()
	tests := []struct {
		text string
		want bool
	}{
		{"execute", true},
		{"Execute", true},
		{"  RUN  ", true},
		{"run!", true},
		{"execute.", true},
		{"ｅｘｅｃｕｔｅ", true},
		{"执行", true},
		{"运行。", true},
		{"run the tests", false},
		{"executed", false},
		{"", false},
		{"!!!", false},
	}
	for _, tt := range tests {
		if got := m.Matches(tt.text); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestApprovalMatcher_CustomPhrases(t *testing.T) {
	m := NewApprovalMatcher("go ahead", "Ausführen")
	if !m.Matches("Go Ahead!") {
		t.Error("custom phrase should match")
	}
	if !m.Matches("ausführen") {
		t.Error("case folding should apply to non-ASCII phrases")
	}
	if m.Matches("execute") {
		t.Error("defaults should not apply when phrases are given")
	}
}

func TestApprovalMatcher_Nil(t *testing.T) {
	var m *ApprovalMatcher
	if m.Matches("execute") {
		t.Error("nil matcher should match nothing")
	}
}
