package session

import (
	"context"
	"encoding/json"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/inercia/agentdeck/internal/agent"
	"github.com/inercia/agentdeck/internal/protocol"
)

type respondFunc func(ctx context.Context, req agent.Request, yield func(protocol.Message, error) bool)

// fakeAgent is a scripted agent.Client.
type fakeAgent struct {
	mu        sync.Mutex
	reqs      []agent.Request
	respond   respondFunc
	loads     map[string][]protocol.Message
	loadErr   error
	loadGate  chan struct{}
	loadCalls int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{loads: make(map[string][]protocol.Message)}
}

func (f *fakeAgent) setRespond(r respondFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = r
}

func (f *fakeAgent) Query(ctx context.Context, req agent.Request) iter.Seq2[protocol.Message, error] {
	return func(yield func(protocol.Message, error) bool) {
		f.mu.Lock()
		f.reqs = append(f.reqs, req)
		respond := f.respond
		f.mu.Unlock()
		if respond == nil {
			respond = replyText("sess-1", "done")
		}
		respond(ctx, req, yield)
	}
}

func (f *fakeAgent) LoadMessages(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	f.mu.Lock()
	f.loadCalls++
	gate := f.loadGate
	msgs, err := f.loads[sessionID], f.loadErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return msgs, err
}

func (f *fakeAgent) requests() []agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Request(nil), f.reqs...)
}

func (f *fakeAgent) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadCalls
}

// replyText answers every turn with init, one assistant text and a success result.
func replyText(sessionID, text string) respondFunc {
	return func(_ context.Context, _ agent.Request, yield func(protocol.Message, error) bool) {
		for _, m := range []protocol.Message{
			initMsg(sessionID),
			assistantText(sessionID, text),
			resultMsg(sessionID, false),
		} {
			if !yield(m, nil) {
				return
			}
		}
	}
}

func initMsg(sessionID string) *protocol.SystemMessage {
	return &protocol.SystemMessage{Header: protocol.NewHeader(sessionID), Subtype: protocol.SubtypeInit}
}

func assistantText(sessionID, text string) *protocol.AssistantMessage {
	return &protocol.AssistantMessage{
		Header:  protocol.NewHeader(sessionID),
		Content: []protocol.ContentBlock{protocol.TextBlock{Text: text}},
	}
}

func assistantToolUse(sessionID, id, name string) *protocol.AssistantMessage {
	return &protocol.AssistantMessage{
		Header: protocol.NewHeader(sessionID),
		Content: []protocol.ContentBlock{protocol.ToolUseBlock{
			ID:    id,
			Name:  name,
			Input: json.RawMessage(`{}`),
		}},
	}
}

func resultMsg(sessionID string, isError bool) *protocol.ResultMessage {
	r := &protocol.ResultMessage{Header: protocol.NewHeader(sessionID), Subtype: protocol.SubtypeSuccess}
	if isError {
		r.Subtype = protocol.SubtypeErrorDuringExecution
		r.IsError = true
	}
	return r
}

// fakeClient records delivered events.
type fakeClient struct {
	id string

	mu        sync.Mutex
	sessionID string
	events    []Event
}

func newFakeClient(id, sessionID string) *fakeClient {
	return &fakeClient{id: id, sessionID: sessionID}
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *fakeClient) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

func (c *fakeClient) Deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *fakeClient) eventsOf(t EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func newTestSession(a *fakeAgent, clock *fakeClock, defaults DefaultsFunc) *Session {
	ap := &approval{rules: DefaultApprovalRules(), matcher: NewApprovalMatcher()}
	return newSession(context.Background(), sessionConfig{
		agent:    a,
		defaults: defaults,
		approval: func() *approval { return ap },
		clock:    clock,
		debounce: 50 * time.Millisecond,
	})
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
