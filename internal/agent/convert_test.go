package agent

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/lyqf/proxycast/internal/dispatch"
	"github.com/lyqf/proxycast/internal/store"
)

func TestConvert_OneEventPerPartInOrder(t *testing.T) {
	msg := &store.Message{Parts: []store.ContentPart{
		{Type: store.PartText, Text: "hello"},
		{Type: store.PartThinking, Text: "hmm"},
		{Type: store.PartToolRequest, ToolCallID: "t1", ToolName: "workspace_shell", Arguments: json.RawMessage(`{"command":"ls"}`)},
		{Type: store.PartToolResponse, ToolCallID: "t1", ToolName: "workspace_shell", Result: json.RawMessage(`{"stdout":"a.txt"}`)},
		{Type: store.PartActionRequired, ActionKind: "tool_confirmation", ToolName: "workspace_shell", Prompt: "allow?"},
	}}
	events := Convert(AgentEvent{Kind: KindMessage, Message: msg})

	wantTypes := []string{ExtTextDelta, ExtThinkingDelta, ExtToolStart, ExtToolEnd, ExtActionRequired}
	if len(events) != len(wantTypes) {
		t.Fatalf("events = %d, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Fatalf("event[%d].Type = %q, want %q", i, events[i].Type, want)
		}
	}
	if events[2].ToolCallID != "t1" || events[3].ToolCallID != "t1" {
		t.Fatal("tool request and response ids not paired")
	}
}

func TestConvert_ToolEndCarriesDiscoveredImages(t *testing.T) {
	msg := &store.Message{Parts: []store.ContentPart{{
		Type:       store.PartToolResponse,
		ToolCallID: "t1",
		Result:     json.RawMessage(`{"content":[{"type":"image","url":"https://example.com/chart.png"}]}`),
	}}}
	events := Convert(AgentEvent{Kind: KindMessage, Message: msg})
	if len(events) != 1 || len(events[0].Images) != 1 {
		t.Fatalf("events = %+v, want one tool_end with one image", events)
	}
	if events[0].Images[0].Src != "https://example.com/chart.png" {
		t.Fatalf("image src = %q", events[0].Images[0].Src)
	}
}

func TestConvert_Terminals(t *testing.T) {
	usage := &dispatch.Usage{InputTokens: 10, OutputTokens: 5}
	done := Convert(AgentEvent{Kind: KindDone, Usage: usage})
	if len(done) != 1 || done[0].Type != ExtDone || done[0].Usage != usage {
		t.Fatalf("done = %+v", done)
	}
	final := Convert(AgentEvent{Kind: KindFinalDone})
	if len(final) != 1 || final[0].Type != ExtFinalDone {
		t.Fatalf("final = %+v", final)
	}
}

func TestConvert_Error(t *testing.T) {
	events := Convert(AgentEvent{Kind: KindError, Err: errors.New("upstream exploded")})
	if len(events) != 1 || events[0].Type != ExtError || events[0].Error != "upstream exploded" {
		t.Fatalf("events = %+v", events)
	}
}

func TestConvert_ModelChangeAndTrace(t *testing.T) {
	mc := Convert(AgentEvent{Kind: KindModelChange, Model: "gpt-4o", Mode: "auto"})
	if len(mc) != 1 || mc[0].Model != "gpt-4o" {
		t.Fatalf("model change = %+v", mc)
	}
	tr := Convert(AgentEvent{Kind: KindContextTrace, Trace: []TraceStep{{Stage: "user_memory", Detail: "loaded"}}})
	if len(tr) != 1 || len(tr[0].Steps) != 1 {
		t.Fatalf("trace = %+v", tr)
	}
}
