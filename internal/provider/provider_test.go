package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/castellanbot/castellan/internal/observability"
)

// fakeStream replays events decoded from wire-format JSON, the same way
// the SSE decoder produces them.
type fakeStream struct {
	events []anthropic.BetaRawMessageStreamEventUnion
	pos    int
	err    error
}

func (s *fakeStream) Next() bool {
	if s.pos >= len(s.events) {
		return false
	}
	s.pos++
	return true
}

func (s *fakeStream) Current() anthropic.BetaRawMessageStreamEventUnion {
	return s.events[s.pos-1]
}

func (s *fakeStream) Err() error { return s.err }

func eventsFromJSON(t *testing.T, raws ...string) []anthropic.BetaRawMessageStreamEventUnion {
	t.Helper()
	events := make([]anthropic.BetaRawMessageStreamEventUnion, len(raws))
	for i, raw := range raws {
		if err := json.Unmarshal([]byte(raw), &events[i]); err != nil {
			t.Fatalf("decode event %d: %v", i, err)
		}
	}
	return events
}

func collect(t *testing.T, stream eventStream) []*Chunk {
	t.Helper()
	c := &Client{logger: observability.NewNopLogger()}
	chunks := make(chan *Chunk, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.processStream(context.Background(), stream, chunks)
		close(chunks)
	}()
	var out []*Chunk
	for ch := range chunks {
		out = append(out, ch)
	}
	<-done
	return out
}

func TestProcessStream_TextThinkingAndUsage(t *testing.T) {
	events := eventsFromJSON(t,
		`{"type":"message_start","message":{"usage":{"input_tokens":120,"cache_read_input_tokens":90,"cache_creation_input_tokens":30}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm, "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"let me see"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-abc"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":" world"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}`,
		`{"type":"message_stop"}`,
	)

	chunks := collect(t, &fakeStream{events: events})

	var text, thinking string
	var thinkingDone *ThinkingBlock
	var final *Chunk
	for _, ch := range chunks {
		text += ch.Text
		thinking += ch.Thinking
		if ch.ThinkingDone != nil {
			thinkingDone = ch.ThinkingDone
		}
		if ch.Done {
			final = ch
		}
	}

	if text != "Hello world" {
		t.Errorf("text = %q", text)
	}
	if thinking != "hmm, let me see" {
		t.Errorf("thinking = %q", thinking)
	}
	if thinkingDone == nil || thinkingDone.Signature != "sig-abc" || thinkingDone.Thinking != "hmm, let me see" {
		t.Errorf("thinking block = %+v", thinkingDone)
	}
	if final == nil {
		t.Fatal("no done chunk")
	}
	if final.StopReason != "end_turn" {
		t.Errorf("stop reason = %q", final.StopReason)
	}
	if final.Usage.Input != 120 || final.Usage.Output != 42 || final.Usage.CacheRead != 90 || final.Usage.CacheWrite != 30 {
		t.Errorf("usage = %+v", final.Usage)
	}
}

func TestProcessStream_UsageSnapshotsPrecedeDone(t *testing.T) {
	events := eventsFromJSON(t,
		`{"type":"message_start","message":{"usage":{"input_tokens":120,"cache_read_input_tokens":90,"cache_creation_input_tokens":0}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}`,
		`{"type":"message_stop"}`,
	)

	chunks := collect(t, &fakeStream{events: events})

	// A consumer that stops before Done must still see the token counts,
	// so snapshots arrive as soon as the stream reports them.
	var snaps []*Chunk
	doneSeen := false
	for _, ch := range chunks {
		if ch.UsageDelta != nil {
			if doneSeen {
				t.Error("usage snapshot after Done")
			}
			snaps = append(snaps, ch)
		}
		if ch.Done {
			doneSeen = true
		}
	}
	if len(snaps) != 2 {
		t.Fatalf("usage snapshots = %d, want 2", len(snaps))
	}
	if got := snaps[0].UsageDelta; got.Input != 120 || got.CacheRead != 90 || got.Output != 0 {
		t.Errorf("first snapshot = %+v", got)
	}
	if got := snaps[1].UsageDelta; got.Input != 120 || got.Output != 42 {
		t.Errorf("second snapshot = %+v", got)
	}
}

func TestProcessStream_ToolCallAssembledFromDeltas(t *testing.T) {
	events := eventsFromJSON(t,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_01","name":"web_search","input":{}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"go generics\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":10}}`,
		`{"type":"message_stop"}`,
	)

	chunks := collect(t, &fakeStream{events: events})

	var call *ToolCall
	for _, ch := range chunks {
		if ch.ToolCall != nil {
			call = ch.ToolCall
		}
	}
	if call == nil {
		t.Fatal("no tool call emitted")
	}
	if call.ID != "toolu_01" || call.Name != "web_search" {
		t.Errorf("call = %+v", call)
	}
	var input struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		t.Fatalf("assembled input is not valid JSON: %v (%s)", err, call.Input)
	}
	if input.Query != "go generics" {
		t.Errorf("query = %q", input.Query)
	}
}

func TestProcessStream_EmptyToolInputBecomesEmptyObject(t *testing.T) {
	events := eventsFromJSON(t,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_02","name":"web_search","input":{}}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_stop"}`,
	)

	chunks := collect(t, &fakeStream{events: events})
	for _, ch := range chunks {
		if ch.ToolCall != nil {
			if string(ch.ToolCall.Input) != "{}" {
				t.Errorf("input = %s, want {}", ch.ToolCall.Input)
			}
			return
		}
	}
	t.Fatal("no tool call emitted")
}

func TestProcessStream_StreamErrorSurfaces(t *testing.T) {
	stream := &fakeStream{err: errors.New("connection reset")}
	chunks := collect(t, stream)

	if len(chunks) != 1 || chunks[0].Err == nil {
		t.Fatalf("chunks = %+v, want single error chunk", chunks)
	}
}

func TestThinkingBlock_ByteExactRoundTrip(t *testing.T) {
	orig := ThinkingBlock{Thinking: "step 1\nstep 2 with unicode ✓", Signature: "EqQBCkgIAhABGAI="}

	raw, err := json.Marshal([]ThinkingBlock{orig})
	if err != nil {
		t.Fatal(err)
	}
	var restored []ThinkingBlock
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatal(err)
	}
	if restored[0] != orig {
		t.Errorf("round trip changed the block: %+v", restored[0])
	}

	blocks := ReplayThinking(restored)
	if len(blocks) != 1 {
		t.Fatalf("replay produced %d blocks", len(blocks))
	}
	tb := blocks[0].OfThinking
	if tb == nil || tb.Thinking != orig.Thinking || tb.Signature != orig.Signature {
		t.Errorf("replayed block lost content: %+v", tb)
	}
}
