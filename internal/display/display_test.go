package display

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/castellanbot/castellan/internal/observability"
)

func TestBuffer_MergesSameKindSplitsDifferent(t *testing.T) {
	var b Buffer
	b.Append(BlockThinking, "let me ")
	b.Append(BlockThinking, "think")
	b.Append(BlockText, "Answer: ")
	b.Append(BlockText, "42")
	b.Append(BlockThinking, " more thought")

	if len(b.blocks) != 3 {
		t.Fatalf("block count = %d, want 3", len(b.blocks))
	}
	if got := b.Text(); got != "Answer: 42" {
		t.Errorf("text = %q", got)
	}
	if got := b.Thinking(); got != "let me think more thought" {
		t.Errorf("thinking = %q", got)
	}
}

func TestTruncate_TextIsInviolate(t *testing.T) {
	text := strings.Repeat("t", 5000)
	thinking := strings.Repeat("x", 1000)

	gotText, gotThinking := Truncate(text, thinking, ModeMarkdownV2)
	if gotText != text {
		t.Error("text must never be truncated")
	}
	if gotThinking != "" {
		t.Errorf("thinking should be suppressed when text exhausts the budget, got %d chars", len(gotThinking))
	}
}

func TestTruncate_ThinkingTrimmedFromFront(t *testing.T) {
	text := strings.Repeat("t", 2000)
	thinking := strings.Repeat("a", 2000) + "RECENT"

	gotText, gotThinking := Truncate(text, thinking, ModeMarkdownV2)
	if gotText != text {
		t.Error("text changed")
	}
	if !strings.HasSuffix(gotThinking, "RECENT") {
		t.Error("truncation must preserve the most recent thinking")
	}
	if !strings.HasSuffix(thinking, gotThinking) {
		t.Error("kept thinking must be an exact suffix of the input")
	}
	if len(gotText)+len(gotThinking) > MessageLimit {
		t.Errorf("combined length %d exceeds limit", len(gotText)+len(gotThinking))
	}
}

func TestTruncate_CutsOnRuneBoundary(t *testing.T) {
	// Budget leaves a remainder that lands mid-rune in three-byte content.
	text := strings.Repeat("t", 2001)
	thinking := strings.Repeat("€", 1500)

	_, gotThinking := Truncate(text, thinking, ModeMarkdownV2)
	if gotThinking == "" {
		t.Fatal("thinking should survive truncation here")
	}
	if !utf8.ValidString(gotThinking) {
		t.Errorf("truncated thinking is not valid UTF-8: % x", gotThinking[:6])
	}
	if !strings.HasSuffix(thinking, gotThinking) {
		t.Error("kept thinking must be an exact suffix of the input")
	}
}

func TestTruncate_SuppressesStubThinking(t *testing.T) {
	// Budget leaves less than the floor for thinking.
	text := strings.Repeat("t", MessageLimit-safetyMargin(ModeMarkdownV2)-50)
	_, gotThinking := Truncate(text, strings.Repeat("x", 500), ModeMarkdownV2)
	if gotThinking != "" {
		t.Errorf("a sub-floor thinking stub should be dropped, got %d chars", len(gotThinking))
	}
}

func TestTruncate_FitsUntouched(t *testing.T) {
	gotText, gotThinking := Truncate("short", "brief", ModeMarkdownV2)
	if gotText != "short" || gotThinking != "brief" {
		t.Errorf("short content must pass through: %q %q", gotText, gotThinking)
	}
}

func TestRender_ThinkingQuoteAboveText(t *testing.T) {
	out := Render("the answer", "the reasoning", ModeMarkdownV2)
	if !strings.HasPrefix(out, "**>") {
		t.Errorf("thinking should open an expandable quote: %q", out)
	}
	if strings.Index(out, "reasoning") > strings.Index(out, "answer") {
		t.Error("thinking must render above the text")
	}

	htmlOut := Render("the answer", "the reasoning", ModeHTML)
	if !strings.Contains(htmlOut, "<blockquote expandable>") {
		t.Errorf("html mode should use an expandable blockquote: %q", htmlOut)
	}
}

func TestRenderFinal_EscapesMarkdownV2(t *testing.T) {
	out := RenderFinal("done. Cost: $1.50", ModeMarkdownV2)
	if !strings.Contains(out, "\\.") {
		t.Errorf("markdownv2 specials not escaped: %q", out)
	}
}

func TestRenderFinal_KeepsBracketedModelText(t *testing.T) {
	// Model output that happens to look like an inline marker is real
	// content and must survive the final render.
	out := RenderFinal("see [citation needed] here", ModeMarkdownV2)
	if !strings.Contains(out, "citation needed") {
		t.Errorf("bracketed content lost: %q", out)
	}
}

func TestRenderFinal_EscapesBackslash(t *testing.T) {
	// A literal backslash must not combine with the next character's
	// escape.
	out := RenderFinal(`path\to_file`, ModeMarkdownV2)
	if out != `path\\to\_file` {
		t.Errorf("out = %q", out)
	}
}

func TestBuffer_MarkersVisibleButNotInText(t *testing.T) {
	var b Buffer
	b.Append(BlockText, "checking")
	b.Append(BlockMarker, "\n[🔍 web_search]\n")
	b.Append(BlockText, "found it")

	if got := b.Visible(); !strings.Contains(got, "web_search") {
		t.Errorf("marker missing from the streaming view: %q", got)
	}
	if got := b.Text(); strings.Contains(got, "web_search") {
		t.Errorf("marker leaked into text: %q", got)
	}
}

type fakeTransport struct {
	sends []string
	edits []string
}

func (f *fakeTransport) SendMessage(_ context.Context, _, _ int64, text string, _ ParseMode) (int64, error) {
	f.sends = append(f.sends, text)
	return 100, nil
}

func (f *fakeTransport) EditMessage(_ context.Context, _, _ int64, text string, _ ParseMode) error {
	f.edits = append(f.edits, text)
	return nil
}

func TestManager_ThrottlesEdits(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, 1, 0, ModeMarkdownV2, observability.NewNopLogger(), nil)

	clock := time.Now()
	m.now = func() time.Time { return clock }

	ctx := context.Background()
	m.AppendText("first")
	if err := m.MaybeUpdate(ctx); err != nil {
		t.Fatal(err)
	}
	if len(tr.sends) != 1 || m.MessageID() != 100 {
		t.Fatalf("first update should send: sends=%d id=%d", len(tr.sends), m.MessageID())
	}

	// Within the window: coalesced.
	m.AppendText(" second")
	if err := m.MaybeUpdate(ctx); err != nil {
		t.Fatal(err)
	}
	if len(tr.edits) != 0 {
		t.Fatal("edit within the throttle window should be suppressed")
	}

	// Past the window: flushed as one edit.
	clock = clock.Add(350 * time.Millisecond)
	m.AppendText(" third")
	if err := m.MaybeUpdate(ctx); err != nil {
		t.Fatal(err)
	}
	if len(tr.edits) != 1 {
		t.Fatalf("edits = %d, want 1", len(tr.edits))
	}
	if !strings.Contains(tr.edits[0], "third") {
		t.Errorf("coalesced edit missing latest delta: %q", tr.edits[0])
	}
}

func TestManager_UnchangedContentSkipsEdit(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, 1, 0, ModeMarkdownV2, observability.NewNopLogger(), nil)
	clock := time.Now()
	m.now = func() time.Time { return clock }

	ctx := context.Background()
	m.AppendText("stable")
	_ = m.MaybeUpdate(ctx)

	clock = clock.Add(time.Second)
	if err := m.MaybeUpdate(ctx); err != nil {
		t.Fatal(err)
	}
	if len(tr.edits) != 0 {
		t.Error("no-change update must not hit the transport")
	}
}

func TestManager_FinalizeDropsThinking(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, 1, 0, ModeMarkdownV2, observability.NewNopLogger(), nil)

	m.AppendThinking("pondering")
	m.AppendText("result")
	m.AppendToolMarker("🔍", "web_search")

	if err := m.Finalize(context.Background()); err != nil {
		t.Fatal(err)
	}
	final := tr.sends[0]
	if strings.Contains(final, "pondering") || strings.Contains(final, "web_search") {
		t.Errorf("final render must contain text only: %q", final)
	}
	if m.Text() != "result" {
		t.Errorf("persisted text = %q, want %q", m.Text(), "result")
	}
}
