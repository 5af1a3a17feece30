package display

import (
	"context"
	"strings"
	"time"

	"github.com/castellanbot/castellan/internal/observability"
)

// editInterval is the minimum spacing between streaming edits. Telegram
// throttles bots editing faster than roughly three times per second.
const editInterval = 300 * time.Millisecond

// Transport is the messenger surface the manager needs.
type Transport interface {
	SendMessage(ctx context.Context, chatID, topicID int64, text string, mode ParseMode) (int64, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string, mode ParseMode) error
}

// Manager drives one outgoing message for one turn: it buffers streaming
// deltas and pushes coalesced edits. Not safe for concurrent use; the turn
// loop owns it and awaits each edit before the next, so edits for a turn
// are serialized.
type Manager struct {
	transport Transport
	chatID    int64
	topicID   int64
	mode      ParseMode

	buffer    Buffer
	messageID int64
	lastEdit  time.Time
	lastText  string

	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewManager creates a manager for one turn's reply in the given chat.
func NewManager(transport Transport, chatID, topicID int64, mode ParseMode, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if mode == "" {
		mode = ModeMarkdownV2
	}
	return &Manager{
		transport: transport,
		chatID:    chatID,
		topicID:   topicID,
		mode:      mode,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// AppendText adds a visible text delta.
func (m *Manager) AppendText(delta string) {
	m.buffer.Append(BlockText, delta)
}

// AppendThinking adds a thinking delta.
func (m *Manager) AppendThinking(delta string) {
	m.buffer.Append(BlockThinking, delta)
}

// AppendToolMarker shows a running tool inline. Markers render with the
// text stream so they are visible outside the collapsed thinking quote, but
// they are buffered as their own block kind and drop out of the final
// message and the persisted text.
func (m *Manager) AppendToolMarker(emoji, toolName string) {
	m.buffer.Append(BlockMarker, "\n"+ToolMarker(emoji, toolName)+"\n")
}

// MaybeUpdate pushes an edit if the throttle window has passed and content
// changed. Safe to call on every streaming delta.
func (m *Manager) MaybeUpdate(ctx context.Context) error {
	if m.now().Sub(m.lastEdit) < editInterval {
		return nil
	}
	return m.push(ctx, m.renderStreaming())
}

// Finalize pushes the finished message: text only, no thinking, no tool
// markers. Called once at turn end, also on cancellation for a best-effort
// last edit.
func (m *Manager) Finalize(ctx context.Context) error {
	text, _ := Truncate(m.buffer.Text(), "", m.mode)
	return m.push(ctx, RenderFinal(text, m.mode))
}

// Text returns the accumulated reply text, for persistence.
func (m *Manager) Text() string {
	return strings.TrimSpace(m.buffer.Text())
}

// Thinking returns the accumulated raw thinking content.
func (m *Manager) Thinking() string {
	return m.buffer.Thinking()
}

// MessageID returns the Telegram id of the reply, once sent.
func (m *Manager) MessageID() int64 {
	return m.messageID
}

func (m *Manager) renderStreaming() string {
	text, thinking := Truncate(m.buffer.Visible(), m.buffer.Thinking(), m.mode)
	return Render(text, thinking, m.mode)
}

func (m *Manager) push(ctx context.Context, rendered string) error {
	if rendered == "" || rendered == m.lastText {
		return nil
	}

	if m.messageID == 0 {
		id, err := m.transport.SendMessage(ctx, m.chatID, m.topicID, rendered, m.mode)
		if err != nil {
			return err
		}
		m.messageID = id
	} else {
		if err := m.transport.EditMessage(ctx, m.chatID, m.messageID, rendered, m.mode); err != nil {
			return err
		}
	}

	m.lastEdit = m.now()
	m.lastText = rendered
	if m.metrics != nil {
		m.metrics.DisplayEdits.Inc()
	}
	return nil
}
