package whatsapp

import (
	"sort"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

type storedMessage struct {
	msg model.Message
	raw *waE2E.Message
}

type chatState struct {
	id       string
	name     string
	isGroup  bool
	unread   int
	messages []storedMessage
}

// recentWindow keeps the last few messages per chat. WhatsApp has no
// server-side chat list, so this is the source for Chats and Messages.
type recentWindow struct {
	mu    sync.RWMutex
	limit int
	chats map[string]*chatState
}

func newRecentWindow(limit int) *recentWindow {
	return &recentWindow{limit: limit, chats: make(map[string]*chatState)}
}

func (w *recentWindow) chat(id string, isGroup bool) *chatState {
	c, ok := w.chats[id]
	if !ok {
		c = &chatState{id: id, isGroup: isGroup}
		w.chats[id] = c
	}
	return c
}

// add inserts a message keeping timestamp order; duplicates by id are ignored.
func (w *recentWindow) add(msg model.Message, raw *waE2E.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	c := w.chat(msg.ChatID, msg.IsGroup)
	for _, existing := range c.messages {
		if existing.msg.ID == msg.ID {
			return
		}
	}
	if msg.ChatName != "" && c.name == "" {
		c.name = msg.ChatName
	}

	idx := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].msg.Timestamp.After(msg.Timestamp)
	})
	c.messages = append(c.messages, storedMessage{})
	copy(c.messages[idx+1:], c.messages[idx:])
	c.messages[idx] = storedMessage{msg: msg, raw: raw}

	if len(c.messages) > w.limit {
		c.messages = c.messages[len(c.messages)-w.limit:]
	}
}

func (w *recentWindow) setChatInfo(id, name string, isGroup bool, unread int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	c := w.chat(id, isGroup)
	if name != "" {
		c.name = name
	}
	c.unread = unread
}

func (w *recentWindow) incrementUnread(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.chats[id]; ok {
		c.unread++
	}
}

func (w *recentWindow) chatName(id string) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if c, ok := w.chats[id]; ok {
		return c.name
	}
	return ""
}

// summaries returns chats sorted by most recent message first.
func (w *recentWindow) summaries() []model.ChatSummary {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]model.ChatSummary, 0, len(w.chats))
	for _, c := range w.chats {
		summary := model.ChatSummary{
			ID:          c.id,
			Name:        c.name,
			IsGroup:     c.isGroup,
			UnreadCount: c.unread,
		}
		if summary.Name == "" {
			summary.Name = c.id
		}
		if n := len(c.messages); n > 0 {
			last := c.messages[n-1].msg
			ts := last.Timestamp
			summary.LastMessagePreview = preview(last)
			summary.LastMessageAt = &ts
		}
		out = append(out, summary)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return lastAt(out[i]).After(lastAt(out[j]))
	})
	return out
}

// messages returns up to limit of the newest messages of a chat, oldest first.
func (w *recentWindow) messages(chatID string, limit int) []storedMessage {
	w.mu.RLock()
	defer w.mu.RUnlock()

	c, ok := w.chats[chatID]
	if !ok {
		return nil
	}
	msgs := c.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]storedMessage, len(msgs))
	copy(out, msgs)
	return out
}

func (w *recentWindow) reset() {
	w.mu.Lock()
	w.chats = make(map[string]*chatState)
	w.mu.Unlock()
}

func lastAt(c model.ChatSummary) time.Time {
	if c.LastMessageAt == nil {
		return time.Time{}
	}
	return *c.LastMessageAt
}

func preview(m model.Message) string {
	const maxPreview = 80
	body := []rune(m.Body)
	if len(body) == 0 && m.HasMedia {
		return "[" + m.Type + "]"
	}
	if len(body) > maxPreview {
		return string(body[:maxPreview]) + "…"
	}
	return string(body)
}
