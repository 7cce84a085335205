// Package whatsapptest provides an in-memory whatsapp.Client for tests.
package whatsapptest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/whatsapp"
)

type SentCall struct {
	ChatID  string
	Text    string
	Media   *whatsapp.OutgoingMedia
	Caption string
}

// Client records calls and lets tests drive events through Emit.
type Client struct {
	UserID string

	mu       sync.Mutex
	handler  whatsapp.EventHandler
	chats    []model.ChatSummary
	messages []model.Message
	sent     []SentCall

	initErr   error
	sendErr   error
	logoutErr error

	inits    int
	logouts  int
	destroys int
}

// Emit delivers evt the way the real adapter's event handler does.
func (c *Client) Emit(evt whatsapp.Event) {
	c.handler(evt)
}

func (c *Client) SetChats(chats []model.ChatSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = chats
}

func (c *Client) SetMessages(msgs []model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = msgs
}

func (c *Client) FailSend(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Client) FailLogout(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutErr = err
}

func (c *Client) Initialize(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inits++
	return c.initErr
}

func (c *Client) Chats(context.Context) ([]model.ChatSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ChatSummary, len(c.chats))
	copy(out, c.chats)
	return out, nil
}

func (c *Client) Messages(_ context.Context, chatID string, limit int) ([]model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Message
	for _, m := range c.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (c *Client) SendText(_ context.Context, chatID, text string) (*model.SentMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	c.sent = append(c.sent, SentCall{ChatID: chatID, Text: text})
	return &model.SentMessage{ID: fmt.Sprintf("sent-%d", len(c.sent)), ChatID: chatID, Timestamp: time.Now()}, nil
}

func (c *Client) SendMedia(_ context.Context, chatID string, media whatsapp.OutgoingMedia, caption string) (*model.SentMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	c.sent = append(c.sent, SentCall{ChatID: chatID, Media: &media, Caption: caption})
	return &model.SentMessage{ID: fmt.Sprintf("sent-%d", len(c.sent)), ChatID: chatID, Timestamp: time.Now()}, nil
}

func (c *Client) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return c.logoutErr
}

func (c *Client) Destroy(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroys++
	return nil
}

func (c *Client) Counts() (inits, logouts, destroys int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inits, c.logouts, c.destroys
}

func (c *Client) Sent() []SentCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentCall(nil), c.sent...)
}

// Factory hands out Clients and remembers every one it created.
type Factory struct {
	mu      sync.Mutex
	clients []*Client
	newErr  error
	initErr error
	chats   []model.ChatSummary

	gate    chan struct{}
	entered chan string
}

func (f *Factory) New(_ context.Context, userID string, handler whatsapp.EventHandler) (whatsapp.Client, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		entered <- userID
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	c := &Client{UserID: userID, handler: handler, chats: f.chats, initErr: f.initErr}
	f.clients = append(f.clients, c)
	return c, nil
}

// BlockNew makes later New calls wait until release is called. Each blocked
// call sends its user ID on entered first.
func (f *Factory) BlockNew() (entered <-chan string, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gate = gate
	f.entered = make(chan string, 16)

	var once sync.Once
	return f.entered, func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

// FailNew makes New return err until cleared with nil.
func (f *Factory) FailNew(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newErr = err
}

// FailInit makes clients created afterwards fail Initialize.
func (f *Factory) FailInit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
}

// SetChats seeds the chat list of clients created afterwards.
func (f *Factory) SetChats(chats []model.ChatSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = chats
}

func (f *Factory) Clients() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.clients...)
}

// Last returns the most recently created client, or nil.
func (f *Factory) Last() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}
