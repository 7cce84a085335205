package model

import "time"

type ChatSummary struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	IsGroup            bool       `json:"isGroup"`
	UnreadCount        int        `json:"unreadCount"`
	LastMessagePreview string     `json:"lastMessage,omitempty"`
	LastMessageAt      *time.Time `json:"timestamp,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Author    string    `json:"author,omitempty"`
	Body      string    `json:"body"`
	FromMe    bool      `json:"fromMe"`
	IsGroup   bool      `json:"isGroup"`
	ChatName  string    `json:"chatName,omitempty"`
	HasMedia  bool      `json:"hasMedia"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Media     *Media    `json:"media,omitempty"`
}

// Media is inline attachment content; Data is base64 on the wire.
type Media struct {
	MimeType string `json:"mimetype"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
}

type SentMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Timestamp time.Time `json:"timestamp"`
}

// ToEventData flattens a message into the webhook message_received shape.
func (m *Message) ToEventData() MessageEventData {
	return MessageEventData{
		ID:        m.ID,
		From:      m.From,
		To:        m.To,
		Body:      m.Body,
		Timestamp: m.Timestamp.Unix(),
		FromMe:    m.FromMe,
		HasMedia:  m.HasMedia,
		IsGroup:   m.IsGroup,
		Author:    m.Author,
		ChatName:  m.ChatName,
	}
}
