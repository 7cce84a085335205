package whatsapp

import (
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

type content struct {
	body     string
	kind     string
	media    whatsmeow.DownloadableMessage
	mimeType string
	filename string
}

func unwrap(m *waE2E.Message) *waE2E.Message {
	for m != nil {
		switch {
		case m.GetEphemeralMessage().GetMessage() != nil:
			m = m.GetEphemeralMessage().GetMessage()
		case m.GetViewOnceMessage().GetMessage() != nil:
			m = m.GetViewOnceMessage().GetMessage()
		case m.GetViewOnceMessageV2().GetMessage() != nil:
			m = m.GetViewOnceMessageV2().GetMessage()
		case m.GetDocumentWithCaptionMessage().GetMessage() != nil:
			m = m.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return m
		}
	}
	return nil
}

func extractContent(m *waE2E.Message) content {
	m = unwrap(m)
	switch {
	case m == nil:
		return content{kind: "unknown"}
	case m.Conversation != nil:
		return content{body: m.GetConversation(), kind: "chat"}
	case m.ExtendedTextMessage != nil:
		return content{body: m.GetExtendedTextMessage().GetText(), kind: "chat"}
	case m.ImageMessage != nil:
		img := m.GetImageMessage()
		return content{body: img.GetCaption(), kind: "image", media: img, mimeType: img.GetMimetype()}
	case m.VideoMessage != nil:
		video := m.GetVideoMessage()
		return content{body: video.GetCaption(), kind: "video", media: video, mimeType: video.GetMimetype()}
	case m.AudioMessage != nil:
		audio := m.GetAudioMessage()
		kind := "audio"
		if audio.GetPTT() {
			kind = "ptt"
		}
		return content{kind: kind, media: audio, mimeType: audio.GetMimetype()}
	case m.DocumentMessage != nil:
		doc := m.GetDocumentMessage()
		return content{
			body:     doc.GetCaption(),
			kind:     "document",
			media:    doc,
			mimeType: doc.GetMimetype(),
			filename: doc.GetFileName(),
		}
	case m.StickerMessage != nil:
		sticker := m.GetStickerMessage()
		return content{kind: "sticker", media: sticker, mimeType: sticker.GetMimetype()}
	case m.LocationMessage != nil:
		return content{body: m.GetLocationMessage().GetName(), kind: "location"}
	case m.ContactMessage != nil:
		return content{body: m.GetContactMessage().GetDisplayName(), kind: "vcard"}
	default:
		return content{kind: "unknown"}
	}
}

// toModel maps a whatsmeow message event onto the wire message. For incoming
// messages From is the chat; for own messages From is self and To the chat.
func toModel(evt *events.Message, self types.JID, chatName string) model.Message {
	c := extractContent(evt.Message)
	chatID := FromJID(evt.Info.Chat)
	selfID := FromJID(self)

	msg := model.Message{
		ID:        evt.Info.ID,
		ChatID:    chatID,
		Body:      c.body,
		FromMe:    evt.Info.IsFromMe,
		IsGroup:   evt.Info.IsGroup,
		ChatName:  chatName,
		HasMedia:  c.media != nil,
		Type:      c.kind,
		Timestamp: evt.Info.Timestamp,
	}
	if msg.FromMe {
		msg.From = selfID
		msg.To = chatID
	} else {
		msg.From = chatID
		msg.To = selfID
	}
	if msg.IsGroup {
		msg.Author = FromJID(evt.Info.Sender)
	}
	if msg.ChatName == "" && !msg.IsGroup && !msg.FromMe {
		msg.ChatName = evt.Info.PushName
	}
	return msg
}
