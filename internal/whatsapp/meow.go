package whatsapp

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

// DeviceLookup returns the device JID a user last paired, or "" if none.
type DeviceLookup func(ctx context.Context, userID string) (string, error)

// MeowFactory creates whatsmeow clients backed by a shared sqlstore container.
type MeowFactory struct {
	container    *sqlstore.Container
	lookupDevice DeviceLookup
	windowSize   int
}

// NewStoreContainer opens the whatsmeow device store in the application
// database and upgrades its tables.
func NewStoreContainer(ctx context.Context, dialect, dsn string) (*sqlstore.Container, error) {
	logger := waLog.Zerolog(log.Logger.With().Str("component", "whatsmeow-store").Logger())
	container, err := sqlstore.New(ctx, dialect, dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("open whatsmeow store: %w", err)
	}
	return container, nil
}

func NewMeowFactory(container *sqlstore.Container, lookup DeviceLookup, windowSize int) *MeowFactory {
	store.DeviceProps.Os = proto.String("WA Relay")
	return &MeowFactory{
		container:    container,
		lookupDevice: lookup,
		windowSize:   windowSize,
	}
}

func (f *MeowFactory) New(ctx context.Context, userID string, handler EventHandler) (Client, error) {
	device, err := f.device(ctx, userID)
	if err != nil {
		return nil, err
	}

	logger := log.Logger.With().Str("component", "whatsmeow").Str("userId", userID).Logger()
	clientCtx, cancel := context.WithCancel(context.Background())
	c := &meowClient{
		userID:  userID,
		wa:      whatsmeow.NewClient(device, waLog.Zerolog(logger)),
		window:  newRecentWindow(f.windowSize),
		handler: handler,
		log:     logger,
		ctx:     clientCtx,
		cancel:  cancel,
		groups:  make(map[types.JID]string),
	}
	c.wa.AddEventHandler(c.handleEvent)
	return c, nil
}

func (f *MeowFactory) device(ctx context.Context, userID string) (*store.Device, error) {
	if f.lookupDevice != nil {
		stored, err := f.lookupDevice(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("Failed to look up stored device, pairing fresh")
		} else if stored != "" {
			jid, err := types.ParseJID(stored)
			if err == nil {
				device, err := f.container.GetDevice(ctx, jid)
				if err != nil {
					return nil, fmt.Errorf("load device: %w", err)
				}
				if device != nil {
					return device, nil
				}
			}
		}
	}
	return f.container.NewDevice(), nil
}

type meowClient struct {
	userID  string
	wa      *whatsmeow.Client
	window  *recentWindow
	handler EventHandler
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	groupsMu sync.Mutex
	groups   map[types.JID]string

	destroyOnce sync.Once
}

func (c *meowClient) Initialize(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	if c.wa.Store.ID != nil {
		if err := c.wa.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	}

	// The QR channel lives as long as the client, not the request.
	qrChan, err := c.wa.GetQRChannel(c.ctx)
	if err != nil {
		return fmt.Errorf("get qr channel: %w", err)
	}
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	go c.watchQR(qrChan)
	return nil
}

func (c *meowClient) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(Event{Type: EventQR, QRCode: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			// Connected event follows.
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(Event{Type: EventAuthFailure, Reason: "pairing code expired"})
		case whatsmeow.QRChannelEventError:
			reason := "pairing failed"
			if item.Error != nil {
				reason = item.Error.Error()
			}
			c.emit(Event{Type: EventAuthFailure, Reason: reason})
		default:
			c.emit(Event{Type: EventAuthFailure, Reason: item.Event})
		}
	}
}

func (c *meowClient) emit(evt Event) {
	if c.ctx.Err() != nil {
		return
	}
	c.handler(evt)
}

func (c *meowClient) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		var device string
		if c.wa.Store.ID != nil {
			device = c.wa.Store.ID.String()
		}
		c.emit(Event{Type: EventReady, JID: device, PushName: c.wa.Store.PushName})

	case *events.Disconnected:
		c.emit(Event{Type: EventDisconnected, Reason: "connection lost"})

	case *events.StreamReplaced:
		c.emit(Event{Type: EventDisconnected, Reason: "stream replaced by another client"})

	case *events.LoggedOut:
		if evt.OnConnect {
			c.emit(Event{Type: EventAuthFailure, Reason: evt.Reason.String()})
			return
		}
		c.emit(Event{Type: EventDisconnected, Reason: "logged out: " + evt.Reason.String()})

	case *events.ConnectFailure:
		c.emit(Event{Type: EventAuthFailure, Reason: evt.Reason.String()})

	case *events.TemporaryBan:
		c.emit(Event{Type: EventDisconnected, Reason: evt.String()})

	case *events.HistorySync:
		c.applyHistorySync(evt)

	case *events.Message:
		if evt.Info.Chat.Server == types.BroadcastServer {
			return
		}
		msg := c.record(evt)
		if !msg.FromMe {
			c.window.incrementUnread(msg.ChatID)
		}
		c.emit(Event{Type: EventMessage, Message: &msg})
	}
}

func (c *meowClient) record(evt *events.Message) model.Message {
	chatID := FromJID(evt.Info.Chat)
	name := c.window.chatName(chatID)
	if name == "" && evt.Info.IsGroup {
		name = c.groupName(evt.Info.Chat)
	}
	msg := toModel(evt, c.self(), name)
	c.window.add(msg, evt.Message)
	return msg
}

func (c *meowClient) applyHistorySync(evt *events.HistorySync) {
	for _, conv := range evt.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil || chatJID.Server == types.BroadcastServer {
			continue
		}
		chatID := FromJID(chatJID)
		c.window.setChatInfo(chatID, conv.GetName(), chatJID.Server == types.GroupServer, int(conv.GetUnreadCount()))

		for _, hist := range conv.GetMessages() {
			parsed, err := c.wa.ParseWebMessage(chatJID, hist.GetMessage())
			if err != nil {
				c.log.Debug().Err(err).Str("chatId", chatID).Msg("Skipping unparseable history message")
				continue
			}
			c.record(parsed)
		}
	}
}

func (c *meowClient) self() types.JID {
	if c.wa.Store.ID == nil {
		return types.EmptyJID
	}
	return c.wa.Store.ID.ToNonAD()
}

func (c *meowClient) groupName(jid types.JID) string {
	c.groupsMu.Lock()
	name, ok := c.groups[jid]
	c.groupsMu.Unlock()
	if ok {
		return name
	}

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	info, err := c.wa.GetGroupInfo(ctx, jid)
	if err != nil {
		c.log.Debug().Err(err).Str("group", jid.String()).Msg("Failed to fetch group info")
		return ""
	}

	c.groupsMu.Lock()
	c.groups[jid] = info.Name
	c.groupsMu.Unlock()
	return info.Name
}

func (c *meowClient) ready() error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if !c.wa.IsLoggedIn() {
		return ErrNotReady
	}
	return nil
}

func (c *meowClient) Chats(ctx context.Context) ([]model.ChatSummary, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	chats := c.window.summaries()
	for i := range chats {
		if chats[i].Name != chats[i].ID || chats[i].IsGroup {
			continue
		}
		jid, err := ToJID(chats[i].ID)
		if err != nil {
			continue
		}
		if contact, err := c.wa.Store.Contacts.GetContact(ctx, jid); err == nil {
			switch {
			case contact.FullName != "":
				chats[i].Name = contact.FullName
			case contact.PushName != "":
				chats[i].Name = contact.PushName
			}
		}
	}
	return chats, nil
}

func (c *meowClient) Messages(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	stored := c.window.messages(chatID, limit)
	out := make([]model.Message, 0, len(stored))
	for _, s := range stored {
		msg := s.msg
		if msg.HasMedia && s.raw != nil {
			msg.Media = c.download(ctx, s.raw)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *meowClient) download(ctx context.Context, raw *waE2E.Message) *model.Media {
	content := extractContent(raw)
	if content.media == nil {
		return nil
	}
	data, err := c.wa.Download(ctx, content.media)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to download media")
		return nil
	}
	return &model.Media{
		MimeType: content.mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
		Filename: content.filename,
	}
}

func (c *meowClient) SendText(ctx context.Context, chatID, text string) (*model.SentMessage, error) {
	return c.send(ctx, chatID, &waE2E.Message{Conversation: proto.String(text)})
}

func (c *meowClient) SendMedia(ctx context.Context, chatID string, media OutgoingMedia, caption string) (*model.SentMessage, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	mediaType := mediaTypeFor(media.MimeType)
	uploaded, err := c.wa.Upload(ctx, media.Data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	return c.send(ctx, chatID, buildMediaMessage(mediaType, uploaded, media, caption))
}

func (c *meowClient) send(ctx context.Context, chatID string, msg *waE2E.Message) (*model.SentMessage, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	jid, err := ToJID(chatID)
	if err != nil {
		return nil, err
	}

	resp, err := c.wa.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	c.record(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:     jid,
				Sender:   c.self(),
				IsFromMe: true,
				IsGroup:  jid.Server == types.GroupServer,
			},
			ID:        resp.ID,
			Timestamp: resp.Timestamp,
		},
		Message: msg,
	})

	return &model.SentMessage{ID: resp.ID, ChatID: chatID, Timestamp: resp.Timestamp}, nil
}

func (c *meowClient) Logout(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if !c.wa.IsLoggedIn() {
		// Paired but offline: the phone still lists this device.
		if c.wa.Store != nil && c.wa.Store.ID != nil {
			return ErrNotReady
		}
		return nil
	}
	if err := c.wa.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (c *meowClient) Destroy(ctx context.Context) error {
	c.destroyOnce.Do(func() {
		c.cancel()
		c.wa.Disconnect()
		c.window.reset()
	})
	return nil
}

func mediaTypeFor(mimeType string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func buildMediaMessage(mediaType whatsmeow.MediaType, up whatsmeow.UploadResponse, media OutgoingMedia, caption string) *waE2E.Message {
	mimeType := media.MimeType
	switch mediaType {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optional(caption),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(mimeType),
		}}
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optional(caption),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(mimeType),
		}}
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(mimeType),
		}}
	default:
		filename := media.Filename
		if filename == "" {
			filename = "document"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       optional(caption),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(mimeType),
			FileName:      proto.String(filename),
		}}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
