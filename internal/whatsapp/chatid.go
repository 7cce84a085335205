package whatsapp

import (
	"fmt"
	"regexp"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

const (
	UserSuffix  = "c.us"
	GroupSuffix = "g.us"
)

var chatIDPattern = regexp.MustCompile(`^[\d-]+@(c|g)\.us$`)

// ValidChatID reports whether id has the <digits>@c.us / <digits>@g.us form.
func ValidChatID(id string) bool {
	return chatIDPattern.MatchString(id)
}

// NormalizeRecipient turns a phone-number-like string into a chat id,
// appending @c.us when no server part is present.
func NormalizeRecipient(to string) string {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		return to
	}
	to = strings.TrimPrefix(to, "+")
	to = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(to)
	return to + "@" + UserSuffix
}

// ToJID converts a wire chat id to a whatsmeow JID.
func ToJID(chatID string) (types.JID, error) {
	user, server, ok := strings.Cut(chatID, "@")
	if !ok || user == "" {
		return types.JID{}, fmt.Errorf("%w: %q", ErrInvalidChatID, chatID)
	}
	switch server {
	case UserSuffix, types.DefaultUserServer:
		return types.NewJID(user, types.DefaultUserServer), nil
	case types.GroupServer:
		return types.NewJID(user, types.GroupServer), nil
	default:
		jid, err := types.ParseJID(chatID)
		if err != nil {
			return types.JID{}, fmt.Errorf("%w: %v", ErrInvalidChatID, err)
		}
		return jid, nil
	}
}

// FromJID converts a whatsmeow JID to the wire chat id form.
func FromJID(jid types.JID) string {
	if jid.IsEmpty() {
		return ""
	}
	jid = jid.ToNonAD()
	switch jid.Server {
	case types.DefaultUserServer:
		return jid.User + "@" + UserSuffix
	case types.GroupServer:
		return jid.User + "@" + GroupSuffix
	default:
		return jid.String()
	}
}
