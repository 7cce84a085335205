package handler

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publicSendPath(userID string) string {
	return "/webhook/" + userID + "/send"
}

// enableWebhook turns on the public endpoint for testUserID and returns the
// issued secret.
func (a *testApp) enableWebhook(t *testing.T, enabled bool) string {
	t.Helper()
	rec := a.do(t, http.MethodPut, "/api/webhook/config", map[string]any{"webhook_enabled": enabled})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["webhook_secret"].(string)
}

func TestPublicSend_InvalidUserID(t *testing.T) {
	app := newTestApp(t)
	secret := app.enableWebhook(t, true)

	wrongSecret := app.doAs(t, "", http.MethodPost, publicSendPath(testUserID), map[string]string{
		"to": "15552223333", "message": "hi", "secret": secret[:63] + "x",
	})
	require.Equal(t, http.StatusUnauthorized, wrongSecret.Code)

	for _, id := range []string{"not-a-uuid", "1234", testUserID + "0"} {
		t.Run(id, func(t *testing.T) {
			rec := app.doAs(t, "", http.MethodPost, publicSendPath(id), map[string]string{
				"to": "15552223333", "message": "hi", "secret": secret,
			})

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, wrongSecret.Body.String(), rec.Body.String())
			assert.NotContains(t, rec.Body.String(), "userId")
		})
	}
}

func TestPublicSend_SecretChecks(t *testing.T) {
	app := newTestApp(t)
	client := app.connect(t, testUserID)

	t.Run("unconfigured user", func(t *testing.T) {
		rec := app.doAs(t, "", http.MethodPost, publicSendPath(otherUserID), map[string]string{
			"to": "15552223333", "message": "hi", "secret": "anything",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	secret := app.enableWebhook(t, true)

	t.Run("wrong secret", func(t *testing.T) {
		rec := app.doAs(t, "", http.MethodPost, publicSendPath(testUserID), map[string]string{
			"to": "15552223333", "message": "hi", "secret": secret[:63] + "x",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing secret", func(t *testing.T) {
		rec := app.doAs(t, "", http.MethodPost, publicSendPath(testUserID), map[string]string{
			"to": "15552223333", "message": "hi",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	assert.Empty(t, client.Sent())
	assert.Empty(t, app.logs.outgoing())
}

func TestPublicSend_Disabled(t *testing.T) {
	app := newTestApp(t)
	client := app.connect(t, testUserID)
	secret := app.enableWebhook(t, false)

	rec := app.doAs(t, "", http.MethodPost, publicSendPath(testUserID), map[string]string{
		"to": "15552223333", "message": "hi", "secret": secret,
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, client.Sent())
}

func TestPublicSend_Dispatches(t *testing.T) {
	app := newTestApp(t)
	client := app.connect(t, testUserID)
	secret := app.enableWebhook(t, true)

	rec := app.doAs(t, "", http.MethodPost, publicSendPath(testUserID), map[string]string{
		"to": "15552223333", "message": "hello from crm", "secret": secret,
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "15552223333@c.us", body["chatId"])
	assert.NotEmpty(t, body["messageId"])

	sent := client.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "15552223333@c.us", sent[0].ChatID)
	assert.Equal(t, "hello from crm", sent[0].Text)

	logs := app.logs.outgoing()
	require.Len(t, logs, 1)
	assert.Equal(t, testUserID, logs[0].UserID)
	assert.Equal(t, "200", logs[0].Status)
	assert.NotContains(t, string(logs[0].Payload), secret)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(logs[0].Payload, &payload))
	assert.Equal(t, "15552223333@c.us", payload["chatId"])
}

func TestPublicSend_Validation(t *testing.T) {
	app := newTestApp(t)
	client := app.connect(t, testUserID)
	secret := app.enableWebhook(t, true)

	tests := []struct {
		name string
		to   string
		msg  string
	}{
		{"missing recipient", "", "hi"},
		{"non numeric recipient", "alice", "hi"},
		{"blank message", "15552223333", " "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := app.doAs(t, "", http.MethodPost, publicSendPath(testUserID), map[string]string{
				"to": tt.to, "message": tt.msg, "secret": secret,
			})
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	assert.Empty(t, client.Sent())
	logs := app.logs.outgoing()
	require.Len(t, logs, len(tests))
	for _, l := range logs {
		assert.Equal(t, "400", l.Status)
	}
}

func TestPublicSend_NotConnected(t *testing.T) {
	app := newTestApp(t)
	secret := app.enableWebhook(t, true)

	rec := app.doAs(t, "", http.MethodPost, publicSendPath(testUserID), map[string]string{
		"to": "+1 555 222 3333", "message": "hi", "secret": secret,
	})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	logs := app.logs.outgoing()
	require.Len(t, logs, 1)
	assert.Equal(t, "503", logs[0].Status)
	assert.Empty(t, app.factory.Clients())
}

func TestPublicSend_IgnoresBearerIdentity(t *testing.T) {
	app := newTestApp(t)
	app.connect(t, otherUserID)

	rec := app.doAs(t, otherUserID, http.MethodPost, publicSendPath(testUserID), map[string]string{
		"to": "15552223333", "message": "hi", "secret": "guess",
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
