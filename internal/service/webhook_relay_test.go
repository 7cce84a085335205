package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/wa-relay-server-go/internal/errors"
	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/util"
)

type receivedHook struct {
	Body    []byte
	Headers http.Header
}

type hookServer struct {
	*httptest.Server
	mu       sync.Mutex
	received []receivedHook
	status   int
}

func newHookServer(t *testing.T, status int) *hookServer {
	t.Helper()
	hs := &hookServer{status: status}
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		hs.mu.Lock()
		hs.received = append(hs.received, receivedHook{Body: body, Headers: r.Header.Clone()})
		hs.mu.Unlock()
		w.WriteHeader(hs.status)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *hookServer) hits() []receivedHook {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]receivedHook(nil), hs.received...)
}

func newTestRelay(t *testing.T, sealer *util.Sealer) (*WebhookRelay, *fakeWebhookConfigRepo, *mockWebhookLogRepo) {
	t.Helper()
	configs := newFakeWebhookConfigRepo()
	logs := newMockWebhookLogRepo()
	return NewWebhookRelay(configs, logs, sealer, 2*time.Second, nil), configs, logs
}

func ptr[T any](v T) *T { return &v }

func TestWebhookRelay_Configure(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects malformed url", func(t *testing.T) {
		relay, _, _ := newTestRelay(t, nil)

		_, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr("not a url")})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetCode(err))

		appErr, _ := apperrors.AsAppError(err)
		violations, ok := appErr.Details.([]apperrors.FieldViolation)
		require.True(t, ok)
		assert.Equal(t, "webhook_url", violations[0].Field)
	})

	t.Run("every call rotates the secret", func(t *testing.T) {
		relay, _, _ := newTestRelay(t, nil)

		seen := map[string]bool{}
		for i := 0; i < 5; i++ {
			res, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr("https://example.com/hook")})
			require.NoError(t, err)
			assert.Len(t, res.Secret, 64)
			assert.False(t, seen[res.Secret], "secret reused")
			seen[res.Secret] = true
		}
	})

	t.Run("enabled defaults to url presence and is kept afterwards", func(t *testing.T) {
		relay, _, _ := newTestRelay(t, nil)

		res, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr("https://example.com/hook")})
		require.NoError(t, err)
		assert.True(t, res.Config.Enabled)

		res, err = relay.Configure(ctx, "user-1", ConfigureInput{Enabled: ptr(false)})
		require.NoError(t, err)
		assert.False(t, res.Config.Enabled)
		assert.Equal(t, "https://example.com/hook", res.Config.WebhookURL)

		res, err = relay.Configure(ctx, "user-1", ConfigureInput{})
		require.NoError(t, err)
		assert.False(t, res.Config.Enabled)
	})

	t.Run("empty url clears it", func(t *testing.T) {
		relay, _, _ := newTestRelay(t, nil)
		_, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr("https://example.com/hook")})
		require.NoError(t, err)

		res, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr("")})
		require.NoError(t, err)
		assert.Empty(t, res.Config.WebhookURL)
	})

	t.Run("read path never returns a secret", func(t *testing.T) {
		relay, _, _ := newTestRelay(t, nil)
		res, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr("https://example.com/hook")})
		require.NoError(t, err)

		view, err := relay.GetConfig(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, view.HasSecret)
		assert.Equal(t, res.Secret[:4]+"-****", view.SecretPreview)

		encoded, _ := json.Marshal(view)
		assert.NotContains(t, string(encoded), res.Secret)
	})

	t.Run("unconfigured user reads zero view", func(t *testing.T) {
		relay, _, _ := newTestRelay(t, nil)
		view, err := relay.GetConfig(ctx, "nobody")
		require.NoError(t, err)
		assert.Equal(t, WebhookConfigView{}, view)
	})

	t.Run("sealed at rest", func(t *testing.T) {
		sealer, err := util.NewSealer(strings.Repeat("ab", 32))
		require.NoError(t, err)
		relay, configs, _ := newTestRelay(t, sealer)

		res, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr("https://example.com/hook")})
		require.NoError(t, err)

		stored, _ := configs.FindByUserID(ctx, "user-1")
		assert.NotEqual(t, res.Secret, *stored.SecretSealed)
		assert.NoError(t, relay.VerifySecret(ctx, "user-1", res.Secret))
	})
}

func TestWebhookRelay_VerifySecret(t *testing.T) {
	ctx := context.Background()
	relay, _, _ := newTestRelay(t, nil)

	err := relay.VerifySecret(ctx, "user-1", "anything")
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.GetCode(err))

	res, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr("https://example.com/hook")})
	require.NoError(t, err)

	assert.NoError(t, relay.VerifySecret(ctx, "user-1", res.Secret))

	err = relay.VerifySecret(ctx, "user-1", "wrong")
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.GetCode(err))

	err = relay.VerifySecret(ctx, "user-1", "")
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.GetCode(err))

	res, err = relay.Configure(ctx, "user-1", ConfigureInput{Enabled: ptr(false)})
	require.NoError(t, err)

	err = relay.VerifySecret(ctx, "user-1", res.Secret)
	assert.Equal(t, apperrors.ErrCodeForbidden, apperrors.GetCode(err))

	// Wrong secret still reports 401 when disabled.
	err = relay.VerifySecret(ctx, "user-1", "wrong")
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.GetCode(err))
}

func TestWebhookRelay_Deliver(t *testing.T) {
	ctx := context.Background()

	t.Run("one signed post and one log entry", func(t *testing.T) {
		hs := newHookServer(t, http.StatusOK)
		relay, _, logs := newTestRelay(t, nil)

		res, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr(hs.URL), Enabled: ptr(true)})
		require.NoError(t, err)

		event := model.NewWebhookEvent(model.EventMessageReceived, model.MessageEventData{
			ID: "m1", From: "123@c.us", To: "456@c.us", Body: "hello", Timestamp: 1700000000, ChatName: "Bob",
		})
		expected, err := json.Marshal(event)
		require.NoError(t, err)

		result, err := relay.Deliver(ctx, "user-1", event)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.True(t, result.Delivered)
		assert.Equal(t, http.StatusOK, result.StatusCode)

		hits := hs.hits()
		require.Len(t, hits, 1)
		assert.Equal(t, string(expected), string(hits[0].Body))
		assert.Equal(t, "message_received", hits[0].Headers.Get(HeaderWebhookEvent))
		ts := hits[0].Headers.Get(HeaderWebhookTimestamp)
		assert.Equal(t, util.SignPayload(res.Secret, ts, expected), hits[0].Headers.Get(HeaderWebhookSignature))

		entries := logs.created()
		require.Len(t, entries, 1)
		assert.Equal(t, model.WebhookIncoming, entries[0].Direction)
		assert.Equal(t, "200", entries[0].Status)
		assert.JSONEq(t, string(expected), string(entries[0].Payload))
		assert.Equal(t, "ok", *entries[0].Response)
	})

	t.Run("non-2xx is logged and not retried", func(t *testing.T) {
		hs := newHookServer(t, http.StatusInternalServerError)
		relay, _, logs := newTestRelay(t, nil)
		_, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr(hs.URL)})
		require.NoError(t, err)

		result, err := relay.Deliver(ctx, "user-1", model.NewWebhookEvent(model.EventConnected, nil))
		require.NoError(t, err)
		assert.False(t, result.Delivered)
		assert.Len(t, hs.hits(), 1)

		entries := logs.created()
		require.Len(t, entries, 1)
		assert.Equal(t, "500", entries[0].Status)
	})

	t.Run("unreachable endpoint is logged as failed", func(t *testing.T) {
		hs := newHookServer(t, http.StatusOK)
		url := hs.URL
		hs.Close()

		relay, _, logs := newTestRelay(t, nil)
		_, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr(url)})
		require.NoError(t, err)

		result, err := relay.Deliver(ctx, "user-1", model.NewWebhookEvent(model.EventConnected, nil))
		require.NoError(t, err)
		assert.False(t, result.Delivered)
		assert.NotEmpty(t, result.Error)

		entries := logs.created()
		require.Len(t, entries, 1)
		assert.Equal(t, model.WebhookStatusFailed, entries[0].Status)
	})

	t.Run("disabled or unconfigured is a no-op", func(t *testing.T) {
		hs := newHookServer(t, http.StatusOK)
		relay, _, logs := newTestRelay(t, nil)

		result, err := relay.Deliver(ctx, "user-1", model.NewWebhookEvent(model.EventConnected, nil))
		require.NoError(t, err)
		assert.Nil(t, result)

		_, err = relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr(hs.URL), Enabled: ptr(false)})
		require.NoError(t, err)
		result, err = relay.Deliver(ctx, "user-1", model.NewWebhookEvent(model.EventConnected, nil))
		require.NoError(t, err)
		assert.Nil(t, result)

		assert.Empty(t, hs.hits())
		logs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("async delivery drains on wait", func(t *testing.T) {
		hs := newHookServer(t, http.StatusOK)
		relay, _, _ := newTestRelay(t, nil)
		_, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr(hs.URL)})
		require.NoError(t, err)

		relay.DeliverAsync("user-1", model.NewWebhookEvent(model.EventDisconnected, map[string]string{"reason": "x"}))

		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		require.NoError(t, relay.Wait(waitCtx))
		assert.Len(t, hs.hits(), 1)
	})
}

func TestWebhookRelay_Test(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a url", func(t *testing.T) {
		relay, _, _ := newTestRelay(t, nil)
		_, err := relay.Test(ctx, "user-1")
		assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetCode(err))
	})

	t.Run("sends test event", func(t *testing.T) {
		hs := newHookServer(t, http.StatusOK)
		relay, _, _ := newTestRelay(t, nil)
		_, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr(hs.URL), Enabled: ptr(false)})
		require.NoError(t, err)

		result, err := relay.Test(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, result.Delivered)

		hits := hs.hits()
		require.Len(t, hits, 1)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(hits[0].Body, &payload))
		assert.Equal(t, "test", payload["event"])
	})
}

func TestWebhookRelay_LogOutgoing(t *testing.T) {
	relay, _, logs := newTestRelay(t, nil)
	relay.LogOutgoing(context.Background(), "user-1", map[string]string{"to": "123"}, "200", "sent")

	logs.AssertCalled(t, "Create", mock.Anything, mock.MatchedBy(func(p model.CreateWebhookLogParams) bool {
		return p.UserID == "user-1" &&
			p.Direction == model.WebhookOutgoing &&
			p.Status == "200" &&
			string(p.Payload) == `{"to":"123"}` &&
			p.Response != nil && *p.Response == "sent"
	}))
}

func TestWebhookRelay_LogWriteFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	hs := newHookServer(t, http.StatusOK)
	logs := new(mockWebhookLogRepo)
	logs.On("Create", mock.Anything, mock.Anything).Return(errStoreDown)
	relay := NewWebhookRelay(newFakeWebhookConfigRepo(), logs, nil, 2*time.Second, nil)

	_, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr(hs.URL)})
	require.NoError(t, err)

	result, err := relay.Deliver(ctx, "user-1", model.NewWebhookEvent(model.EventConnected, nil))
	require.NoError(t, err)
	assert.True(t, result.Delivered)
	logs.AssertNumberOfCalls(t, "Create", 1)
}

func TestWebhookRelay_StoreErrors(t *testing.T) {
	ctx := context.Background()

	failingFind := func() *mockWebhookConfigRepo {
		configs := new(mockWebhookConfigRepo)
		configs.On("FindByUserID", mock.Anything, "user-1").Return(nil, errStoreDown)
		return configs
	}

	t.Run("get config", func(t *testing.T) {
		relay := NewWebhookRelay(failingFind(), newMockWebhookLogRepo(), nil, time.Second, nil)
		_, err := relay.GetConfig(ctx, "user-1")
		assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.GetCode(err))
	})

	t.Run("verify secret", func(t *testing.T) {
		relay := NewWebhookRelay(failingFind(), newMockWebhookLogRepo(), nil, time.Second, nil)
		err := relay.VerifySecret(ctx, "user-1", "secret")
		assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.GetCode(err))
	})

	t.Run("test delivery", func(t *testing.T) {
		relay := NewWebhookRelay(failingFind(), newMockWebhookLogRepo(), nil, time.Second, nil)
		_, err := relay.Test(ctx, "user-1")
		assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.GetCode(err))
	})

	t.Run("configure load", func(t *testing.T) {
		configs := failingFind()
		relay := NewWebhookRelay(configs, newMockWebhookLogRepo(), nil, time.Second, nil)

		_, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr("https://hooks.example.com/x")})

		assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.GetCode(err))
		configs.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
	})

	t.Run("configure upsert", func(t *testing.T) {
		configs := new(mockWebhookConfigRepo)
		configs.On("FindByUserID", mock.Anything, "user-1").Return(nil, nil)
		configs.On("Upsert", mock.Anything, mock.Anything).Return(nil, errStoreDown)
		relay := NewWebhookRelay(configs, newMockWebhookLogRepo(), nil, time.Second, nil)

		_, err := relay.Configure(ctx, "user-1", ConfigureInput{WebhookURL: ptr("https://hooks.example.com/x")})

		assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.GetCode(err))
	})
}

func TestWebhookRelay_ConfigureKeepsStoredURL(t *testing.T) {
	ctx := context.Background()
	stored := "https://hooks.example.com/kept"
	configs := new(mockWebhookConfigRepo)
	configs.On("FindByUserID", ctx, "user-1").Return(&model.WebhookConfig{
		UserID:     "user-1",
		WebhookURL: &stored,
		Enabled:    false,
	}, nil)
	configs.On("Upsert", ctx, mock.MatchedBy(func(p model.UpsertWebhookConfigParams) bool {
		return p.WebhookURL != nil && *p.WebhookURL == stored && !p.Enabled && p.SecretSealed != ""
	})).Return(&model.WebhookConfig{UserID: "user-1", WebhookURL: &stored}, nil)
	relay := NewWebhookRelay(configs, newMockWebhookLogRepo(), nil, time.Second, nil)

	res, err := relay.Configure(ctx, "user-1", ConfigureInput{})

	require.NoError(t, err)
	assert.Len(t, res.Secret, 64)
	configs.AssertExpectations(t)
}
