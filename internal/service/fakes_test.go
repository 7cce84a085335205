package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"

	"github.com/openclaw/wa-relay-server-go/internal/database"
	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/repository"
)

type fakeSessionStore struct {
	mu          sync.Mutex
	rows        map[string]*model.WhatsAppSession
	connects    int
	disconnects []string
	clears      int
	failWrites  bool
	listErr     error

	// beforeDisconnect runs once, outside the store lock, ahead of the next
	// MarkDisconnected write.
	beforeDisconnect func(userID string)
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{rows: make(map[string]*model.WhatsAppSession)}
}

var errStoreDown = errors.New("store unavailable")

func (s *fakeSessionStore) FindByUserID(_ context.Context, userID string) (*model.WhatsAppSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *fakeSessionStore) ListConnected(context.Context) ([]model.WhatsAppSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []model.WhatsAppSession
	for _, row := range s.rows {
		if row.IsConnected {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (s *fakeSessionStore) row(userID string) *model.WhatsAppSession {
	row, ok := s.rows[userID]
	if !ok {
		row = &model.WhatsAppSession{UserID: userID, CreatedAt: time.Now()}
		s.rows[userID] = row
	}
	return row
}

func (s *fakeSessionStore) MarkConnected(_ context.Context, params model.MarkConnectedParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.failWrites {
		return errStoreDown
	}
	row := s.row(params.UserID)
	row.IsConnected = true
	jid := params.DeviceJID
	row.DeviceJID = &jid
	return nil
}

func (s *fakeSessionStore) MarkDisconnected(_ context.Context, userID, reason string) error {
	s.mu.Lock()
	hook := s.beforeDisconnect
	s.beforeDisconnect = nil
	s.mu.Unlock()
	if hook != nil {
		hook(userID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, reason)
	if s.failWrites {
		return errStoreDown
	}
	row := s.row(userID)
	row.IsConnected = false
	row.DisconnectReason = &reason
	return nil
}

func (s *fakeSessionStore) ClearDevice(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	if s.failWrites {
		return errStoreDown
	}
	if row, ok := s.rows[userID]; ok {
		row.DeviceJID = nil
	}
	return nil
}

func (s *fakeSessionStore) WithTx(*sqlx.Tx) repository.WhatsAppSessionRepository {
	return s
}

func (s *fakeSessionStore) snapshot() (connects int, disconnects []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects, append([]string(nil), s.disconnects...)
}

func (s *fakeSessionStore) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

type fakeWebhookConfigRepo struct {
	mu   sync.Mutex
	rows map[string]*model.WebhookConfig
}

func newFakeWebhookConfigRepo() *fakeWebhookConfigRepo {
	return &fakeWebhookConfigRepo{rows: make(map[string]*model.WebhookConfig)}
}

func (r *fakeWebhookConfigRepo) FindByUserID(_ context.Context, userID string) (*model.WebhookConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[userID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (r *fakeWebhookConfigRepo) Upsert(_ context.Context, params model.UpsertWebhookConfigParams) (*model.WebhookConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	secret, preview := params.SecretSealed, params.SecretPreview
	row := &model.WebhookConfig{
		UserID:         params.UserID,
		WebhookURL:     params.WebhookURL,
		Enabled:        params.Enabled,
		SecretSealed:   &secret,
		SecretPreview:  &preview,
		SecretIssuedAt: &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if existing, ok := r.rows[params.UserID]; ok {
		row.CreatedAt = existing.CreatedAt
	}
	r.rows[params.UserID] = row
	cp := *row
	return &cp, nil
}

type mockWebhookLogRepo struct {
	mock.Mock
}

// newMockWebhookLogRepo accepts every Create.
func newMockWebhookLogRepo() *mockWebhookLogRepo {
	m := new(mockWebhookLogRepo)
	m.On("Create", mock.Anything, mock.Anything).Return(nil)
	return m
}

func (m *mockWebhookLogRepo) Create(ctx context.Context, params model.CreateWebhookLogParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

// created returns the params of every Create call in order.
func (m *mockWebhookLogRepo) created() []model.CreateWebhookLogParams {
	var out []model.CreateWebhookLogParams
	for _, call := range m.Calls {
		if call.Method == "Create" {
			out = append(out, call.Arguments.Get(1).(model.CreateWebhookLogParams))
		}
	}
	return out
}

type mockWebhookConfigRepo struct {
	mock.Mock
}

func (m *mockWebhookConfigRepo) FindByUserID(ctx context.Context, userID string) (*model.WebhookConfig, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WebhookConfig), args.Error(1)
}

func (m *mockWebhookConfigRepo) Upsert(ctx context.Context, params model.UpsertWebhookConfigParams) (*model.WebhookConfig, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WebhookConfig), args.Error(1)
}

// noTx runs fn without a transaction; the fakes ignore tx.
type noTx struct{}

func (noTx) WithTx(_ context.Context, fn database.TxFunc) error {
	return fn(nil)
}
