package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salesagent/internal/coordination"
	"github.com/salesagent/internal/media"
	"github.com/salesagent/internal/store"
	"github.com/salesagent/pkg/models"
)

type enqueued struct {
	job   models.MessageJob
	runAt time.Time
}

type fakeQueue struct {
	jobs []enqueued
	err  error
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, job models.MessageJob, runAt time.Time) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.jobs = append(f.jobs, enqueued{job, runAt})
	return int64(len(f.jobs)), nil
}

var requestTime = time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore, *coordination.MemoryTokenStore, *fakeQueue) {
	t.Helper()
	s := store.NewInMemoryStore()
	s.PutConversation(models.Conversation{ID: "conv1", OrganizationID: "org1", AgentID: "a1", ContactID: "c1"})
	tokens := coordination.NewMemoryTokenStore()
	q := &fakeQueue{}

	srv := NewServer(0, Dependencies{
		Store:          s,
		Tokens:         tokens,
		Queue:          q,
		DebounceWindow: 5 * time.Second,
		Logger:         zerolog.Nop(),
	})
	srv.now = func() time.Time { return requestTime }
	return srv, s, tokens, q
}

func post(t *testing.T, srv *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

const textWebhook = `{
	"message": {"type": "text", "text": "How much is premium?", "remoteAddress": "5511999990000", "instanceId": "inst1", "messageId": "wamid-1"},
	"agentId": "a1", "conversationId": "conv1", "organizationId": "org1"
}`

func TestHealth(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestHealth_ReportsDatabase(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	srv.deps.Database = fakePinger{}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	srv.deps.Database = fakePinger{err: errors.New("connection refused")}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","database":"unreachable"}`, rec.Body.String())
}

func TestReceiveMessage_StoresTokensAndEnqueues(t *testing.T) {
	srv, s, tokens, q := newTestServer(t)

	rec := post(t, srv, "/api/v1/webhooks/messages", textWebhook)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])

	msgs := s.AllMessages("conv1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "How much is premium?", msgs[0].Content)
	assert.Equal(t, "wamid-1", msgs[0].Metadata["channelMessageId"])

	require.Len(t, q.jobs, 1)
	job := q.jobs[0]
	assert.Equal(t, requestTime.Add(5*time.Second), job.runAt)
	assert.Equal(t, msgs[0].ID, job.job.Message.StoredMessageID)
	assert.Equal(t, coordination.NewToken(requestTime), job.job.DebounceToken)

	stored, ok, err := tokens.GetToken(context.Background(), "conv1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.job.DebounceToken, stored)
}

func TestReceiveMessage_BurstKeepsOnlyNewestToken(t *testing.T) {
	srv, _, tokens, q := newTestServer(t)

	post(t, srv, "/api/v1/webhooks/messages", textWebhook)
	srv.now = func() time.Time { return requestTime.Add(2 * time.Second) }
	post(t, srv, "/api/v1/webhooks/messages", textWebhook)

	require.Len(t, q.jobs, 2)
	stored, _, _ := tokens.GetToken(context.Background(), "conv1")
	assert.NotEqual(t, q.jobs[0].job.DebounceToken, stored)
	assert.Equal(t, q.jobs[1].job.DebounceToken, stored)
}

func TestReceiveMessage_AudioStoredAsPlaceholder(t *testing.T) {
	srv, s, _, q := newTestServer(t)
	body := `{
		"message": {"type": "audio", "media": {"mimetype": "audio/ogg", "seconds": 7}, "remoteAddress": "5511", "instanceId": "inst1", "messageId": "wamid-2"},
		"agentId": "a1", "conversationId": "conv1", "organizationId": "org1"
	}`

	rec := post(t, srv, "/api/v1/webhooks/messages", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	msgs := s.AllMessages("conv1")
	require.Len(t, msgs, 1)
	assert.Equal(t, media.AudioPlaceholder, msgs[0].Content)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, 7, q.jobs[0].job.Message.Media.Seconds)
}

func TestReceiveMessage_PausedConversationIsStoredOnly(t *testing.T) {
	srv, s, _, q := newTestServer(t)
	require.NoError(t, s.PauseConversation(context.Background(), "conv1", nil))

	rec := post(t, srv, "/api/v1/webhooks/messages", textWebhook)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ai_paused"`)
	assert.Len(t, s.AllMessages("conv1"), 1)
	assert.Empty(t, q.jobs)
}

func TestReceiveMessage_Rejections(t *testing.T) {
	cases := map[string]struct {
		body string
		code int
	}{
		"malformed":    {`{"message":`, http.StatusBadRequest},
		"missing conv": {`{"message": {"type": "text", "text": "hi", "remoteAddress": "1", "instanceId": "i"}, "agentId": "a1", "organizationId": "org1"}`, http.StatusBadRequest},
		"empty text":   {`{"message": {"type": "text", "text": " ", "remoteAddress": "1", "instanceId": "i"}, "agentId": "a1", "conversationId": "conv1", "organizationId": "org1"}`, http.StatusBadRequest},
		"unknown type": {`{"message": {"type": "sticker", "remoteAddress": "1", "instanceId": "i"}, "agentId": "a1", "conversationId": "conv1", "organizationId": "org1"}`, http.StatusBadRequest},
		"unknown conv": {`{"message": {"type": "text", "text": "hi", "remoteAddress": "1", "instanceId": "i"}, "agentId": "a1", "conversationId": "nope", "organizationId": "org1"}`, http.StatusNotFound},
		"other tenant": {`{"message": {"type": "text", "text": "hi", "remoteAddress": "1", "instanceId": "i"}, "agentId": "a1", "conversationId": "conv1", "organizationId": "org2"}`, http.StatusNotFound},
		"other agent":  {`{"message": {"type": "text", "text": "hi", "remoteAddress": "1", "instanceId": "i"}, "agentId": "a9", "conversationId": "conv1", "organizationId": "org1"}`, http.StatusNotFound},
		"path in id":   {`{"message": {"type": "image", "remoteAddress": "1", "instanceId": "i", "messageId": "../../../escaped"}, "agentId": "a1", "conversationId": "conv1", "organizationId": "org1"}`, http.StatusBadRequest},
		"backslash id": {`{"message": {"type": "image", "remoteAddress": "1", "instanceId": "i", "messageId": "a\\b"}, "agentId": "a1", "conversationId": "conv1", "organizationId": "org1"}`, http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv, s, _, q := newTestServer(t)
			rec := post(t, srv, "/api/v1/webhooks/messages", tc.body)
			assert.Equal(t, tc.code, rec.Code)
			assert.Empty(t, q.jobs)
			assert.Empty(t, s.AllMessages("conv1"))
		})
	}
}

func TestReceiveMessage_EnqueueFailure(t *testing.T) {
	srv, _, _, q := newTestServer(t)
	q.err = errors.New("connection refused")

	rec := post(t, srv, "/api/v1/webhooks/messages", textWebhook)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPauseAndResume(t *testing.T) {
	srv, s, _, _ := newTestServer(t)
	ctx := context.Background()

	rec := post(t, srv, "/api/v1/conversations/conv1/pause", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	conv, _ := s.GetConversation(ctx, "conv1")
	assert.True(t, conv.AIPaused)
	require.NotNil(t, conv.PausedAt)
	assert.True(t, conv.PausedAt.Equal(requestTime))

	rec = post(t, srv, "/api/v1/conversations/conv1/resume", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	conv, _ = s.GetConversation(ctx, "conv1")
	assert.False(t, conv.AIPaused)

	rec = post(t, srv, "/api/v1/conversations/conv1/pause", `{"indefinite": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	conv, _ = s.GetConversation(ctx, "conv1")
	assert.True(t, conv.AIPaused)
	assert.Nil(t, conv.PausedAt)

	rec = post(t, srv, "/api/v1/conversations/missing/pause", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
