package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salesagent/pkg/models"
)

func seedConversation(s *InMemoryStore) {
	s.PutOrganization(models.Organization{ID: "org1", Name: "Acme", Timezone: "UTC", Locale: "en_US"})
	s.PutContact(models.Contact{ID: "c1", OrganizationID: "org1", Name: "Ana"})
	s.PutConversation(models.Conversation{ID: "conv1", OrganizationID: "org1", AgentID: "a1", ContactID: "c1", CurrentStepOrder: 1})
}

func TestInMemoryStore_RecentMessagesOldestFirst(t *testing.T) {
	s := NewInMemoryStore()
	seedConversation(s)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := s.CreateMessage(ctx, &models.Message{
			ConversationID: "conv1",
			Role:           models.RoleUser,
			Content:        fmt.Sprintf("m%d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	recent, err := s.ListRecentMessages(ctx, "conv1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "m2", recent[0].Content)
	assert.Equal(t, "m4", recent[2].Content)

	n, err := s.CountActiveMessages(ctx, "conv1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestInMemoryStore_ArchiveWithSummary(t *testing.T) {
	s := NewInMemoryStore()
	seedConversation(s)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		m := &models.Message{ConversationID: "conv1", Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)}
		require.NoError(t, s.CreateMessage(ctx, m))
		ids = append(ids, m.ID)
	}

	err := s.ArchiveWithSummary(ctx, "conv1", "", ids[:2])
	require.Error(t, err)
	n, _ := s.CountActiveMessages(ctx, "conv1")
	assert.Equal(t, 4, n, "nothing archived without a summary")

	require.NoError(t, s.ArchiveWithSummary(ctx, "conv1", "customer asked about pricing", ids[:2]))
	active, err := s.ListActiveMessages(ctx, "conv1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, ids[2], active[0].ID)

	conv, err := s.GetConversation(ctx, "conv1")
	require.NoError(t, err)
	require.NotNil(t, conv.Summary)
	assert.Equal(t, "customer asked about pricing", *conv.Summary)
	assert.Len(t, s.AllMessages("conv1"), 4, "archived messages are kept")
}

func TestInMemoryStore_UpdateMessageContentMergesMetadata(t *testing.T) {
	s := NewInMemoryStore()
	seedConversation(s)
	ctx := context.Background()

	m := &models.Message{ConversationID: "conv1", Role: models.RoleUser, Content: "[audio message]", Metadata: map[string]any{"type": "audio"}}
	require.NoError(t, s.CreateMessage(ctx, m))
	require.NoError(t, s.UpdateMessageContent(ctx, m.ID, "hello there", map[string]any{"transcribed": true}))

	msgs := s.AllMessages("conv1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello there", msgs[0].Content)
	assert.Equal(t, "audio", msgs[0].Metadata["type"])
	assert.Equal(t, true, msgs[0].Metadata["transcribed"])

	assert.ErrorIs(t, s.UpdateMessageContent(ctx, "missing", "x", nil), ErrNotFound)
}

func TestInMemoryStore_DebitNeverGoesNegative(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	s.SetBalance("org1", 1)

	require.NoError(t, s.DebitCredits(ctx, "org1", 1))
	assert.ErrorIs(t, s.DebitCredits(ctx, "org1", 1), ErrInsufficientBalance)

	balance, err := s.GetCreditBalance(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestInMemoryStore_ResumeTimedPausesSkipsIndefinite(t *testing.T) {
	s := NewInMemoryStore()
	seedConversation(s)
	s.PutConversation(models.Conversation{ID: "conv2", OrganizationID: "org1", AgentID: "a1", ContactID: "c1"})
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	require.NoError(t, s.PauseConversation(ctx, "conv1", &old))
	require.NoError(t, s.HandOff(ctx, "conv2", &models.Activity{OrganizationID: "org1", Type: "handoff", Description: "asked for a human"}))

	n, err := s.ResumeTimedPauses(ctx, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	paused, err := s.IsAIPaused(ctx, "conv1")
	require.NoError(t, err)
	assert.False(t, paused)

	paused, err = s.IsAIPaused(ctx, "conv2")
	require.NoError(t, err)
	assert.True(t, paused, "indefinite pause must never auto-resume")
	assert.Len(t, s.Activities(), 1)
}

func TestContactUpdate_Fields(t *testing.T) {
	email := "ana@example.com"
	u := ContactUpdate{Email: &email}
	assert.False(t, u.Empty())
	assert.Equal(t, []string{"email"}, u.Fields())
	assert.True(t, ContactUpdate{}.Empty())
}
