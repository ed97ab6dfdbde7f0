package capabilities

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salesagent/internal/store"
	"github.com/salesagent/pkg/models"
)

var allCapabilities = []string{NameMoveDeal, NameUpdateContact, NameCreateTask, NameHandOff, NameSearchKnowledge}

type fakeSearcher struct {
	matches       []models.KnowledgeMatch
	err           error
	topK          int
	minSimilarity float64
}

func (f *fakeSearcher) Search(ctx context.Context, agentID, query string, topK int, minSimilarity float64) ([]models.KnowledgeMatch, error) {
	f.topK = topK
	f.minSimilarity = minSimilarity
	return f.matches, f.err
}

type panickingCRM struct {
	*store.InMemoryStore
}

func (panickingCRM) HandOff(ctx context.Context, conversationID string, activity *models.Activity) error {
	panic("boom")
}

func seedCRM() *store.InMemoryStore {
	s := store.NewInMemoryStore()
	s.PutOrganization(models.Organization{ID: "org1", Name: "Acme"})
	s.PutContact(models.Contact{ID: "c1", OrganizationID: "org1", Name: "Ana"})
	s.PutConversation(models.Conversation{ID: "conv1", OrganizationID: "org1", AgentID: "a1", ContactID: "c1", DealID: strPtr("d1")})
	s.PutStage(models.Stage{ID: "s1", PipelineID: "p1", Name: "Lead", Order: 1})
	s.PutStage(models.Stage{ID: "s2", PipelineID: "p1", Name: "Proposal", Order: 2})
	s.PutStage(models.Stage{ID: "x1", PipelineID: "p2", Name: "Other", Order: 1})
	s.PutDeal(models.Deal{ID: "d1", OrganizationID: "org1", Title: "Deal", PipelineID: "p1", StageID: "s1", Status: models.DealStatusOpen, OwnerID: "u1"})
	s.PutDeal(models.Deal{ID: "d2", OrganizationID: "org1", Title: "Locked", PipelineID: "p2", StageID: "x1", Status: models.DealStatusOpen, OwnerID: "u1"})
	s.PutDeal(models.Deal{ID: "d3", OrganizationID: "org2", Title: "Foreign", PipelineID: "p1", StageID: "s1", Status: models.DealStatusOpen, OwnerID: "u9"})
	return s
}

func execContext() ExecContext {
	return ExecContext{
		OrganizationID: "org1",
		AgentID:        "a1",
		ConversationID: "conv1",
		ContactID:      "c1",
		DealID:         strPtr("d1"),
		PipelineIDs:    []string{"p1"},
	}
}

func newRegistry(s CRM, search Searcher) *Registry {
	now := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return NewRegistry(allCapabilities, Deps{CRM: s, Knowledge: search, SearchTopK: 5, SearchMinSimilarity: 0.65, Now: now}, execContext())
}

func TestNewRegistry_OnlyEnabledCapabilities(t *testing.T) {
	r := NewRegistry([]string{NameHandOff, "send_invoice", NameHandOff}, Deps{CRM: seedCRM()}, execContext())

	assert.Equal(t, []string{NameHandOff}, r.Names())
	assert.Equal(t, []string{"send_invoice"}, r.Unknown())
	require.Len(t, r.Tools(), 1)
	assert.Equal(t, NameHandOff, r.Tools()[0].Function.Name)

	res := r.Execute(context.Background(), NameMoveDeal, `{"stageId":"s2"}`)
	assert.False(t, res.Success)
}

func TestMoveDeal_AdvancesStageAndLogsActivity(t *testing.T) {
	s := seedCRM()
	r := newRegistry(s, &fakeSearcher{})

	res := r.Execute(context.Background(), NameMoveDeal, `{"dealId":"d1","stageId":"s2"}`)
	require.True(t, res.Success, res.Message)

	deal, err := s.GetDeal(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "s2", deal.StageID)
	assert.Equal(t, models.DealStatusInProgress, deal.Status)

	acts := s.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, "deal_stage_changed", acts[0].Type)
	assert.Equal(t, "s1", acts[0].Metadata["fromStageId"])
}

func TestMoveDeal_StageFromAnotherPipeline(t *testing.T) {
	s := seedCRM()
	r := newRegistry(s, &fakeSearcher{})

	res := r.Execute(context.Background(), NameMoveDeal, `{"dealId":"d1","stageId":"x1"}`)
	assert.False(t, res.Success)

	deal, _ := s.GetDeal(context.Background(), "d1")
	assert.Equal(t, "s1", deal.StageID)
	assert.Equal(t, models.DealStatusOpen, deal.Status)
	assert.Empty(t, s.Activities())
}

func TestMoveDeal_Rejections(t *testing.T) {
	tests := []struct {
		name string
		args string
	}{
		{"pipeline not permitted", `{"dealId":"d2","stageId":"x1"}`},
		{"deal of another organization", `{"dealId":"d3","stageId":"s2"}`},
		{"unknown deal", `{"dealId":"nope","stageId":"s2"}`},
		{"unknown stage", `{"dealId":"d1","stageId":"nope"}`},
		{"missing stage", `{"dealId":"d1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seedCRM()
			res := newRegistry(s, &fakeSearcher{}).Execute(context.Background(), NameMoveDeal, tt.args)
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Message)
			assert.Empty(t, s.Activities())
		})
	}
}

func TestMoveDeal_SameStageIsNoop(t *testing.T) {
	s := seedCRM()
	res := newRegistry(s, &fakeSearcher{}).Execute(context.Background(), NameMoveDeal, `{"stageId":"s1"}`)
	assert.True(t, res.Success)
	assert.Empty(t, s.Activities())
}

func TestUpdateContact(t *testing.T) {
	s := seedCRM()
	r := newRegistry(s, &fakeSearcher{})

	res := r.Execute(context.Background(), NameUpdateContact, `{}`)
	assert.False(t, res.Success)
	res = r.Execute(context.Background(), NameUpdateContact, `{"name":"  "}`)
	assert.False(t, res.Success)
	res = r.Execute(context.Background(), NameUpdateContact, `{"email":"not-an-email"}`)
	assert.False(t, res.Success)
	assert.Empty(t, s.Activities())

	res = r.Execute(context.Background(), NameUpdateContact, `{"email":"ana@acme.com","role":"CTO"}`)
	require.True(t, res.Success, res.Message)

	c, _ := s.GetContact(context.Background(), "c1")
	assert.Equal(t, "Ana", c.Name)
	require.NotNil(t, c.Email)
	assert.Equal(t, "ana@acme.com", *c.Email)
	require.NotNil(t, c.Role)
	assert.Equal(t, "CTO", *c.Role)
	assert.Nil(t, c.Phone)
	assert.Len(t, s.Activities(), 1)
}

func TestCreateTask(t *testing.T) {
	s := seedCRM()
	r := newRegistry(s, &fakeSearcher{})

	res := r.Execute(context.Background(), NameCreateTask, `{"title":"Send proposal","dueDate":"next tuesday"}`)
	assert.False(t, res.Success)
	assert.Empty(t, s.Tasks())

	res = r.Execute(context.Background(), NameCreateTask, `{"title":"Send proposal","dueDate":"2026-03-14"}`)
	require.True(t, res.Success, res.Message)

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "u1", tasks[0].AssigneeID)
	assert.Equal(t, "d1", tasks[0].DealID)
	assert.Equal(t, 14, tasks[0].DueDate.Day())
	assert.Len(t, s.Activities(), 1)
}

func TestCreateTask_RequiresLinkedDeal(t *testing.T) {
	s := seedCRM()
	ec := execContext()
	ec.DealID = nil
	r := NewRegistry([]string{NameCreateTask}, Deps{CRM: s}, ec)

	res := r.Execute(context.Background(), NameCreateTask, `{"title":"Call back","dueDate":"2026-03-14"}`)
	assert.False(t, res.Success)
	assert.Empty(t, s.Tasks())
}

func TestHandOff_PausesIndefinitely(t *testing.T) {
	s := seedCRM()
	res := newRegistry(s, &fakeSearcher{}).Execute(context.Background(), NameHandOff, `{"reason":"wants to negotiate price"}`)
	require.True(t, res.Success)

	conv, err := s.GetConversation(context.Background(), "conv1")
	require.NoError(t, err)
	assert.True(t, conv.AIPaused)
	assert.Nil(t, conv.PausedAt)
	require.Len(t, s.Activities(), 1)
	assert.Equal(t, "ai_handoff", s.Activities()[0].Type)

	n, err := s.ResumeTimedPauses(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSearchKnowledge_UsesLooserParameters(t *testing.T) {
	search := &fakeSearcher{matches: []models.KnowledgeMatch{{Content: "Plans start at $49", FileName: "pricing.pdf", Similarity: 0.8}}}
	res := newRegistry(seedCRM(), search).Execute(context.Background(), NameSearchKnowledge, `{"query":"price"}`)

	require.True(t, res.Success)
	assert.Equal(t, 5, search.topK)
	assert.Equal(t, 0.65, search.minSimilarity)
	assert.Len(t, res.Data["results"], 1)
}

func TestSearchKnowledge_FailureBecomesResult(t *testing.T) {
	res := newRegistry(seedCRM(), &fakeSearcher{err: errors.New("embedding service down")}).
		Execute(context.Background(), NameSearchKnowledge, `{"query":"price"}`)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "embedding service down")
}

func TestExecute_InvalidJSONAndPanics(t *testing.T) {
	s := seedCRM()
	r := newRegistry(s, &fakeSearcher{})
	res := r.Execute(context.Background(), NameUpdateContact, `{"email":`)
	assert.False(t, res.Success)

	r = NewRegistry([]string{NameHandOff}, Deps{CRM: panickingCRM{s}}, execContext())
	res = r.Execute(context.Background(), NameHandOff, `{"reason":"x"}`)
	assert.False(t, res.Success)
}

func TestResult_JSON(t *testing.T) {
	assert.JSONEq(t, `{"success":false,"message":"nope"}`, Result{Message: "nope"}.JSON())
}
