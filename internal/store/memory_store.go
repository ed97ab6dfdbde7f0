package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/salesagent/pkg/models"
)

// InMemoryStore is a threadsafe in-memory store for tests
type InMemoryStore struct {
	mu            sync.RWMutex
	orgs          map[string]*models.Organization
	agents        map[string]*models.Agent
	chunks        map[string][]models.KnowledgeChunk
	completed     map[string]bool
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	contacts      map[string]*models.Contact
	deals         map[string]*models.Deal
	stages        map[string]*models.Stage
	tasks         []*models.Task
	activities    []*models.Activity
	balances      map[string]int64
	now           func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		orgs:          make(map[string]*models.Organization),
		agents:        make(map[string]*models.Agent),
		chunks:        make(map[string][]models.KnowledgeChunk),
		completed:     make(map[string]bool),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		contacts:      make(map[string]*models.Contact),
		deals:         make(map[string]*models.Deal),
		stages:        make(map[string]*models.Stage),
		balances:      make(map[string]int64),
		now:           time.Now,
	}
}

// SetClock overrides the time source used for created_at stamps
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Seeding helpers

func (s *InMemoryStore) PutOrganization(o models.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[o.ID] = &o
}

func (s *InMemoryStore) PutAgent(a models.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = &a
}

// PutKnowledgeChunk adds a chunk; chunks of files that are not completed are never returned
func (s *InMemoryStore) PutKnowledgeChunk(c models.KnowledgeChunk, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !completed {
		return
	}
	s.completed[c.AgentID] = true
	s.chunks[c.AgentID] = append(s.chunks[c.AgentID], c)
}

func (s *InMemoryStore) PutConversation(c models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
		c.UpdatedAt = c.CreatedAt
	}
	s.conversations[c.ID] = &c
}

func (s *InMemoryStore) PutContact(c models.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = &c
}

func (s *InMemoryStore) PutDeal(d models.Deal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deals[d.ID] = &d
}

func (s *InMemoryStore) PutStage(st models.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[st.ID] = &st
}

func (s *InMemoryStore) SetBalance(organizationID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[organizationID] = balance
}

// Inspection helpers

func (s *InMemoryStore) Activities() []models.Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Activity, 0, len(s.activities))
	for _, a := range s.activities {
		out = append(out, *a)
	}
	return out
}

func (s *InMemoryStore) Tasks() []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// AllMessages returns archived and active messages of a conversation in insertion order
func (s *InMemoryStore) AllMessages(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0)
	for _, m := range s.messages[conversationID] {
		out = append(out, cloneMessage(m))
	}
	return out
}

// Store methods

func (s *InMemoryStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *InMemoryStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	cp.EnabledTools = append([]string(nil), a.EnabledTools...)
	cp.PipelineIDs = append([]string(nil), a.PipelineIDs...)
	cp.Steps = append([]models.Step(nil), a.Steps...)
	return &cp, nil
}

func (s *InMemoryStore) HasCompletedKnowledge(ctx context.Context, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed[agentID], nil
}

func (s *InMemoryStore) ListKnowledgeChunks(ctx context.Context, agentID string) ([]models.KnowledgeChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.KnowledgeChunk(nil), s.chunks[agentID]...), nil
}

func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (s *InMemoryStore) IsAIPaused(ctx context.Context, conversationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return false, ErrNotFound
	}
	return c.AIPaused, nil
}

func (s *InMemoryStore) PauseConversation(ctx context.Context, conversationID string, pausedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.AIPaused = true
	c.PausedAt = copyTime(pausedAt)
	c.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) ResumeConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.AIPaused = false
	c.PausedAt = nil
	c.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) HandOff(ctx context.Context, conversationID string, activity *models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.AIPaused = true
	c.PausedAt = nil
	c.UpdatedAt = s.now()
	s.addActivity(activity)
	return nil
}

func (s *InMemoryStore) ResumeTimedPauses(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.conversations {
		if c.AIPaused && c.PausedAt != nil && c.PausedAt.Before(before) {
			c.AIPaused = false
			c.PausedAt = nil
			c.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CreateMessage(ctx context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return ErrNotFound
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.IsArchived = false
	cp := cloneMessage(m)
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], &cp)
	return nil
}

func (s *InMemoryStore) UpdateMessageContent(ctx context.Context, id, content string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID != id {
				continue
			}
			m.Content = content
			if len(metadata) > 0 && m.Metadata == nil {
				m.Metadata = make(map[string]any, len(metadata))
			}
			for k, v := range metadata {
				m.Metadata[k] = v
			}
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	active := s.activeMessages(conversationID)
	if limit > 0 && len(active) > limit {
		active = active[len(active)-limit:]
	}
	return active, nil
}

func (s *InMemoryStore) ListActiveMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	return s.activeMessages(conversationID), nil
}

func (s *InMemoryStore) CountActiveMessages(ctx context.Context, conversationID string) (int, error) {
	return len(s.activeMessages(conversationID)), nil
}

func (s *InMemoryStore) ArchiveWithSummary(ctx context.Context, conversationID, summary string, messageIDs []string) error {
	if summary == "" {
		return errors.New("refusing to archive without a summary")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	ids := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = struct{}{}
	}
	c.Summary = &summary
	c.UpdatedAt = s.now()
	for _, m := range s.messages[conversationID] {
		if _, ok := ids[m.ID]; ok {
			m.IsArchived = true
		}
	}
	return nil
}

func (s *InMemoryStore) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) UpdateContact(ctx context.Context, id string, u ContactUpdate, activity *models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return ErrNotFound
	}
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Email != nil {
		v := *u.Email
		c.Email = &v
	}
	if u.Phone != nil {
		v := *u.Phone
		c.Phone = &v
	}
	if u.Role != nil {
		v := *u.Role
		c.Role = &v
	}
	s.addActivity(activity)
	return nil
}

func (s *InMemoryStore) GetDeal(ctx context.Context, id string) (*models.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *InMemoryStore) GetStage(ctx context.Context, id string) (*models.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *InMemoryStore) ListStages(ctx context.Context, pipelineID string) ([]models.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Stage, 0)
	for _, st := range s.stages {
		if st.PipelineID == pipelineID {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *InMemoryStore) MoveDeal(ctx context.Context, dealID, stageID string, status models.DealStatus, activity *models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[dealID]
	if !ok {
		return ErrNotFound
	}
	d.StageID = stageID
	d.Status = status
	s.addActivity(activity)
	return nil
}

func (s *InMemoryStore) CreateTask(ctx context.Context, task *models.Task, activity *models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
	}
	cp := *task
	s.tasks = append(s.tasks, &cp)
	s.addActivity(activity)
	return nil
}

func (s *InMemoryStore) GetCreditBalance(ctx context.Context, organizationID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[organizationID], nil
}

func (s *InMemoryStore) DebitCredits(ctx context.Context, organizationID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[organizationID] < amount {
		return ErrInsufficientBalance
	}
	s.balances[organizationID] -= amount
	return nil
}

func (s *InMemoryStore) activeMessages(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0)
	for _, m := range s.messages[conversationID] {
		if !m.IsArchived {
			out = append(out, cloneMessage(m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// addActivity must be called with the write lock held
func (s *InMemoryStore) addActivity(a *models.Activity) {
	if a == nil {
		return
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	cp := *a
	s.activities = append(s.activities, &cp)
}

func cloneMessage(m *models.Message) models.Message {
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	cp := *c
	cp.PausedAt = copyTime(c.PausedAt)
	if c.Summary != nil {
		v := *c.Summary
		cp.Summary = &v
	}
	if c.DealID != nil {
		v := *c.DealID
		cp.DealID = &v
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
