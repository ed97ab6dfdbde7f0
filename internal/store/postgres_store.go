package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/salesagent/pkg/models"
)

// PostgresStore implements every store interface on top of database/sql and lib/pq
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Ping checks that the database answers, for the health endpoint
func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	var o models.Organization
	err := s.db.QueryRowContext(ctx, `
        SELECT id, name, timezone, locale FROM organizations WHERE id=$1
    `, id).Scan(&o.ID, &o.Name, &o.Timezone, &o.Locale)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var a models.Agent
	var stepsJSON []byte
	err := s.db.QueryRowContext(ctx, `
        SELECT id, organization_id, name, persona, model, enabled_tools, pipeline_ids, steps
        FROM agents WHERE id=$1
    `, id).Scan(&a.ID, &a.OrganizationID, &a.Name, &a.Persona, &a.Model,
		pq.Array(&a.EnabledTools), pq.Array(&a.PipelineIDs), &stepsJSON)
	if err != nil {
		return nil, notFound(err)
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &a.Steps); err != nil {
			return nil, fmt.Errorf("decode agent steps: %w", err)
		}
	}
	return &a, nil
}

func (s *PostgresStore) HasCompletedKnowledge(ctx context.Context, agentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
        SELECT EXISTS (SELECT 1 FROM knowledge_files WHERE agent_id=$1 AND status='COMPLETED')
    `, agentID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ListKnowledgeChunks(ctx context.Context, agentID string) ([]models.KnowledgeChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT c.id, f.agent_id, f.file_name, c.content, c.embedding
        FROM knowledge_chunks c
        JOIN knowledge_files f ON f.id = c.knowledge_file_id
        WHERE f.agent_id=$1 AND f.status='COMPLETED'
    `, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.KnowledgeChunk, 0)
	for rows.Next() {
		var c models.KnowledgeChunk
		var emb pq.Float64Array
		if err := rows.Scan(&c.ID, &c.AgentID, &c.FileName, &c.Content, &emb); err != nil {
			return nil, err
		}
		c.Embedding = []float64(emb)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	var dealID, summary sql.NullString
	var pausedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
        SELECT id, organization_id, agent_id, contact_id, deal_id, ai_paused, paused_at, summary,
               current_step_order, created_at, updated_at
        FROM conversations WHERE id=$1
    `, id).Scan(&c.ID, &c.OrganizationID, &c.AgentID, &c.ContactID, &dealID, &c.AIPaused, &pausedAt,
		&summary, &c.CurrentStepOrder, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if dealID.Valid {
		c.DealID = &dealID.String
	}
	if summary.Valid {
		c.Summary = &summary.String
	}
	if pausedAt.Valid {
		t := pausedAt.Time
		c.PausedAt = &t
	}
	return &c, nil
}

// IsAIPaused reads the pause flag straight from the table, never from a cached conversation
func (s *PostgresStore) IsAIPaused(ctx context.Context, conversationID string) (bool, error) {
	var paused bool
	err := s.db.QueryRowContext(ctx, `SELECT ai_paused FROM conversations WHERE id=$1`, conversationID).Scan(&paused)
	if err != nil {
		return false, notFound(err)
	}
	return paused, nil
}

// HandOff pauses the conversation indefinitely and records the audit activity
func (s *PostgresStore) HandOff(ctx context.Context, conversationID string, activity *models.Activity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE conversations SET ai_paused=true, paused_at=NULL, updated_at=now() WHERE id=$1
        `, conversationID)
		if err != nil {
			return err
		}
		if err := expectOneRow(res); err != nil {
			return err
		}
		return s.insertActivity(ctx, tx, activity)
	})
}

// PauseConversation hands the conversation to a human. A nil pausedAt means no auto-resume.
func (s *PostgresStore) PauseConversation(ctx context.Context, conversationID string, pausedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE conversations SET ai_paused=true, paused_at=$2, updated_at=now() WHERE id=$1
    `, conversationID, pausedAt)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *PostgresStore) ResumeConversation(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE conversations SET ai_paused=false, paused_at=NULL, updated_at=now() WHERE id=$1
    `, conversationID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ResumeTimedPauses clears pauses that carry a timestamp older than before.
// Indefinite pauses (paused_at IS NULL) are never resumed.
func (s *PostgresStore) ResumeTimedPauses(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE conversations SET ai_paused=false, paused_at=NULL, updated_at=now()
        WHERE ai_paused AND paused_at IS NOT NULL AND paused_at < $1
    `, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	meta, err := marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO messages (id, conversation_id, role, content, metadata, is_archived, created_at)
        VALUES ($1,$2,$3,$4,$5,false,$6)
    `, m.ID, m.ConversationID, string(m.Role), m.Content, meta, m.CreatedAt)
	return err
}

// UpdateMessageContent rewrites a message body and merges extra metadata keys into the existing ones
func (s *PostgresStore) UpdateMessageContent(ctx context.Context, id, content string, metadata map[string]any) error {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE messages SET content=$2, metadata=COALESCE(metadata, '{}'::jsonb) || COALESCE($3::jsonb, '{}'::jsonb)
        WHERE id=$1
    `, id, content, meta)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ListRecentMessages returns up to limit of the newest non-archived messages, oldest first
func (s *PostgresStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, conversation_id, role, content, metadata, is_archived, created_at FROM (
            SELECT * FROM messages
            WHERE conversation_id=$1 AND NOT is_archived
            ORDER BY created_at DESC
            LIMIT $2
        ) recent ORDER BY created_at ASC
    `, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ListActiveMessages returns every non-archived message, oldest first
func (s *PostgresStore) ListActiveMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, conversation_id, role, content, metadata, is_archived, created_at
        FROM messages WHERE conversation_id=$1 AND NOT is_archived
        ORDER BY created_at ASC
    `, conversationID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *PostgresStore) CountActiveMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
        SELECT count(*) FROM messages WHERE conversation_id=$1 AND NOT is_archived
    `, conversationID).Scan(&n)
	return n, err
}

// ArchiveWithSummary writes the summary and flips is_archived on messageIDs in one transaction
func (s *PostgresStore) ArchiveWithSummary(ctx context.Context, conversationID, summary string, messageIDs []string) error {
	if summary == "" {
		return errors.New("refusing to archive without a summary")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE conversations SET summary=$2, updated_at=now() WHERE id=$1
        `, conversationID, summary)
		if err != nil {
			return err
		}
		if err := expectOneRow(res); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
            UPDATE messages SET is_archived=true WHERE conversation_id=$1 AND id = ANY($2)
        `, conversationID, pq.Array(messageIDs))
		return err
	})
}

func (s *PostgresStore) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var c models.Contact
	var phone, email, role sql.NullString
	err := s.db.QueryRowContext(ctx, `
        SELECT id, organization_id, name, phone, email, role FROM contacts WHERE id=$1
    `, id).Scan(&c.ID, &c.OrganizationID, &c.Name, &phone, &email, &role)
	if err != nil {
		return nil, notFound(err)
	}
	c.Phone = nullString(phone)
	c.Email = nullString(email)
	c.Role = nullString(role)
	return &c, nil
}

func (s *PostgresStore) UpdateContact(ctx context.Context, id string, u ContactUpdate, activity *models.Activity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE contacts SET
                name  = COALESCE($2, name),
                email = COALESCE($3, email),
                phone = COALESCE($4, phone),
                role  = COALESCE($5, role)
            WHERE id=$1
        `, id, u.Name, u.Email, u.Phone, u.Role)
		if err != nil {
			return err
		}
		if err := expectOneRow(res); err != nil {
			return err
		}
		return s.insertActivity(ctx, tx, activity)
	})
}

func (s *PostgresStore) GetDeal(ctx context.Context, id string) (*models.Deal, error) {
	var d models.Deal
	var status string
	err := s.db.QueryRowContext(ctx, `
        SELECT id, organization_id, title, pipeline_id, stage_id, status, owner_id FROM deals WHERE id=$1
    `, id).Scan(&d.ID, &d.OrganizationID, &d.Title, &d.PipelineID, &d.StageID, &status, &d.OwnerID)
	if err != nil {
		return nil, notFound(err)
	}
	d.Status = models.DealStatus(status)
	return &d, nil
}

func (s *PostgresStore) GetStage(ctx context.Context, id string) (*models.Stage, error) {
	var st models.Stage
	err := s.db.QueryRowContext(ctx, `
        SELECT id, pipeline_id, name, "order" FROM stages WHERE id=$1
    `, id).Scan(&st.ID, &st.PipelineID, &st.Name, &st.Order)
	if err != nil {
		return nil, notFound(err)
	}
	return &st, nil
}

// ListStages returns the stages of a pipeline in board order
func (s *PostgresStore) ListStages(ctx context.Context, pipelineID string) ([]models.Stage, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, pipeline_id, name, "order" FROM stages WHERE pipeline_id=$1 ORDER BY "order" ASC
    `, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Stage, 0)
	for rows.Next() {
		var st models.Stage
		if err := rows.Scan(&st.ID, &st.PipelineID, &st.Name, &st.Order); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MoveDeal(ctx context.Context, dealID, stageID string, status models.DealStatus, activity *models.Activity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE deals SET stage_id=$2, status=$3, updated_at=now() WHERE id=$1
        `, dealID, stageID, string(status))
		if err != nil {
			return err
		}
		if err := expectOneRow(res); err != nil {
			return err
		}
		return s.insertActivity(ctx, tx, activity)
	})
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task, activity *models.Activity) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO tasks (id, organization_id, deal_id, assignee_id, title, due_date, created_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7)
        `, task.ID, task.OrganizationID, task.DealID, task.AssigneeID, task.Title, task.DueDate, task.CreatedAt)
		if err != nil {
			return err
		}
		return s.insertActivity(ctx, tx, activity)
	})
}

// GetCreditBalance returns the organization's available credits; a missing ledger reads as zero
func (s *PostgresStore) GetCreditBalance(ctx context.Context, organizationID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
        SELECT balance FROM usage_ledgers WHERE organization_id=$1
    `, organizationID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// DebitCredits subtracts amount only if the balance covers it
func (s *PostgresStore) DebitCredits(ctx context.Context, organizationID string, amount int64) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE usage_ledgers SET balance = balance - $2, updated_at=now()
        WHERE organization_id=$1 AND balance >= $2
    `, organizationID, amount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (s *PostgresStore) insertActivity(ctx context.Context, tx *sql.Tx, a *models.Activity) error {
	if a == nil {
		return nil
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	meta, err := marshalMetadata(a.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO activities (id, organization_id, deal_id, contact_id, type, description, metadata, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    `, a.ID, a.OrganizationID, a.DealID, a.ContactID, a.Type, a.Description, meta, a.CreatedAt)
	return err
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var role string
	var meta []byte
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &meta, &m.IsArchived, &m.CreatedAt); err != nil {
		return m, err
	}
	m.Role = models.Role(role)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return m, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	out := make([]models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// marshalMetadata returns a JSON string or nil; lib/pq would send []byte as bytea
func marshalMetadata(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
