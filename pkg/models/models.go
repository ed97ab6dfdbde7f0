package models

import (
	"time"
)

// Conversation models

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Conversation is a chat thread between one contact and one agent
type Conversation struct {
	ID               string     `json:"id" db:"id"`
	OrganizationID   string     `json:"organization_id" db:"organization_id"`
	AgentID          string     `json:"agent_id" db:"agent_id"`
	ContactID        string     `json:"contact_id" db:"contact_id"`
	DealID           *string    `json:"deal_id,omitempty" db:"deal_id"`
	AIPaused         bool       `json:"ai_paused" db:"ai_paused"`
	PausedAt         *time.Time `json:"paused_at,omitempty" db:"paused_at"` // nil while paused means no auto-resume
	Summary          *string    `json:"summary,omitempty" db:"summary"`
	CurrentStepOrder int        `json:"current_step_order" db:"current_step_order"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Message is a single turn in a conversation
type Message struct {
	ID             string         `json:"id" db:"id"`
	ConversationID string         `json:"conversation_id" db:"conversation_id"`
	Role           Role           `json:"role" db:"role"`
	Content        string         `json:"content" db:"content"`
	Metadata       map[string]any `json:"metadata,omitempty" db:"metadata"`
	IsArchived     bool           `json:"is_archived" db:"is_archived"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// Agent configuration models

// Step is one stage of the agent's sales process
type Step struct {
	Name      string `json:"name"`
	Objective string `json:"objective"`
	Order     int    `json:"order"`
}

// Agent is the read-only persona and policy the pipeline runs under
type Agent struct {
	ID             string   `json:"id" db:"id"`
	OrganizationID string   `json:"organization_id" db:"organization_id"`
	Name           string   `json:"name" db:"name"`
	Persona        string   `json:"persona" db:"persona"`
	Model          string   `json:"model" db:"model"`
	EnabledTools   []string `json:"enabled_tools" db:"enabled_tools"`
	PipelineIDs    []string `json:"pipeline_ids" db:"pipeline_ids"`
	Steps          []Step   `json:"steps" db:"steps"`
}

// KnowledgeChunk is an embedded excerpt of a completed knowledge file
type KnowledgeChunk struct {
	ID        string    `json:"id" db:"id"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	FileName  string    `json:"file_name" db:"file_name"`
	Content   string    `json:"content" db:"content"`
	Embedding []float64 `json:"-" db:"embedding"`
}

// KnowledgeMatch is a chunk scored against a query
type KnowledgeMatch struct {
	Content    string  `json:"content"`
	FileName   string  `json:"file_name"`
	Similarity float64 `json:"similarity"`
}

// Organization holds the settings the pipeline needs from the tenant
type Organization struct {
	ID       string `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Timezone string `json:"timezone" db:"timezone"`
	Locale   string `json:"locale" db:"locale"`
}

// CRM models

// Contact is the customer on the other side of the conversation
type Contact struct {
	ID             string  `json:"id" db:"id"`
	OrganizationID string  `json:"organization_id" db:"organization_id"`
	Name           string  `json:"name" db:"name"`
	Phone          *string `json:"phone,omitempty" db:"phone"`
	Email          *string `json:"email,omitempty" db:"email"`
	Role           *string `json:"role,omitempty" db:"role"`
}

// DealStatus tracks the lifecycle of a deal
type DealStatus string

const (
	DealStatusOpen       DealStatus = "OPEN"
	DealStatusInProgress DealStatus = "IN_PROGRESS"
	DealStatusWon        DealStatus = "WON"
	DealStatusLost       DealStatus = "LOST"
)

// Deal is an opportunity sitting in a pipeline stage
type Deal struct {
	ID             string     `json:"id" db:"id"`
	OrganizationID string     `json:"organization_id" db:"organization_id"`
	Title          string     `json:"title" db:"title"`
	PipelineID     string     `json:"pipeline_id" db:"pipeline_id"`
	StageID        string     `json:"stage_id" db:"stage_id"`
	Status         DealStatus `json:"status" db:"status"`
	OwnerID        string     `json:"owner_id" db:"owner_id"`
}

// Stage is a column of a pipeline
type Stage struct {
	ID         string `json:"id" db:"id"`
	PipelineID string `json:"pipeline_id" db:"pipeline_id"`
	Name       string `json:"name" db:"name"`
	Order      int    `json:"order" db:"order"`
}

// Task is a follow-up assigned to a user
type Task struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	DealID         string    `json:"deal_id" db:"deal_id"`
	AssigneeID     string    `json:"assignee_id" db:"assignee_id"`
	Title          string    `json:"title" db:"title"`
	DueDate        time.Time `json:"due_date" db:"due_date"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Activity is an audit row written by every mutating capability
type Activity struct {
	ID             string         `json:"id" db:"id"`
	OrganizationID string         `json:"organization_id" db:"organization_id"`
	DealID         *string        `json:"deal_id,omitempty" db:"deal_id"`
	ContactID      *string        `json:"contact_id,omitempty" db:"contact_id"`
	Type           string         `json:"type" db:"type"`
	Description    string         `json:"description" db:"description"`
	Metadata       map[string]any `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// Inbound job payload

// MessageType is the kind of inbound channel message
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeImage    MessageType = "image"
	MessageTypeDocument MessageType = "document"
)

// Media describes the binary attached to an inbound message
type Media struct {
	MimeType string `json:"mimetype"`
	FileName string `json:"fileName,omitempty"`
	Seconds  int    `json:"seconds,omitempty"`
}

// InboundMessage is the channel message that triggered a job
type InboundMessage struct {
	Type          MessageType `json:"type"`
	Text          string      `json:"text,omitempty"`
	Media         *Media      `json:"media,omitempty"`
	RemoteAddress string      `json:"remoteAddress"`
	InstanceID    string      `json:"instanceId"`
	MessageID     string      `json:"messageId"`
	// StoredMessageID is the id of the persisted user message, rewritten after transcription
	StoredMessageID string `json:"storedMessageId,omitempty"`
}

// MessageJob is the payload of one pipeline run
type MessageJob struct {
	Message        InboundMessage `json:"message"`
	AgentID        string         `json:"agentId"`
	ConversationID string         `json:"conversationId"`
	OrganizationID string         `json:"organizationId"`
	DebounceToken  string         `json:"debounceToken"`
}
