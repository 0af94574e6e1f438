package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringList is a []string persisted as JSONB. The mandated wire form for
// reply bubbles is a list of chunks, never concatenated text.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	if src == nil {
		*l = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// Metadata is a small free-form mapping persisted as JSONB. Values are
// limited to serializable scalars, strings and lists.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}
}

// ReviewStatus enumerates the interaction review lifecycle.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewInReview  ReviewStatus = "in_review"
	ReviewApproved  ReviewStatus = "approved"
	ReviewRejected  ReviewStatus = "rejected"
	ReviewDelivered ReviewStatus = "delivered"
)

// RiskRecommendation is the policy filter verdict.
type RiskRecommendation string

const (
	RiskApprove RiskRecommendation = "approve"
	RiskReview  RiskRecommendation = "review"
	RiskReject  RiskRecommendation = "reject"
)

// ProtocolStatus enumerates the per-user silence protocol states.
type ProtocolStatus string

const (
	ProtocolActive   ProtocolStatus = "ACTIVE"
	ProtocolInactive ProtocolStatus = "INACTIVE"
)

// ProtocolAction enumerates audited protocol operations.
type ProtocolAction string

const (
	ActionActivate    ProtocolAction = "ACTIVATE"
	ActionDeactivate  ProtocolAction = "DEACTIVATE"
	ActionOneTimePass ProtocolAction = "ONE_TIME_PASS"
)

// User is a reviewer/operator account on the control surface.
type User struct {
	ID           string `gorm:"primaryKey;size:64"`
	Username     string `gorm:"uniqueIndex;size:128"`
	Email        string `gorm:"index;size:256"`
	PasswordHash string
	Role         string `gorm:"size:32"` // admin, reviewer, viewer
	Enabled      bool   `gorm:"default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
}

// TableName pins the table name expected by the persisted state layout.
func (User) TableName() string { return "users" }

// UserSession is a refresh-token session row.
type UserSession struct {
	ID               string `gorm:"primaryKey;size:64"`
	UserID           string `gorm:"index;size:64"`
	RefreshTokenHash string `gorm:"size:128"`
	UserAgent        string `gorm:"size:256"`
	IP               string `gorm:"size:64"`
	CreatedAt        time.Time
	ExpiresAt        time.Time `gorm:"index"`
	RevokedAt        *time.Time
}

func (UserSession) TableName() string { return "user_sessions" }

// Interaction is the whole record of a user's incoming turn, the generated
// candidate and its review outcome.
type Interaction struct {
	ID                 string `gorm:"primaryKey;size:64"`
	UserID             string `gorm:"index:idx_interactions_user;index:idx_interactions_user_status,priority:1;size:64"`
	UserMessage        string
	RawGeneration      string
	RefinedBubbles     StringList `gorm:"type:jsonb"`
	RiskScore          float64
	RiskFlags          StringList         `gorm:"type:jsonb"`
	RiskRecommendation RiskRecommendation `gorm:"size:16"`
	PriorityScore      float64            `gorm:"index"`
	ReviewStatus       ReviewStatus       `gorm:"size:16;index;index:idx_interactions_user_status,priority:2"`
	ReviewerID         *string            `gorm:"size:64"`
	EditTags           StringList         `gorm:"type:jsonb"`
	FinalBubbles       StringList         `gorm:"type:jsonb"`
	QualityScore       *int
	ReviewerNotes      *string
	NoDeliver          bool `gorm:"default:false"` // tagged for non-delivery after user-level cancellation
	CreatedAt          time.Time
	ReviewStartedAt    *time.Time
	DecidedAt          *time.Time
	DeliveredAt        *time.Time
}

func (Interaction) TableName() string { return "interactions" }

// HumanEdit captures the reviewer delta applied at approval time.
type HumanEdit struct {
	ID              string `gorm:"primaryKey;size:64"`
	InteractionID   string `gorm:"index;size:64"`
	ReviewerID      string `gorm:"size:64"`
	EditTags        StringList `gorm:"type:jsonb"`
	OriginalBubbles StringList `gorm:"type:jsonb"`
	FinalBubbles    StringList `gorm:"type:jsonb"`
	QualityScore    int
	CreatedAt       time.Time
}

func (HumanEdit) TableName() string { return "human_edits" }

// UserProtocolStatus is the per-user silence protocol row.
type UserProtocolStatus struct {
	UserID               string         `gorm:"primaryKey;size:64"`
	Status               ProtocolStatus `gorm:"size:16"`
	ActivatedBy          string         `gorm:"size:64"`
	ActivatedAt          *time.Time
	Reason               string
	MessagesQuarantined  int64
	CostSaved            float64
	LastMessageAt        *time.Time
	UpdatedAt            time.Time
}

func (UserProtocolStatus) TableName() string { return "user_protocol_status" }

// QuarantineMessage is a message staged while a user's protocol is ACTIVE.
type QuarantineMessage struct {
	ID                string `gorm:"primaryKey;size:64"`
	UserID            string `gorm:"index;size:64"`
	Text              string
	ExternalMessageID string `gorm:"size:128"`
	ReceivedAt        time.Time
	ExpiresAt         time.Time `gorm:"index"`
	Processed         bool      `gorm:"index"`
	ProcessedAt       *time.Time
	ProcessedBy       *string `gorm:"size:64"`
}

func (QuarantineMessage) TableName() string { return "quarantine_messages" }

// ProtocolAuditLog is the append-only audit trail of protocol actions.
type ProtocolAuditLog struct {
	ID             uint           `gorm:"primaryKey;autoIncrement"`
	UserID         string         `gorm:"index;size:64"`
	Action         ProtocolAction `gorm:"size:16"`
	PerformedBy    string         `gorm:"size:64"`
	Reason         string
	PreviousStatus ProtocolStatus `gorm:"size:16"`
	NewStatus      ProtocolStatus `gorm:"size:16"`
	CreatedAt      time.Time      `gorm:"index"`
}

func (ProtocolAuditLog) TableName() string { return "protocol_audit_log" }

// AgentConfig holds named agent configuration blobs.
type AgentConfig struct {
	Name      string   `gorm:"primaryKey;size:128"`
	Config    Metadata `gorm:"type:jsonb"`
	UpdatedAt time.Time
}

func (AgentConfig) TableName() string { return "agent_config" }

// PromptLibraryEntry is a reusable prompt fragment for the generators.
type PromptLibraryEntry struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"uniqueIndex;size:128"`
	Category  string `gorm:"index;size:64"`
	Content   string
	Active    bool `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PromptLibraryEntry) TableName() string { return "prompt_library" }

// MemoryInteractionMetadata is the warm memory tier row.
type MemoryInteractionMetadata struct {
	ID             string  `gorm:"primaryKey;size:64"`
	UserID         string  `gorm:"index:idx_memory_user;index:idx_memory_user_ts,priority:1;size:64"`
	Content        string
	MemoryType     string  `gorm:"size:32"`
	Importance     float64
	Tier           string   `gorm:"size:16;index"`
	Meta           Metadata `gorm:"type:jsonb"`
	RetrievalCount int64
	LastRetrieved  *time.Time
	Timestamp      time.Time `gorm:"index:idx_memory_user_ts,priority:2"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (MemoryInteractionMetadata) TableName() string { return "memory_interaction_metadata" }

// MemoryUserProfile holds per-user memory bookkeeping plus the preference
// signals the context builder consumes.
type MemoryUserProfile struct {
	UserID              string     `gorm:"primaryKey;size:64"`
	Interests           StringList `gorm:"type:jsonb"`
	ConversationTopics  StringList `gorm:"type:jsonb"`
	LastConsolidationAt *time.Time
	UpdatedAt           time.Time
}

func (MemoryUserProfile) TableName() string { return "memory_user_profiles" }

// AuthAuditLog is the append-only authentication audit trail.
type AuthAuditLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	UserID    string `gorm:"index;size:64"`
	Username  string `gorm:"size:128"`
	Action    string `gorm:"size:32"`
	Success   bool
	Detail    string
	IP        string `gorm:"size:64"`
	CreatedAt time.Time
}

func (AuthAuditLog) TableName() string { return "auth_audit_log" }
