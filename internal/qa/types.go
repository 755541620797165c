package qa

import "time"

// Status is the lifecycle state of a question.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// ModelIDAdminEdited marks answers written through the admin override path.
const ModelIDAdminEdited = "admin-edited"

// Question is one user-submitted query bound to a content item and section.
type Question struct {
	ID             string
	UserID         string
	ContentID      string
	SectionID      string
	QuestionText   string
	NormalizedHash string
	Status         Status
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SourceRef points at the content location an answer drew from.
type SourceRef struct {
	ContentID string `json:"content_id"`
	Location  string `json:"location"`
}

// Answer is the most recent accepted response to a question (1:1 by ID).
type Answer struct {
	QuestionID       string
	AnswerText       string
	SourceRefs       []SourceRef
	TokensPrompt     int
	TokensCompletion int
	ModelID          string
	LatencyMs        int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Chunk is a unit of source content available for retrieval ranking.
type Chunk struct {
	SectionID string
	Content   string
	Position  int
}

// Snapshot is the cacheable, question-id-independent view of an answer.
type Snapshot struct {
	AnswerText string      `json:"answer_text"`
	SourceRefs []SourceRef `json:"source_refs"`
	TokensUsed int         `json:"tokens_used"`
	ModelID    string      `json:"model_id"`
	Timestamp  time.Time   `json:"timestamp"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// Live reports whether the snapshot is still within its validity window.
func (s Snapshot) Live(now time.Time) bool {
	return s.ExpiresAt.After(now)
}
