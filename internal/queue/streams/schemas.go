package streams

import "fmt"

// Stream and event names for the question pipeline.
const (
	StreamQuestionAsked = "qa.question.asked"
	StreamDeadLetter    = "qa.question.deadletter"

	EventQuestionAsked = "question.asked"
	EventDeadLetter    = "question.deadletter"

	SchemaVersionV1 = "v1"
)

// QuestionAskedPayload is the body of a question.asked event. Only the
// question id is authoritative; the rest is diagnostic context.
type QuestionAskedPayload struct {
	QuestionID string `json:"question_id"`
	UserID     string `json:"user_id,omitempty"`
	ContentID  string `json:"content_id,omitempty"`
	SectionID  string `json:"section_id,omitempty"`
}

// DeadLetterPayload wraps an exhausted message together with the reason it
// was parked.
type DeadLetterPayload struct {
	QuestionID string `json:"question_id"`
	Deliveries int64  `json:"deliveries"`
	Reason     string `json:"reason"`
}

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventQuestionAsked,
		Version:   SchemaVersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["question_id"],
  "properties": {
    "question_id": {"type": "string", "minLength": 1},
    "user_id": {"type": "string"},
    "content_id": {"type": "string"},
    "section_id": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventDeadLetter,
		Version:   SchemaVersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["question_id", "deliveries"],
  "properties": {
    "question_id": {"type": "string", "minLength": 1},
    "deliveries": {"type": "integer", "minimum": 1},
    "reason": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
}

// BaseDefinitions returns the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the baseline event schemas into the provided registry.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
