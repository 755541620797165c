// Package store persists questions, answers and the read-only content corpus
// in Postgres. Single-row writes only; the one multi-row step (complete) runs
// in a transaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/noema-labs/noema-qa/internal/qa"
)

type Store struct {
	DB *sql.DB
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// HistoryItem pairs a completed question with its answer.
type HistoryItem struct {
	Question qa.Question
	Answer   qa.Answer
}

// CreateQuestion inserts a new question row. An empty ID is generated.
func (s *Store) CreateQuestion(ctx context.Context, q qa.Question) (qa.Question, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.Status == "" {
		q.Status = qa.StatusQueued
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO questions (id, user_id, content_id, section_id, question_text, normalized_hash, status, attempts, last_error, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,0,NULL,NOW(),NOW())
RETURNING created_at, updated_at
`, q.ID, q.UserID, q.ContentID, q.SectionID, q.QuestionText, q.NormalizedHash, string(q.Status))
	if err := row.Scan(&q.CreatedAt, &q.UpdatedAt); err != nil {
		return qa.Question{}, fmt.Errorf("insert question: %w", err)
	}
	return q, nil
}

// CreateAnsweredQuestion inserts a question already in COMPLETED together with
// its answer, in one transaction. Used by the cache-hit submission path.
func (s *Store) CreateAnsweredQuestion(ctx context.Context, q qa.Question, ans qa.Answer) (qa.Question, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	q.Status = qa.StatusCompleted
	ans.QuestionID = q.ID

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return qa.Question{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
INSERT INTO questions (id, user_id, content_id, section_id, question_text, normalized_hash, status, attempts, last_error, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,0,NULL,NOW(),NOW())
RETURNING created_at, updated_at
`, q.ID, q.UserID, q.ContentID, q.SectionID, q.QuestionText, q.NormalizedHash, string(q.Status))
	if err := row.Scan(&q.CreatedAt, &q.UpdatedAt); err != nil {
		return qa.Question{}, fmt.Errorf("insert question: %w", err)
	}
	if err := upsertAnswer(ctx, tx, ans); err != nil {
		return qa.Question{}, err
	}
	if err := tx.Commit(); err != nil {
		return qa.Question{}, fmt.Errorf("commit: %w", err)
	}
	return q, nil
}

// BeginProcessing claims a question for processing with a single conditional
// update: only QUEUED or FAILED rows transition. A false return means another
// worker already owns the question (or it is already terminal) and the caller
// must treat the message as a no-op.
func (s *Store) BeginProcessing(ctx context.Context, questionID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE questions
SET status=$2, attempts=attempts+1, last_error=NULL, updated_at=NOW()
WHERE id=$1 AND status IN ($3,$4)
`, questionID, string(qa.StatusProcessing), string(qa.StatusQueued), string(qa.StatusFailed))
	if err != nil {
		return false, fmt.Errorf("begin processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Complete writes the answer and moves the question to COMPLETED atomically.
func (s *Store) Complete(ctx context.Context, questionID string, ans qa.Answer) error {
	ans.QuestionID = questionID

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertAnswer(ctx, tx, ans); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE questions SET status=$2, last_error=NULL, updated_at=NOW() WHERE id=$1
`, questionID, string(qa.StatusCompleted))
	if err != nil {
		return fmt.Errorf("complete question: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("complete question %s: %w", questionID, qa.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Fail moves the question to FAILED and records the error message. The cache
// is untouched.
func (s *Store) Fail(ctx context.Context, questionID, message string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE questions SET status=$2, last_error=$3, updated_at=NOW() WHERE id=$1
`, questionID, string(qa.StatusFailed), message)
	if err != nil {
		return fmt.Errorf("fail question: %w", err)
	}
	return nil
}

// GetQuestion fetches a question by id.
func (s *Store) GetQuestion(ctx context.Context, questionID string) (qa.Question, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, content_id, section_id, question_text, normalized_hash, status, attempts, last_error, created_at, updated_at
FROM questions WHERE id=$1
`, questionID)
	var q qa.Question
	var status string
	var lastError sql.NullString
	if err := row.Scan(&q.ID, &q.UserID, &q.ContentID, &q.SectionID, &q.QuestionText, &q.NormalizedHash, &status, &q.Attempts, &lastError, &q.CreatedAt, &q.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return qa.Question{}, false, nil
		}
		return qa.Question{}, false, fmt.Errorf("get question: %w", err)
	}
	q.Status = qa.Status(status)
	if lastError.Valid {
		q.LastError = lastError.String
	}
	return q, true, nil
}

// GetAnswer fetches the answer for a question.
func (s *Store) GetAnswer(ctx context.Context, questionID string) (qa.Answer, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT question_id, answer_text, source_refs, tokens_prompt, tokens_completion, model_id, latency_ms, created_at, updated_at
FROM answers WHERE question_id=$1
`, questionID)
	ans, err := scanAnswer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return qa.Answer{}, false, nil
		}
		return qa.Answer{}, false, fmt.Errorf("get answer: %w", err)
	}
	return ans, true, nil
}

// ListHistory returns the most recent completed Q&A pairs for a content item,
// newest first. An empty userID returns all users (admin view).
func (s *Store) ListHistory(ctx context.Context, contentID, userID string, limit int) ([]HistoryItem, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
SELECT q.id, q.user_id, q.content_id, q.section_id, q.question_text, q.normalized_hash, q.status, q.attempts, q.created_at, q.updated_at,
       a.answer_text, a.source_refs, a.tokens_prompt, a.tokens_completion, a.model_id, a.latency_ms, a.created_at, a.updated_at
FROM questions q
JOIN answers a ON a.question_id = q.id
WHERE q.content_id=$1 AND q.status=$2`
	args := []interface{}{contentID, string(qa.StatusCompleted)}
	if strings.TrimSpace(userID) != "" {
		query += " AND q.user_id=$3"
		args = append(args, userID)
	}
	query += fmt.Sprintf(" ORDER BY a.updated_at DESC LIMIT %d", limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []HistoryItem
	for rows.Next() {
		var item HistoryItem
		var status string
		var refs []byte
		if err := rows.Scan(
			&item.Question.ID, &item.Question.UserID, &item.Question.ContentID, &item.Question.SectionID,
			&item.Question.QuestionText, &item.Question.NormalizedHash, &status, &item.Question.Attempts,
			&item.Question.CreatedAt, &item.Question.UpdatedAt,
			&item.Answer.AnswerText, &refs, &item.Answer.TokensPrompt, &item.Answer.TokensCompletion,
			&item.Answer.ModelID, &item.Answer.LatencyMs, &item.Answer.CreatedAt, &item.Answer.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		item.Question.Status = qa.Status(status)
		item.Answer.QuestionID = item.Question.ID
		if len(refs) > 0 {
			if err := json.Unmarshal(refs, &item.Answer.SourceRefs); err != nil {
				return nil, fmt.Errorf("decode source refs: %w", err)
			}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// OverrideAnswer replaces the answer text in place and forces COMPLETED,
// bypassing the queue. Returns the affected question for cache refresh.
func (s *Store) OverrideAnswer(ctx context.Context, questionID, answerText string) (qa.Question, bool, error) {
	q, ok, err := s.GetQuestion(ctx, questionID)
	if err != nil || !ok {
		return qa.Question{}, ok, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return qa.Question{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertAnswer(ctx, tx, qa.Answer{
		QuestionID: questionID,
		AnswerText: answerText,
		ModelID:    qa.ModelIDAdminEdited,
	}); err != nil {
		return qa.Question{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE questions SET status=$2, last_error=NULL, updated_at=NOW() WHERE id=$1
`, questionID, string(qa.StatusCompleted)); err != nil {
		return qa.Question{}, false, fmt.Errorf("override question: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return qa.Question{}, false, fmt.Errorf("commit: %w", err)
	}
	q.Status = qa.StatusCompleted
	return q, true, nil
}

// ContentExists reports whether any chunks exist for the content item.
func (s *Store) ContentExists(ctx context.Context, contentID string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT EXISTS(SELECT 1 FROM content_chunks WHERE content_id=$1)
`, contentID)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("content exists: %w", err)
	}
	return exists, nil
}

// GetChunks returns the corpus for a content item in source order.
func (s *Store) GetChunks(ctx context.Context, contentID string) ([]qa.Chunk, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT section_id, content, position FROM content_chunks WHERE content_id=$1 ORDER BY position
`, contentID)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	var out []qa.Chunk
	for rows.Next() {
		var c qa.Chunk
		if err := rows.Scan(&c.SectionID, &c.Content, &c.Position); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertAnswer(ctx context.Context, db execer, ans qa.Answer) error {
	refs, err := json.Marshal(ans.SourceRefs)
	if err != nil {
		return fmt.Errorf("encode source refs: %w", err)
	}
	if ans.SourceRefs == nil {
		refs = []byte("[]")
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO answers (question_id, answer_text, source_refs, tokens_prompt, tokens_completion, model_id, latency_ms, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())
ON CONFLICT (question_id) DO UPDATE SET
  answer_text = EXCLUDED.answer_text,
  source_refs = EXCLUDED.source_refs,
  tokens_prompt = EXCLUDED.tokens_prompt,
  tokens_completion = EXCLUDED.tokens_completion,
  model_id = EXCLUDED.model_id,
  latency_ms = EXCLUDED.latency_ms,
  updated_at = NOW()
`, ans.QuestionID, ans.AnswerText, refs, ans.TokensPrompt, ans.TokensCompletion, ans.ModelID, ans.LatencyMs)
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAnswer(row rowScanner) (qa.Answer, error) {
	var ans qa.Answer
	var refs []byte
	if err := row.Scan(&ans.QuestionID, &ans.AnswerText, &refs, &ans.TokensPrompt, &ans.TokensCompletion, &ans.ModelID, &ans.LatencyMs, &ans.CreatedAt, &ans.UpdatedAt); err != nil {
		return qa.Answer{}, err
	}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &ans.SourceRefs); err != nil {
			return qa.Answer{}, fmt.Errorf("decode source refs: %w", err)
		}
	}
	return ans, nil
}
