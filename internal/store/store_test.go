package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/noema-labs/noema-qa/internal/qa"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &Store{DB: db}, mock
}

func TestCreateQuestionGeneratesID(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO questions")).
		WithArgs(sqlmock.AnyArg(), "u1", "c1", "s1", "what is x", "hash", "QUEUED").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	q, err := s.CreateQuestion(context.Background(), qa.Question{
		UserID:       "u1",
		ContentID:    "c1",
		SectionID:    "s1",
		QuestionText: "what is x",
		NormalizedHash: "hash",
	})
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	if q.ID == "" {
		t.Error("CreateQuestion left ID empty")
	}
	if q.Status != qa.StatusQueued {
		t.Errorf("Status = %s, want QUEUED", q.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBeginProcessingClaims(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE questions")).
		WithArgs("q1", "PROCESSING", "QUEUED", "FAILED").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.BeginProcessing(context.Background(), "q1")
	if err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	if !ok {
		t.Error("BeginProcessing did not claim an eligible question")
	}
}

func TestBeginProcessingLosesRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE questions")).
		WithArgs("q1", "PROCESSING", "QUEUED", "FAILED").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.BeginProcessing(context.Background(), "q1")
	if err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	if ok {
		t.Error("BeginProcessing claimed a question already taken")
	}
}

func TestCompleteUpsertsAnswerAndTransitions(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO answers")).
		WithArgs("q1", "the answer", []byte(`[{"content_id":"c1","location":"s1#2"}]`), 10, 4, "openai:gpt-4o-mini", int64(812)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE questions SET status=$2")).
		WithArgs("q1", "COMPLETED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Complete(context.Background(), "q1", qa.Answer{
		AnswerText:       "the answer",
		SourceRefs:       []qa.SourceRef{{ContentID: "c1", Location: "s1#2"}},
		TokensPrompt:     10,
		TokensCompletion: 4,
		ModelID:          "openai:gpt-4o-mini",
		LatencyMs:        812,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCompleteUnknownQuestion(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO answers")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE questions SET status=$2")).
		WithArgs("ghost", "COMPLETED").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Complete(context.Background(), "ghost", qa.Answer{AnswerText: "a"})
	if err == nil {
		t.Fatal("Complete succeeded for an unknown question")
	}
}

func TestGetQuestionMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, ok, err := s.GetQuestion(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if ok {
		t.Error("GetQuestion reported a missing row as found")
	}
}

func TestGetAnswerDecodesRefs(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"question_id", "answer_text", "source_refs", "tokens_prompt", "tokens_completion", "model_id", "latency_ms", "created_at", "updated_at",
	}).AddRow("q1", "text", []byte(`[{"content_id":"c1","location":"s1#0"}]`), 9, 3, "mock:mock", int64(5), now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT question_id, answer_text")).
		WithArgs("q1").
		WillReturnRows(rows)

	ans, ok, err := s.GetAnswer(context.Background(), "q1")
	if err != nil {
		t.Fatalf("GetAnswer: %v", err)
	}
	if !ok {
		t.Fatal("GetAnswer missed an existing row")
	}
	if len(ans.SourceRefs) != 1 || ans.SourceRefs[0].Location != "s1#0" {
		t.Errorf("SourceRefs = %+v", ans.SourceRefs)
	}
}

func TestListHistoryScopedToUser(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "content_id", "section_id", "question_text", "normalized_hash", "status", "attempts", "created_at", "updated_at",
		"answer_text", "source_refs", "tokens_prompt", "tokens_completion", "model_id", "latency_ms", "a_created_at", "a_updated_at",
	}).AddRow("q1", "u1", "c1", "s1", "what", "h", "COMPLETED", 1, now, now,
		"ans", []byte(`[]`), 1, 1, "mock:mock", int64(0), now, now)
	mock.ExpectQuery(regexp.QuoteMeta("JOIN answers a ON a.question_id = q.id")).
		WithArgs("c1", "COMPLETED", "u1").
		WillReturnRows(rows)

	items, err := s.ListHistory(context.Background(), "c1", "u1", 10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Answer.QuestionID != "q1" {
		t.Errorf("QuestionID = %s", items[0].Answer.QuestionID)
	}
}

func TestListHistoryAdminSeesAll(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("JOIN answers a ON a.question_id = q.id")).
		WithArgs("c1", "COMPLETED").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.ListHistory(context.Background(), "c1", "", 10); err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestOverrideAnswerForcesCompleted(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	qRows := sqlmock.NewRows([]string{
		"id", "user_id", "content_id", "section_id", "question_text", "normalized_hash", "status", "attempts", "last_error", "created_at", "updated_at",
	}).AddRow("q1", "u1", "c1", "s1", "what", "h", "FAILED", 3, "provider down", now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id")).
		WithArgs("q1").
		WillReturnRows(qRows)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO answers")).
		WithArgs("q1", "corrected", []byte(`[]`), 0, 0, qa.ModelIDAdminEdited, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE questions SET status=$2")).
		WithArgs("q1", "COMPLETED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	q, ok, err := s.OverrideAnswer(context.Background(), "q1", "corrected")
	if err != nil {
		t.Fatalf("OverrideAnswer: %v", err)
	}
	if !ok {
		t.Fatal("OverrideAnswer missed an existing question")
	}
	if q.Status != qa.StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", q.Status)
	}
}

func TestContentExists(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.ContentExists(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ContentExists: %v", err)
	}
	if !ok {
		t.Error("ContentExists = false for seeded content")
	}
}

func TestGetChunksOrdered(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"section_id", "content", "position"}).
		AddRow("s1", "first chunk", 0).
		AddRow("s2", "second chunk", 1)
	mock.ExpectQuery(regexp.QuoteMeta("FROM content_chunks")).
		WithArgs("c1").
		WillReturnRows(rows)

	chunks, err := s.GetChunks(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Position != 0 || chunks[1].SectionID != "s2" {
		t.Errorf("chunks = %+v", chunks)
	}
}
