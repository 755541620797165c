// Package service implements the question-answering pipeline: submission with
// content-addressed caching, the lifecycle state machine, retrieval ranking,
// model routing and answer persistence. The HTTP server and the queue worker
// are both thin shells over this package.
package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/noema-labs/noema-qa/internal/provider"
	"github.com/noema-labs/noema-qa/internal/qa"
	"github.com/noema-labs/noema-qa/internal/queue/streams"
	"github.com/noema-labs/noema-qa/internal/ranker"
	"github.com/noema-labs/noema-qa/internal/router"
	"github.com/noema-labs/noema-qa/internal/store"
)

const maxQuestionChars = 2000

const historyLimit = 10

// StoreAPI is the persistence surface the pipeline needs.
type StoreAPI interface {
	CreateQuestion(ctx context.Context, q qa.Question) (qa.Question, error)
	CreateAnsweredQuestion(ctx context.Context, q qa.Question, ans qa.Answer) (qa.Question, error)
	BeginProcessing(ctx context.Context, questionID string) (bool, error)
	Complete(ctx context.Context, questionID string, ans qa.Answer) error
	Fail(ctx context.Context, questionID, message string) error
	GetQuestion(ctx context.Context, questionID string) (qa.Question, bool, error)
	GetAnswer(ctx context.Context, questionID string) (qa.Answer, bool, error)
	ListHistory(ctx context.Context, contentID, userID string, limit int) ([]store.HistoryItem, error)
	OverrideAnswer(ctx context.Context, questionID, answerText string) (qa.Question, bool, error)
	ContentExists(ctx context.Context, contentID string) (bool, error)
	GetChunks(ctx context.Context, contentID string) ([]qa.Chunk, error)
}

// CacheAPI is the answer cache surface. Failures are treated as misses.
type CacheAPI interface {
	Lookup(ctx context.Context, fingerprint string) (qa.Snapshot, bool, error)
	Put(ctx context.Context, fingerprint string, snap qa.Snapshot, ttl time.Duration) error
}

// QueuePublisher enqueues question.asked events.
type QueuePublisher interface {
	PublishQuestionAsked(ctx context.Context, payload streams.QuestionAskedPayload, opts ...streams.PublishOption) (string, error)
}

// Identity is the authenticated caller.
type Identity struct {
	UserID  string
	IsAdmin bool
}

// Service wires the pipeline dependencies together.
type Service struct {
	store    StoreAPI
	cache    CacheAPI
	queue    QueuePublisher
	router   *router.Router
	adapters map[router.ProviderTag]provider.Generator
	cacheTTL time.Duration
	inline   bool
	logger   *log.Logger

	cacheHits otelmetric.Int64Counter
}

// Deps carries the service's constructor dependencies.
type Deps struct {
	Store    StoreAPI
	Cache    CacheAPI
	Queue    QueuePublisher
	Router   *router.Router
	Adapters map[router.ProviderTag]provider.Generator
	CacheTTL time.Duration
	Inline   bool
	Logger   *log.Logger
}

// New builds the service.
func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[QA] ", log.LstdFlags)
	}
	meter := otel.Meter("noema-qa/service")
	cacheHits, err := meter.Int64Counter("qa_cache_hits")
	if err != nil {
		logger.Printf("warn: create cache hit counter failed: %v", err)
	}
	return &Service{
		store:     deps.Store,
		cache:     deps.Cache,
		queue:     deps.Queue,
		router:    deps.Router,
		adapters:  deps.Adapters,
		cacheTTL:  deps.CacheTTL,
		inline:    deps.Inline,
		logger:    logger,
		cacheHits: cacheHits,
	}
}

// SubmitResult is the outcome of a submission.
type SubmitResult struct {
	Question qa.Question
	Cached   bool
}

// Submit validates and records a new question. A cache hit produces a
// completed question immediately without touching the queue; a miss leaves
// the question QUEUED and publishes a question.asked event.
func (s *Service) Submit(ctx context.Context, id Identity, contentID, sectionID, questionText string) (SubmitResult, error) {
	if strings.TrimSpace(questionText) == "" {
		return SubmitResult{}, fmt.Errorf("empty question: %w", qa.ErrInvalid)
	}
	if utf8.RuneCountInString(questionText) > maxQuestionChars {
		return SubmitResult{}, fmt.Errorf("question exceeds %d chars: %w", maxQuestionChars, qa.ErrInvalid)
	}
	exists, err := s.store.ContentExists(ctx, contentID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("check content: %w", err)
	}
	if !exists {
		return SubmitResult{}, fmt.Errorf("content %s: %w", contentID, qa.ErrNotFound)
	}

	hash := qa.NormalizedHash(questionText)
	fingerprint := qa.Fingerprint(hash, contentID, sectionID)

	snap, hit, err := s.cache.Lookup(ctx, fingerprint)
	if err != nil {
		s.logger.Printf("cache lookup failed, treating as miss: %v", err)
		hit = false
	}

	question := qa.Question{
		UserID:         id.UserID,
		ContentID:      contentID,
		SectionID:      sectionID,
		QuestionText:   questionText,
		NormalizedHash: hash,
	}

	if hit {
		if s.cacheHits != nil {
			s.cacheHits.Add(ctx, 1)
		}
		created, err := s.store.CreateAnsweredQuestion(ctx, question, qa.Answer{
			AnswerText:       snap.AnswerText,
			SourceRefs:       snap.SourceRefs,
			TokensPrompt:     snap.TokensUsed,
			TokensCompletion: 0,
			ModelID:          snap.ModelID,
		})
		if err != nil {
			return SubmitResult{}, fmt.Errorf("record cached answer: %w", err)
		}
		return SubmitResult{Question: created, Cached: true}, nil
	}

	question.Status = qa.StatusQueued
	created, err := s.store.CreateQuestion(ctx, question)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create question: %w", err)
	}
	if _, err := s.queue.PublishQuestionAsked(ctx, streams.QuestionAskedPayload{
		QuestionID: created.ID,
		UserID:     created.UserID,
		ContentID:  created.ContentID,
		SectionID:  created.SectionID,
	}); err != nil {
		// The row stays QUEUED; inline reads or a manual requeue can recover it.
		return SubmitResult{}, fmt.Errorf("enqueue question %s: %w", created.ID, err)
	}
	return SubmitResult{Question: created}, nil
}

// Process runs the answer pipeline for one question. It is safe to call
// concurrently for the same id: the conditional status transition admits a
// single processor and every other call is a no-op.
func (s *Service) Process(ctx context.Context, questionID string) error {
	q, ok, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return fmt.Errorf("load question: %w", err)
	}
	if !ok {
		s.logger.Printf("question %s no longer exists, dropping", questionID)
		return nil
	}

	claimed, err := s.store.BeginProcessing(ctx, questionID)
	if err != nil {
		return fmt.Errorf("claim question: %w", err)
	}
	if !claimed {
		return nil
	}

	chunks, err := s.store.GetChunks(ctx, q.ContentID)
	if err != nil {
		msg := fmt.Sprintf("load chunks: %v", err)
		s.fail(ctx, questionID, msg)
		return fmt.Errorf("load chunks: %w", err)
	}

	selected := ranker.Rank(ranker.Tokenize(q.QuestionText), chunks, q.SectionID, ranker.DefaultLimit)
	route := s.router.Select(q.QuestionText, ranker.ContextChars(selected))
	adapter, ok := s.adapters[route.Provider]
	if !ok {
		msg := fmt.Sprintf("no adapter for provider %s", route.Provider)
		s.fail(ctx, questionID, msg)
		return fmt.Errorf("%s", msg)
	}

	start := time.Now()
	res, err := adapter.Generate(ctx, buildPrompt(q.QuestionText, selected), route.ModelID)
	if err != nil {
		s.fail(ctx, questionID, err.Error())
		return fmt.Errorf("generate answer: %w", err)
	}
	latency := time.Since(start)

	text := res.Text
	if strings.TrimSpace(text) == "" {
		text = degradedAnswer(q.QuestionText, selected)
	}

	refs := make([]qa.SourceRef, 0, len(selected))
	for _, c := range selected {
		refs = append(refs, qa.SourceRef{
			ContentID: q.ContentID,
			Location:  fmt.Sprintf("%s#%d", c.SectionID, c.Position),
		})
	}

	ans := qa.Answer{
		AnswerText:       text,
		SourceRefs:       refs,
		TokensPrompt:     res.InputTokens,
		TokensCompletion: res.OutputTokens,
		ModelID:          route.Qualified(),
		LatencyMs:        latency.Milliseconds(),
	}
	if err := s.store.Complete(ctx, questionID, ans); err != nil {
		// Move the question to FAILED so the redelivered attempt can reclaim
		// it; left in PROCESSING it would never be retried.
		s.fail(ctx, questionID, fmt.Sprintf("complete question: %v", err))
		return fmt.Errorf("complete question: %w", err)
	}

	fingerprint := qa.Fingerprint(q.NormalizedHash, q.ContentID, q.SectionID)
	if err := s.cache.Put(ctx, fingerprint, qa.Snapshot{
		AnswerText: text,
		SourceRefs: refs,
		TokensUsed: res.InputTokens + res.OutputTokens,
		ModelID:    route.Qualified(),
	}, s.cacheTTL); err != nil {
		s.logger.Printf("cache write failed for question %s: %v", questionID, err)
	}
	return nil
}

func (s *Service) fail(ctx context.Context, questionID, message string) {
	if err := s.store.Fail(ctx, questionID, message); err != nil {
		s.logger.Printf("record failure for question %s: %v", questionID, err)
	}
}

// ReadResult is the state-dependent outcome of a read.
type ReadResult struct {
	Question qa.Question
	Answer   *qa.Answer
	// Message carries the user-safe failure text when the question FAILED.
	Message string
}

// ReadAnswer returns the question's current state and, when completed, its
// answer. Callers see the owner's questions only, unless they are admins.
// FAILED questions expose a generic message, never the internal error.
func (s *Service) ReadAnswer(ctx context.Context, id Identity, questionID string) (ReadResult, error) {
	q, ok, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return ReadResult{}, fmt.Errorf("load question: %w", err)
	}
	if !ok {
		return ReadResult{}, fmt.Errorf("question %s: %w", questionID, qa.ErrNotFound)
	}
	if q.UserID != id.UserID && !id.IsAdmin {
		return ReadResult{}, fmt.Errorf("question %s: %w", questionID, qa.ErrForbidden)
	}

	if s.inline && q.Status == qa.StatusQueued {
		if err := s.Process(ctx, questionID); err != nil {
			s.logger.Printf("inline processing of question %s: %v", questionID, err)
		}
		if q2, ok, err := s.store.GetQuestion(ctx, questionID); err == nil && ok {
			q = q2
		}
	}

	switch q.Status {
	case qa.StatusCompleted:
		ans, ok, err := s.store.GetAnswer(ctx, questionID)
		if err != nil {
			return ReadResult{}, fmt.Errorf("load answer: %w", err)
		}
		if !ok {
			return ReadResult{}, fmt.Errorf("answer for question %s: %w", questionID, qa.ErrNotFound)
		}
		return ReadResult{Question: q, Answer: &ans}, nil
	case qa.StatusFailed:
		// Admins see the stored error; end users only the generic message.
		msg := qa.GenericFailureMessage
		if id.IsAdmin && q.LastError != "" {
			msg = q.LastError
		}
		return ReadResult{Question: q, Message: msg}, nil
	default:
		return ReadResult{Question: q}, nil
	}
}

// ListHistory returns the caller's completed Q&A pairs for a content item,
// newest first. Admins see every user's history for the content.
func (s *Service) ListHistory(ctx context.Context, id Identity, contentID string) ([]store.HistoryItem, error) {
	userID := id.UserID
	if id.IsAdmin {
		userID = ""
	}
	return s.store.ListHistory(ctx, contentID, userID, historyLimit)
}

// AdminOverrideAnswer replaces an answer with curated text, forcing the
// question COMPLETED regardless of its prior state, and refreshes the cache
// so later identical submissions see the corrected text.
func (s *Service) AdminOverrideAnswer(ctx context.Context, id Identity, questionID, answerText string) error {
	if !id.IsAdmin {
		return fmt.Errorf("override question %s: %w", questionID, qa.ErrForbidden)
	}
	if strings.TrimSpace(answerText) == "" {
		return fmt.Errorf("empty override text: %w", qa.ErrInvalid)
	}
	q, ok, err := s.store.OverrideAnswer(ctx, questionID, answerText)
	if err != nil {
		return fmt.Errorf("override answer: %w", err)
	}
	if !ok {
		return fmt.Errorf("question %s: %w", questionID, qa.ErrNotFound)
	}

	fingerprint := qa.Fingerprint(q.NormalizedHash, q.ContentID, q.SectionID)
	if err := s.cache.Put(ctx, fingerprint, qa.Snapshot{
		AnswerText: answerText,
		ModelID:    qa.ModelIDAdminEdited,
	}, s.cacheTTL); err != nil {
		s.logger.Printf("cache refresh after override of question %s: %v", questionID, err)
	}
	return nil
}

func buildPrompt(questionText string, chunks []qa.Chunk) string {
	var b strings.Builder
	b.WriteString("Answer the learner's question using only the provided course material.\n\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "[Passage %d, section %s]\n%s\n\n", i+1, c.SectionID, c.Content)
	}
	b.WriteString("Question: ")
	b.WriteString(questionText)
	return b.String()
}

// degradedAnswer is the deterministic text used when the backend returns
// nothing, which is the normal outcome of the mock provider. It embeds the
// question verbatim so the response is self-describing.
func degradedAnswer(questionText string, chunks []qa.Chunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "No language model is configured, so here is the most relevant course material for your question %q:\n", questionText)
	for _, c := range chunks {
		fmt.Fprintf(&b, "\n- [%s] %s", c.SectionID, c.Content)
	}
	return b.String()
}
