// Package worker consumes question.asked events and drives the answer
// pipeline. Delivery is at-least-once: successful messages are acked
// individually, failures stay pending until the reclaim pass redelivers them,
// and messages past the delivery limit are parked on the dead-letter stream.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/noema-labs/noema-qa/config"
	"github.com/noema-labs/noema-qa/internal/queue/streams"
)

// Pipeline is the processing entry point the worker invokes per question.
type Pipeline interface {
	Process(ctx context.Context, questionID string) error
}

// ConsumerAPI captures the stream consumer methods required by the worker.
type ConsumerAPI interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	Pending(ctx context.Context, stream string, minIdle time.Duration, count int64) ([]streams.PendingEntry, error)
	Claim(ctx context.Context, stream string, minIdle time.Duration, ids ...string) ([]streams.Message, error)
	LagMetrics(ctx context.Context, stream string) (streams.LagMetrics, error)
}

// PublisherAPI captures the publishing side used for dead-lettering.
type PublisherAPI interface {
	PublishDeadLetter(ctx context.Context, payload streams.DeadLetterPayload, opts ...streams.PublishOption) (string, error)
}

// Processor runs the consume/process/ack loop for one worker instance.
type Processor struct {
	logger    *log.Logger
	pipeline  Pipeline
	consumer  ConsumerAPI
	publisher PublisherAPI
	cfg       config.QueueConfig

	processedCounter    otelmetric.Int64Counter
	failedCounter       otelmetric.Int64Counter
	deadletteredCounter otelmetric.Int64Counter
}

// NewProcessor constructs a Processor. Zero-valued queue settings fall back
// to the configured defaults.
func NewProcessor(logger *log.Logger, pipeline Pipeline, consumer ConsumerAPI, publisher PublisherAPI, cfg config.QueueConfig, meter otelmetric.Meter) *Processor {
	if cfg.Stream == "" {
		cfg.Stream = streams.StreamQuestionAsked
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.BlockWait <= 0 {
		cfg.BlockWait = 5 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 120 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.HandlerTimeout <= 0 || cfg.HandlerTimeout >= cfg.VisibilityTimeout {
		cfg.HandlerTimeout = cfg.VisibilityTimeout * 3 / 4
	}

	proc := &Processor{
		logger:    logger,
		pipeline:  pipeline,
		consumer:  consumer,
		publisher: publisher,
		cfg:       cfg,
	}
	if meter != nil {
		var err error
		proc.processedCounter, err = meter.Int64Counter("qa_questions_processed")
		if err != nil {
			logger.Printf("warn: create processed counter failed: %v", err)
		}
		proc.failedCounter, err = meter.Int64Counter("qa_questions_failed")
		if err != nil {
			logger.Printf("warn: create failed counter failed: %v", err)
		}
		proc.deadletteredCounter, err = meter.Int64Counter("qa_questions_deadlettered")
		if err != nil {
			logger.Printf("warn: create deadletter counter failed: %v", err)
		}
	}
	return proc
}

// Start blocks, consuming the question stream until the context is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker starting; consuming stream %s", p.cfg.Stream)
	lastReclaim := time.Time{}

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker stopping: %v", ctx.Err())
			return nil
		default:
		}

		if time.Since(lastReclaim) >= p.cfg.VisibilityTimeout/2 {
			p.reclaim(ctx)
			p.logLag(ctx)
			lastReclaim = time.Now()
		}

		msgs, err := p.consumer.Read(ctx, p.cfg.Stream,
			streams.WithBlock(p.cfg.BlockWait),
			streams.WithCount(p.cfg.BatchSize),
		)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		p.handleBatch(ctx, msgs)
	}
}

// handleBatch processes each message independently. A failing message keeps
// its pending entry so the visibility window can redeliver it; the rest of
// the batch still acks.
func (p *Processor) handleBatch(ctx context.Context, msgs []streams.Message) {
	for _, msg := range msgs {
		if err := p.handle(ctx, msg); err != nil {
			p.logger.Printf("error handling message %s: %v", msg.ID, err)
			if p.failedCounter != nil {
				p.failedCounter.Add(ctx, 1)
			}
			continue
		}
		if err := p.consumer.Ack(ctx, p.cfg.Stream, msg.ID); err != nil {
			p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
		}
		if p.processedCounter != nil {
			p.processedCounter.Add(ctx, 1)
		}
	}
}

func (p *Processor) handle(ctx context.Context, msg streams.Message) error {
	var payload streams.QuestionAskedPayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		// Undecodable payloads can never succeed; ack them away.
		p.logger.Printf("dropping undecodable message %s: %v", msg.ID, err)
		if err := p.consumer.Ack(ctx, p.cfg.Stream, msg.ID); err != nil {
			p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
		}
		return nil
	}

	handleCtx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	defer cancel()
	if err := p.pipeline.Process(handleCtx, payload.QuestionID); err != nil {
		return fmt.Errorf("process question %s: %w", payload.QuestionID, err)
	}
	return nil
}

// reclaim redelivers messages whose consumer went quiet for the visibility
// window, and parks entries past the delivery limit on the dead-letter
// stream. Delivery counts come from the consumer group's pending list.
func (p *Processor) reclaim(ctx context.Context) {
	entries, err := p.consumer.Pending(ctx, p.cfg.Stream, p.cfg.VisibilityTimeout, 4*p.cfg.BatchSize)
	if err != nil {
		p.logger.Printf("error listing pending entries: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	var exhausted, retryable []string
	deliveries := make(map[string]int64, len(entries))
	for _, e := range entries {
		deliveries[e.ID] = e.Deliveries
		if e.Deliveries >= p.cfg.MaxDeliveries {
			exhausted = append(exhausted, e.ID)
		} else {
			retryable = append(retryable, e.ID)
		}
	}

	if len(exhausted) > 0 {
		p.deadletter(ctx, exhausted, deliveries)
	}
	if len(retryable) > 0 {
		msgs, err := p.consumer.Claim(ctx, p.cfg.Stream, p.cfg.VisibilityTimeout, retryable...)
		if err != nil {
			p.logger.Printf("error claiming pending entries: %v", err)
			return
		}
		p.logger.Printf("reclaimed %d idle message(s)", len(msgs))
		p.handleBatch(ctx, msgs)
	}
}

func (p *Processor) deadletter(ctx context.Context, ids []string, deliveries map[string]int64) {
	msgs, err := p.consumer.Claim(ctx, p.cfg.Stream, p.cfg.VisibilityTimeout, ids...)
	if err != nil {
		p.logger.Printf("error claiming exhausted entries: %v", err)
		return
	}
	for _, msg := range msgs {
		count := deliveries[msg.ID]
		var payload streams.QuestionAskedPayload
		if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
			p.logger.Printf("dropping undecodable exhausted message %s: %v", msg.ID, err)
		} else {
			if _, err := p.publisher.PublishDeadLetter(ctx, streams.DeadLetterPayload{
				QuestionID: payload.QuestionID,
				Deliveries: count,
				Reason:     "delivery limit exceeded",
			}); err != nil {
				// Keep the entry pending; the next reclaim pass retries the park.
				p.logger.Printf("error dead-lettering message %s: %v", msg.ID, err)
				continue
			}
			p.logger.Printf("dead-lettered question %s after %d deliveries", payload.QuestionID, count)
			if p.deadletteredCounter != nil {
				p.deadletteredCounter.Add(ctx, 1)
			}
		}
		if err := p.consumer.Ack(ctx, p.cfg.Stream, msg.ID); err != nil {
			p.logger.Printf("warn: failed to ack dead-lettered message %s: %v", msg.ID, err)
		}
	}
}

func (p *Processor) logLag(ctx context.Context) {
	metrics, err := p.consumer.LagMetrics(ctx, p.cfg.Stream)
	if err != nil {
		return
	}
	if metrics.Pending > 0 || metrics.Lag > 0 {
		p.logger.Printf("stream %s: pending=%d lag=%d consumers=%d oldest_idle=%s",
			p.cfg.Stream, metrics.Pending, metrics.Lag, metrics.Consumers, metrics.OldestIdle)
	}
}
