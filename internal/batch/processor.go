package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Handler executes one kind of operation against its collaborator.
type Handler interface {
	Handle(ctx context.Context, op Operation) (message string, payload map[string]any, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, op Operation) (string, map[string]any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, op Operation) (string, map[string]any, error) {
	return f(ctx, op)
}

// Processor dispatches operations to registered handlers. Handler errors
// and panics are converted into failed results at the operation boundary;
// they never abort sibling operations in the same chunk.
type Processor struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
	clock    Clock
	logger   *zap.Logger
}

// NewProcessor builds a Processor with no handlers registered.
func NewProcessor(clock Clock, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		handlers: make(map[Kind]Handler),
		clock:    clock,
		logger:   logger,
	}
}

// Register installs the handler for a kind, replacing any previous one.
func (p *Processor) Register(kind Kind, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Execute runs the operations under the given config and returns a report.
// The result list preserves input order regardless of execution mode. In
// fail-fast sequential mode the list is a prefix of the input; in fail-fast
// parallel mode it covers every chunk that was started.
func (p *Processor) Execute(ctx context.Context, cfg Config, ops []Operation) Report {
	start := p.clock.Now()
	var results []Result
	switch {
	case cfg.DryRun:
		results = p.dryRun(ops)
	case cfg.Parallel:
		results = p.runParallel(ctx, cfg, ops)
	default:
		results = p.runSequential(ctx, cfg, ops)
	}
	end := p.clock.Now()
	report := Report{
		Timestamp: start,
		Config:    cfg,
		Results:   results,
		Summary:   Summarize(results, end.Sub(start).Milliseconds()),
	}
	p.logger.Info("batch finished",
		zap.Int("total", report.Summary.Total),
		zap.Int("success", report.Summary.Success),
		zap.Int("failed", report.Summary.Failed),
		zap.Int("skipped", report.Summary.Skipped),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("parallel", cfg.Parallel))
	return report
}

// dryRun short-circuits every operation without touching collaborators.
func (p *Processor) dryRun(ops []Operation) []Result {
	results := make([]Result, len(ops))
	for i, op := range ops {
		results[i] = Result{
			Operation: op,
			Status:    StatusSkipped,
			Message:   fmt.Sprintf("dry run: %s operation not executed", op.Kind),
		}
	}
	return results
}

func (p *Processor) runSequential(ctx context.Context, cfg Config, ops []Operation) []Result {
	var results []Result
	for _, op := range ops {
		res := p.runOne(ctx, op)
		results = append(results, res)
		if res.Status == StatusFailed && !cfg.ContinueOnError {
			break
		}
	}
	return results
}

// runParallel partitions the input into contiguous chunks of
// MaxConcurrency, waits for each whole chunk before starting the next, and
// reassembles results in input order.
func (p *Processor) runParallel(ctx context.Context, cfg Config, ops []Operation) []Result {
	width := cfg.MaxConcurrency
	if width < 1 {
		width = 1
	}
	var results []Result
	for offset := 0; offset < len(ops); offset += width {
		end := offset + width
		if end > len(ops) {
			end = len(ops)
		}
		chunk := ops[offset:end]
		chunkResults := make([]Result, len(chunk))

		var wg sync.WaitGroup
		for i, op := range chunk {
			wg.Add(1)
			go func(i int, op Operation) {
				defer wg.Done()
				chunkResults[i] = p.runOne(ctx, op)
			}(i, op)
		}
		wg.Wait()

		results = append(results, chunkResults...)
		if !cfg.ContinueOnError {
			for _, res := range chunkResults {
				if res.Status == StatusFailed {
					return results
				}
			}
		}
	}
	return results
}

// runOne executes a single operation, isolating errors and panics.
func (p *Processor) runOne(ctx context.Context, op Operation) (res Result) {
	start := p.clock.Now()
	res = Result{Operation: op}
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.Message = fmt.Sprintf("operation panicked: %v", r)
			res.Payload = nil
			p.logger.Error("batch operation panicked",
				zap.String("kind", string(op.Kind)),
				zap.String("target", op.Target),
				zap.Any("panic", r))
		}
		res.DurationMs = p.clock.Now().Sub(start).Milliseconds()
	}()

	p.mu.RLock()
	handler, ok := p.handlers[op.Kind]
	p.mu.RUnlock()
	if !ok {
		res.Status = StatusFailed
		res.Message = fmt.Sprintf("unknown operation kind %q", op.Kind)
		return res
	}

	message, payload, err := handler.Handle(ctx, op)
	if err != nil {
		res.Status = StatusFailed
		res.Message = err.Error()
		return res
	}
	res.Status = StatusSuccess
	res.Message = message
	res.Payload = payload
	return res
}
