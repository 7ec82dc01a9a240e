package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	defaultMaxDelay   = 30 * time.Second
	// partnerRetryCeiling caps retries against third-party services regardless of the
	// caller's request.
	partnerRetryCeiling = 2

	tracerName = "github.com/MarcoPoloResearchLab/roundup/client/internal/recovery"
)

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	Online() bool
}

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) error

// Observer receives every classified error. Observers run synchronously; a panicking
// observer is recovered and does not affect the others.
type Observer func(operation string, classified ClassifiedError)

// Options tunes a single Handle call. Zero values fall back to the handler defaults.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	// Operation is re-run on each retry. Without it no retry is possible.
	Operation Operation
	// Fallback runs once retries are exhausted. A nil return reports success with
	// FallbackUsed set.
	Fallback Operation
}

// Result is the outcome of a recovery attempt.
type Result struct {
	Success      bool
	Error        *ClassifiedError
	RetryCount   int
	FallbackUsed bool
}

// UserMessage returns the message to display for a failed result.
func (r Result) UserMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.UserMessage
}

// Config configures a Handler.
type Config struct {
	Connectivity OnlineChecker
	MaxRetries   int
	RetryDelay   time.Duration
	MaxDelay     time.Duration
	Sleep        func(ctx context.Context, delay time.Duration) error
	Logger       *zap.Logger
}

// Handler applies the recovery policy.
type Handler struct {
	connectivity OnlineChecker
	maxRetries   int
	retryDelay   time.Duration
	maxDelay     time.Duration
	sleep        func(ctx context.Context, delay time.Duration) error
	logger       *zap.Logger
	tracer       trace.Tracer

	mu        sync.RWMutex
	observers map[int64]Observer
	nextID    int64
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config) *Handler {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		connectivity: cfg.Connectivity,
		maxRetries:   maxRetries,
		retryDelay:   retryDelay,
		maxDelay:     maxDelay,
		sleep:        sleep,
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
		observers:    make(map[int64]Observer),
	}
}

// Observe registers an observer and returns a function that removes it.
func (h *Handler) Observe(observer Observer) func() {
	if observer == nil {
		return func() {}
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.observers[id] = observer
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.observers, id)
		h.mu.Unlock()
	}
}

// Classify classifies err against the current connectivity.
func (h *Handler) Classify(err error) ClassifiedError {
	return Classify(err, h.online())
}

// Report classifies err and hands the result to the registered observers. Callers that
// apply their own retry bookkeeping use it instead of Handle.
func (h *Handler) Report(operation string, err error) ClassifiedError {
	classified := h.Classify(err)
	h.notify(operation, classified)
	return classified
}

// Execute runs op once and hands any failure to Handle with op as the retry operation.
func (h *Handler) Execute(ctx context.Context, operation string, op Operation, opts Options) Result {
	if op == nil {
		return Result{Error: &ClassifiedError{Kind: KindBackend, Code: "missing_operation", Message: "operation is required", UserMessage: genericMessage}}
	}
	err := op(ctx)
	if err == nil {
		return Result{Success: true}
	}
	opts.Operation = op
	return h.Handle(ctx, err, operation, opts)
}

// Handle classifies err and applies the category policy:
//   - network: no retry while offline, otherwise exponential backoff up to the ceiling
//   - payment: never retried, no fallback
//   - partner: at most partnerRetryCeiling retries
//   - backend: validation and not-found fail immediately, the rest back off
//
// Retryable categories invoke the fallback once retries are exhausted.
func (h *Handler) Handle(ctx context.Context, err error, operation string, opts Options) Result {
	ctx, span := h.tracer.Start(ctx, "recovery.handle", trace.WithAttributes(attribute.String("recovery.operation", operation)))
	defer span.End()

	classified := h.Classify(err)
	h.notify(operation, classified)
	span.SetAttributes(attribute.String("recovery.kind", string(classified.Kind)))

	result := Result{Error: &classified}
	if !classified.Retryable {
		h.logFailure(operation, classified, 0)
		span.SetStatus(codes.Error, classified.Code)
		return result
	}

	current := classified
	ceiling := h.ceiling(current, opts)
	if opts.Operation != nil && ceiling > 0 {
		schedule := h.schedule(opts)
		for result.RetryCount < ceiling {
			if current.Kind == KindNetwork && !h.online() {
				break
			}
			if sleepErr := h.sleep(ctx, schedule.NextBackOff()); sleepErr != nil {
				break
			}
			result.RetryCount++
			retryErr := opts.Operation(ctx)
			if retryErr == nil {
				span.SetAttributes(attribute.Int("recovery.retry_count", result.RetryCount))
				h.logger.Info("operation recovered after retry",
					zap.String("operation", operation),
					zap.Int("retry_count", result.RetryCount))
				return Result{Success: true, RetryCount: result.RetryCount}
			}
			current = h.Classify(retryErr)
			h.notify(operation, current)
			result.Error = &current
			if !current.Retryable {
				h.logFailure(operation, current, result.RetryCount)
				span.SetStatus(codes.Error, current.Code)
				return result
			}
			if next := h.ceiling(current, opts); next < ceiling {
				ceiling = next
			}
		}
	}
	span.SetAttributes(attribute.Int("recovery.retry_count", result.RetryCount))

	if opts.Fallback != nil {
		fallbackErr := opts.Fallback(ctx)
		if fallbackErr == nil {
			result.Success = true
			result.FallbackUsed = true
			span.SetAttributes(attribute.Bool("recovery.fallback_used", true))
			h.logger.Info("operation preserved by fallback",
				zap.String("operation", operation),
				zap.String("kind", string(current.Kind)),
				zap.Int("retry_count", result.RetryCount))
			return result
		}
		h.logger.Warn("fallback failed",
			zap.String("operation", operation),
			zap.Error(fallbackErr))
	}

	h.logFailure(operation, current, result.RetryCount)
	span.SetStatus(codes.Error, current.Code)
	return result
}

func (h *Handler) ceiling(classified ClassifiedError, opts Options) int {
	ceiling := opts.MaxRetries
	if ceiling <= 0 {
		ceiling = h.maxRetries
	}
	switch classified.Kind {
	case KindNetwork:
		if !h.online() {
			return 0
		}
	case KindPartnerAPI:
		if ceiling > partnerRetryCeiling {
			ceiling = partnerRetryCeiling
		}
	case KindPayment:
		return 0
	}
	if !classified.Retryable {
		return 0
	}
	return ceiling
}

func (h *Handler) schedule(opts Options) *backoff.ExponentialBackOff {
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = h.retryDelay
	}
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = delay
	schedule.Multiplier = 2
	schedule.RandomizationFactor = 0
	schedule.MaxInterval = h.maxDelay
	schedule.Reset()
	return schedule
}

func (h *Handler) online() bool {
	if h.connectivity == nil {
		return true
	}
	return h.connectivity.Online()
}

func (h *Handler) notify(operation string, classified ClassifiedError) {
	h.mu.RLock()
	observers := make([]Observer, 0, len(h.observers))
	for _, observer := range h.observers {
		observers = append(observers, observer)
	}
	h.mu.RUnlock()

	for _, observer := range observers {
		h.safeNotify(observer, operation, classified)
	}
}

func (h *Handler) safeNotify(observer Observer, operation string, classified ClassifiedError) {
	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger.Warn("error observer panicked",
				zap.String("operation", operation),
				zap.String("panic", fmt.Sprint(recovered)))
		}
	}()
	observer(operation, classified)
}

func (h *Handler) logFailure(operation string, classified ClassifiedError, retries int) {
	h.logger.Warn("operation failed",
		zap.String("operation", operation),
		zap.String("kind", string(classified.Kind)),
		zap.String("code", classified.Code),
		zap.String("service", classified.ServiceName),
		zap.Int("retry_count", retries),
		zap.Error(classified.Err))
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
