package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/backend"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/game"
)

type fixedConnectivity struct {
	mu     sync.Mutex
	online bool
}

func (c *fixedConnectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fixedConnectivity) set(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(_ context.Context, delay time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, delay)
	s.mu.Unlock()
	return nil
}

type recordingEnqueuer struct {
	records []game.Record
	err     error
}

func (e *recordingEnqueuer) Defer(_ context.Context, record game.Record) error {
	if e.err != nil {
		return e.err
	}
	e.records = append(e.records, record)
	return nil
}

func newTestHandler(online bool) (*Handler, *fixedConnectivity, *recordingSleeper) {
	connectivity := &fixedConnectivity{online: online}
	sleeper := &recordingSleeper{}
	handler := NewHandler(Config{
		Connectivity: connectivity,
		MaxRetries:   3,
		RetryDelay:   100 * time.Millisecond,
		Sleep:        sleeper.sleep,
	})
	return handler, connectivity, sleeper
}

func TestClassifyFetchFailedIsNetwork(t *testing.T) {
	classified := Classify(errors.New("TypeError: fetch failed"), true)
	assert.Equal(t, KindNetwork, classified.Kind)
	assert.True(t, classified.Retryable)
}

func TestClassifyOfflineForcesNetwork(t *testing.T) {
	classified := Classify(errors.New("something odd happened"), false)
	assert.Equal(t, KindNetwork, classified.Kind)
}

func TestClassifyOfflineKeepsPaymentFailures(t *testing.T) {
	declined := Classify(errors.New("Your card was declined"), false)
	assert.Equal(t, KindPayment, declined.Kind)
	assert.Equal(t, string(backend.CodeCardDeclined), declined.Code)
	assert.False(t, declined.Retryable)

	gateway := Classify(errors.New("payment gateway timed out"), false)
	assert.Equal(t, KindNetwork, gateway.Kind)
}

func TestReportNotifiesObservers(t *testing.T) {
	handler, _, _ := newTestHandler(true)
	var seen []string
	handler.Observe(func(operation string, classified ClassifiedError) {
		seen = append(seen, operation+":"+classified.Code)
	})

	classified := handler.Report("queue.score", &backend.Error{Code: backend.CodeServer, Status: 500, Message: "boom"})
	assert.Equal(t, KindBackend, classified.Kind)
	assert.Equal(t, []string{"queue.score:" + string(backend.CodeServer)}, seen)
}

func TestClassifyCardDeclinedIsPaymentWithSpecificMessage(t *testing.T) {
	classified := Classify(errors.New("Your card was declined"), true)
	assert.Equal(t, KindPayment, classified.Kind)
	assert.Equal(t, string(backend.CodeCardDeclined), classified.Code)
	assert.False(t, classified.Retryable)
	assert.NotEqual(t, GenericPaymentMessage, classified.UserMessage)
	assert.NotEmpty(t, classified.UserMessage)
}

func TestClassifyPaymentCodesHaveDistinctMessages(t *testing.T) {
	codes := []backend.Code{
		backend.CodeCardDeclined,
		backend.CodeInsufficientFunds,
		backend.CodeExpiredCard,
		backend.CodeIncorrectCVC,
	}
	seen := make(map[string]backend.Code)
	for _, code := range codes {
		classified := Classify(&backend.Error{Code: code, Message: "gateway said no"}, true)
		require.Equal(t, KindPayment, classified.Kind, string(code))
		require.NotEqual(t, GenericPaymentMessage, classified.UserMessage, string(code))
		if previous, ok := seen[classified.UserMessage]; ok {
			t.Fatalf("codes %s and %s share a message", previous, code)
		}
		seen[classified.UserMessage] = code
	}
	assert.Equal(t, GenericPaymentMessage, PaymentMessage(backend.CodePaymentFailed))
}

func TestClassifyPartnerCarriesServiceName(t *testing.T) {
	classified := Classify(backend.NewPartnerError("photo-cdn", errors.New("upstream 502")), true)
	assert.Equal(t, KindPartnerAPI, classified.Kind)
	assert.Equal(t, "photo-cdn", classified.ServiceName)

	anonymous := Classify(errors.New("partner API failed"), true)
	assert.Equal(t, KindPartnerAPI, anonymous.Kind)
	assert.Equal(t, "unknown", anonymous.ServiceName)
}

func TestClassifyBackendCodesWinOverMessage(t *testing.T) {
	classified := Classify(&backend.Error{Code: backend.CodeValidation, Status: 400, Message: "network field is invalid"}, true)
	assert.Equal(t, KindBackend, classified.Kind)
	assert.Equal(t, string(backend.CodeValidation), classified.Code)
	assert.False(t, classified.Retryable)
}

func TestClassifyIsIdempotentForClassifiedErrors(t *testing.T) {
	first := Classify(errors.New("card was declined"), true)
	second := Classify(&first, false)
	assert.Equal(t, first.Kind, second.Kind)
	assert.Equal(t, first.Code, second.Code)
}

func TestHandleNeverRetriesPayment(t *testing.T) {
	handler, _, sleeper := newTestHandler(true)
	calls := 0
	fallbackCalls := 0
	result := handler.Handle(context.Background(), errors.New("card was declined"), "order.place", Options{
		MaxRetries: 5,
		Operation: func(context.Context) error {
			calls++
			return nil
		},
		Fallback: func(context.Context) error {
			fallbackCalls++
			return nil
		},
	})
	assert.False(t, result.Success)
	assert.Equal(t, 0, result.RetryCount)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, fallbackCalls)
	assert.Empty(t, sleeper.delays)
	require.NotNil(t, result.Error)
	assert.Equal(t, KindPayment, result.Error.Kind)
}

func TestHandleCapsPartnerRetries(t *testing.T) {
	handler, _, _ := newTestHandler(true)
	partnerErr := backend.NewPartnerError("photo-cdn", errors.New("down"))
	calls := 0
	result := handler.Handle(context.Background(), partnerErr, "photo.upload", Options{
		MaxRetries: 5,
		Operation: func(context.Context) error {
			calls++
			return partnerErr
		},
	})
	assert.False(t, result.Success)
	assert.LessOrEqual(t, result.RetryCount, 2)
	assert.Equal(t, 2, calls)
	require.NotNil(t, result.Error)
	assert.Equal(t, "photo-cdn", result.Error.ServiceName)
}

func TestHandleOfflineNetworkGoesStraightToFallback(t *testing.T) {
	handler, _, sleeper := newTestHandler(false)
	enqueuer := &recordingEnqueuer{}
	score := game.Score{ID: "local_1", SessionID: "s1", ParticipantID: "p1", HoleNumber: 3, Strokes: 4}
	calls := 0
	result := handler.Handle(context.Background(), errors.New("fetch failed"), "score.record", Options{
		Operation: func(context.Context) error {
			calls++
			return nil
		},
		Fallback: EnqueueScoreFallback(enqueuer, score),
	})
	assert.True(t, result.Success)
	assert.True(t, result.FallbackUsed)
	assert.Equal(t, 0, result.RetryCount)
	assert.Equal(t, 0, calls)
	assert.Empty(t, sleeper.delays)
	require.Len(t, enqueuer.records, 1)
	assert.Equal(t, score, enqueuer.records[0])
}

func TestHandleDoesNotRetryValidationOrNotFound(t *testing.T) {
	handler, _, _ := newTestHandler(true)
	for _, code := range []backend.Code{backend.CodeValidation, backend.CodeNotFound} {
		calls := 0
		fallbackCalls := 0
		result := handler.Handle(context.Background(), &backend.Error{Code: code, Message: "nope"}, "score.record", Options{
			Operation: func(context.Context) error {
				calls++
				return nil
			},
			Fallback: func(context.Context) error {
				fallbackCalls++
				return nil
			},
		})
		assert.False(t, result.Success, string(code))
		assert.Equal(t, 0, calls, string(code))
		assert.Equal(t, 0, fallbackCalls, string(code))
	}
}

func TestHandleBacksOffExponentially(t *testing.T) {
	handler, _, sleeper := newTestHandler(true)
	serverErr := &backend.Error{Code: backend.CodeServer, Status: 500, Message: "boom"}
	fallbackCalls := 0
	result := handler.Handle(context.Background(), serverErr, "session.fetch", Options{
		Operation: func(context.Context) error { return serverErr },
		Fallback: func(context.Context) error {
			fallbackCalls++
			return nil
		},
	})
	assert.True(t, result.Success)
	assert.True(t, result.FallbackUsed)
	assert.Equal(t, 3, result.RetryCount)
	assert.Equal(t, 1, fallbackCalls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, sleeper.delays)
}

func TestHandleStopsRetryingWhenConnectionDrops(t *testing.T) {
	handler, connectivity, _ := newTestHandler(true)
	calls := 0
	result := handler.Handle(context.Background(), errors.New("connection reset"), "score.record", Options{
		MaxRetries: 5,
		Operation: func(context.Context) error {
			calls++
			connectivity.set(false)
			return errors.New("fetch failed")
		},
	})
	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	require.NotNil(t, result.Error)
	assert.Equal(t, KindNetwork, result.Error.Kind)
}

func TestExecuteRecoversAfterRetry(t *testing.T) {
	handler, _, _ := newTestHandler(true)
	attempts := 0
	result := handler.Execute(context.Background(), "state.fetch", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("request timed out")
		}
		return nil
	}, Options{})
	assert.True(t, result.Success)
	assert.False(t, result.FallbackUsed)
	assert.Equal(t, 2, result.RetryCount)
	assert.Nil(t, result.Error)
}

func TestFailedFallbackReportsOriginalError(t *testing.T) {
	handler, _, _ := newTestHandler(false)
	enqueuer := &recordingEnqueuer{err: errors.New("disk full")}
	result := handler.Handle(context.Background(), errors.New("fetch failed"), "order.place", Options{
		Fallback: EnqueueOrderFallback(enqueuer, game.Order{ID: "local_o"}),
	})
	assert.False(t, result.Success)
	assert.False(t, result.FallbackUsed)
	require.NotNil(t, result.Error)
	assert.Equal(t, KindNetwork, result.Error.Kind)
	assert.NotEmpty(t, result.UserMessage())
}

func TestPanickingObserverDoesNotBlockOthers(t *testing.T) {
	handler, _, _ := newTestHandler(true)
	var received []Kind
	handler.Observe(func(string, ClassifiedError) {
		panic("observer failure")
	})
	unsubscribe := handler.Observe(func(_ string, classified ClassifiedError) {
		received = append(received, classified.Kind)
	})

	handler.Handle(context.Background(), errors.New("card was declined"), "order.place", Options{})
	require.Equal(t, []Kind{KindPayment}, received)

	unsubscribe()
	handler.Handle(context.Background(), errors.New("card was declined"), "order.place", Options{})
	assert.Len(t, received, 1)
}

func TestDegradeSocialFallbackSucceeds(t *testing.T) {
	handler, _, _ := newTestHandler(false)
	result := handler.Handle(context.Background(), errors.New("fetch failed"), "post.create", Options{
		Fallback: DegradeSocialFallback(),
	})
	assert.True(t, result.Success)
	assert.True(t, result.FallbackUsed)
}
