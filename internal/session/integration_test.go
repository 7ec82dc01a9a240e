package session_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/auth"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/backend"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/connectivity"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/database"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/game"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/identity"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/kvstore"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/mockbackend"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/queue"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/recovery"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/session"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/snapshot"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationIssuer        = "roundup-mock"
	integrationAudience      = "roundup-client"
)

type integrationStack struct {
	service *session.Service
	monitor *connectivity.Monitor
	mock    *mockbackend.Server
	queue   *queue.Queue
}

func newIntegrationStack(t *testing.T) integrationStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        integrationIssuer,
		Audience:      integrationAudience,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	mock, err := mockbackend.New(mockbackend.Dependencies{TokenIssuer: issuer, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build mock backend: %v", err)
	}
	testServer := httptest.NewServer(mock.Handler())
	t.Cleanup(testServer.Close)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "client.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	store, err := kvstore.NewSQLiteStore(db, time.Now)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	client, err := backend.NewHTTPClient(backend.ClientConfig{BaseURL: testServer.URL})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	monitor := connectivity.NewMonitor(connectivity.Config{InitialOnline: false})
	handler := recovery.NewHandler(recovery.Config{
		Connectivity: monitor,
		MaxRetries:   2,
		Sleep:        func(context.Context, time.Duration) error { return nil },
	})
	actionQueue, err := queue.New(queue.Config{Store: store, Sender: client, Connectivity: monitor, Classifier: handler})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	snapshots, err := snapshot.NewCache(snapshot.Config{Store: store})
	if err != nil {
		t.Fatalf("failed to build snapshot cache: %v", err)
	}
	identityService, err := identity.NewService(identity.ServiceConfig{Store: store, Backend: client, Connectivity: monitor, Recovery: handler})
	if err != nil {
		t.Fatalf("failed to build identity service: %v", err)
	}
	service, err := session.NewService(session.ServiceConfig{
		Backend:      client,
		Identity:     identityService,
		Queue:        actionQueue,
		Snapshots:    snapshots,
		Recovery:     handler,
		Connectivity: monitor,
	})
	if err != nil {
		t.Fatalf("failed to build session service: %v", err)
	}
	return integrationStack{service: service, monitor: monitor, mock: mock, queue: actionQueue}
}

func TestOfflineRoundSyncsAgainstBackend(t *testing.T) {
	stack := newIntegrationStack(t)
	ctx := context.Background()

	current, err := stack.service.Start(ctx, "Avery")
	if err != nil {
		t.Fatalf("start offline: %v", err)
	}
	if !current.Offline() {
		t.Fatalf("expected an offline identity, got %q", current.SessionID)
	}

	for hole, strokes := range []int{4, 5, 3} {
		result, err := stack.service.RecordScore(ctx, game.Score{SessionID: current.SessionID, ParticipantID: current.DeviceID, HoleNumber: hole + 1, Strokes: strokes})
		if err != nil {
			t.Fatalf("record score offline: %v", err)
		}
		if !result.Queued || result.Delivered {
			t.Fatalf("expected queued score, got %+v", result)
		}
	}
	status, err := stack.service.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.QueueLength != 3 || status.CachedScores != 3 {
		t.Fatalf("unexpected offline status: %+v", status)
	}

	stack.monitor.SetOnline(true)
	drain, err := stack.service.SyncNow(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if drain.Delivered != 3 {
		t.Fatalf("expected three delivered actions, got %+v", drain)
	}

	view, err := stack.service.GetSessionData(ctx, current.SessionID)
	if err != nil {
		t.Fatalf("fetch session data: %v", err)
	}
	if view.FromCache || len(view.Data.Scores) != 3 {
		t.Fatalf("expected three live scores, got %+v", view)
	}

	stack.mock.SetUnavailable(true)
	cached, err := stack.service.GetSessionData(ctx, current.SessionID)
	if err != nil {
		t.Fatalf("fetch during outage: %v", err)
	}
	if !cached.FromCache || len(cached.Data.Scores) != 3 {
		t.Fatalf("expected cached scores during outage, got %+v", cached)
	}
}

func TestDeclinedPaymentIsReportedAndNotQueued(t *testing.T) {
	stack := newIntegrationStack(t)
	ctx := context.Background()
	stack.monitor.SetOnline(true)

	current, err := stack.service.Start(ctx, "Avery")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	result, err := stack.service.PlaceOrder(ctx, game.Order{
		SessionID:     current.SessionID,
		ParticipantID: current.DeviceID,
		Items:         []game.OrderItem{{SKU: "lemonade", Name: "Lemonade", Quantity: 2, UnitPriceCents: 450}},
		PaymentToken:  "tok_declined",
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if result.Failure == nil || result.Failure.Kind != recovery.KindPayment {
		t.Fatalf("expected payment failure, got %+v", result)
	}
	if result.Failure.UserMessage != recovery.PaymentMessage(backend.CodeCardDeclined) {
		t.Fatalf("unexpected user message %q", result.Failure.UserMessage)
	}
	status, err := stack.service.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.QueueLength != 0 {
		t.Fatalf("declined order must not be queued, queue length %d", status.QueueLength)
	}
}

func TestPartnerFailureQueuesPhotoForRetry(t *testing.T) {
	stack := newIntegrationStack(t)
	ctx := context.Background()
	stack.monitor.SetOnline(true)

	current, err := stack.service.Start(ctx, "Avery")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	result, err := stack.service.UploadPhoto(ctx, game.Photo{
		SessionID:     current.SessionID,
		ParticipantID: current.DeviceID,
		Caption:       mockbackend.PartnerFailureCaption,
		ContentType:   "image/jpeg",
		DataB64:       "aGk=",
	})
	if err != nil {
		t.Fatalf("upload photo: %v", err)
	}
	if !result.Queued {
		t.Fatalf("expected partner failure to keep the photo queued, got %+v", result)
	}
	actions, err := stack.queue.Actions(ctx)
	if err != nil {
		t.Fatalf("actions: %v", err)
	}
	if len(actions) != 1 || actions[0].RetryCount != 1 {
		t.Fatalf("expected one retained action with one attempt, got %+v", actions)
	}
}

func TestPromotionPersistsPaymentPreferences(t *testing.T) {
	stack := newIntegrationStack(t)
	ctx := context.Background()
	stack.monitor.SetOnline(true)

	if _, err := stack.service.Start(ctx, "Avery"); err != nil {
		t.Fatalf("start: %v", err)
	}
	account, err := stack.service.PromoteAccount(ctx, "avery@example.com", "")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := stack.service.SetDefaultPaymentMethod(ctx, "pm_card_mastercard"); err != nil {
		t.Fatalf("set default payment method: %v", err)
	}
	if got := stack.mock.DefaultPaymentMethod(account.AccountID); got != "pm_card_mastercard" {
		t.Fatalf("expected backend default method, got %q", got)
	}
}
