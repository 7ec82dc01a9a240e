package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/connectivity"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/kvstore"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/recovery"
)

var errDiskFull = errors.New("disk full")

type failingSetStore struct {
	*kvstore.MemoryStore
}

func (s failingSetStore) Set(context.Context, string, string) error {
	return errDiskFull
}

func TestPersistFailuresSurfaceAsServiceErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	monitor := connectivity.NewMonitor(connectivity.Config{})
	service, err := NewService(ServiceConfig{
		Store:        failingSetStore{MemoryStore: kvstore.NewMemoryStore()},
		Backend:      &stubBackend{},
		Connectivity: monitor,
		Recovery:     recovery.NewHandler(recovery.Config{Connectivity: monitor}),
		Clock:        func() time.Time { return time.Date(2026, time.May, 2, 15, 4, 5, 0, time.UTC) },
		Logger:       zap.New(core),
	})
	require.NoError(t, err)

	_, err = service.CreateSession(context.Background(), "Avery")
	require.ErrorIs(t, err, errDiskFull)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "identity.device_id.persist_failed", serviceErr.Code())

	entries := logs.FilterMessage("identity service error").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, opDeviceID, fields["operation"])
	assert.Equal(t, reasonPersist, fields["reason"])
}

func TestArgumentErrorsCarryOperationCodes(t *testing.T) {
	fixture := newIdentityFixture(t, false)
	ctx := context.Background()

	var serviceErr *ServiceError
	require.ErrorAs(t, fixture.service.PromoteToAccount(ctx, LocalIdentity{}, " "), &serviceErr)
	assert.Equal(t, "identity.promote.missing_argument", serviceErr.Code())
	assert.ErrorIs(t, fixture.service.SaveAccountToken(ctx, ""), errMissingAccountToken)
	assert.ErrorIs(t, fixture.service.JoinContext(ctx, ""), errMissingSessionID)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	assert.ErrorIs(t, err, errMissingStore)
}
