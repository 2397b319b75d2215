package conduit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/conduit/internal/testutil"
	"github.com/petrijr/conduit/pkg/config"
)

func openForTest(t *testing.T, cfg config.Config) *Orchestrator {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	orch, err := Open(ctx, cfg, WithLogger(quietLogger()), WithSleeper((&sleepLog{}).Sleep))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, orch.Close(ctx))
	})
	return orch
}

// exerciseBackend runs one succeeding and one dead-lettered workflow, then
// drives a queued event through the workers.
func exerciseBackend(t *testing.T, orch *Orchestrator) {
	t.Helper()
	ctx := context.Background()

	New("sync").Step("s", func(ctx context.Context, input any) (any, error) {
		return "ok", nil
	}).MustRegister(orch, "contact.created")
	New("reject").Step("s", func(ctx context.Context, input any) (any, error) {
		return nil, Permanentf("400 bad request")
	}).MustRegister(orch, "deal.closed")

	id := uuid.NewString()
	insts, err := orch.Run(ctx, NewEvent("contact.created", id, map[string]any{"contact_id": id}))
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, insts[0].Status)

	again, err := orch.Run(ctx, NewEvent("contact.created", id, map[string]any{"contact_id": id}))
	require.NoError(t, err)
	require.True(t, again[0].Adopted)

	dealID := uuid.NewString()
	_, err = orch.Run(ctx, NewEvent("deal.closed", dealID, nil))
	require.Error(t, err)
	entries, err := orch.DeadLetters(ctx, DeadLetterFilter{WorkflowName: "reject"})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, dealID, entries[len(entries)-1].Event.ID)

	before := orch.Metrics().WorkflowsSucceeded
	require.NoError(t, orch.StartWorkers(ctx, 2))
	queued := uuid.NewString()
	require.NoError(t, orch.Enqueue(ctx, NewEvent("contact.created", queued, map[string]any{"contact_id": queued})))
	require.Eventually(t, func() bool {
		return orch.Metrics().WorkflowsSucceeded > before
	}, 10*time.Second, 20*time.Millisecond)
}

func TestOpen_Memory(t *testing.T) {
	orch := openForTest(t, config.Default())
	exerciseBackend(t, orch)
}

func TestOpen_SQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.DSN = "file:" + filepath.Join(t.TempDir(), "conduit.db")

	orch := openForTest(t, cfg)
	exerciseBackend(t, orch)

	list, err := orch.Instances(context.Background(), InstanceFilter{WorkflowName: "sync"})
	require.NoError(t, err)
	require.NotEmpty(t, list)
}

func TestOpen_Postgres(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverPostgres
	cfg.Storage.DSN = testutil.GetPostgresDSN(t)

	orch := openForTest(t, cfg)
	exerciseBackend(t, orch)
}

func TestOpen_Redis(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverRedis
	cfg.Storage.DSN = "redis://" + testutil.GetRedisAddress(t)
	cfg.Storage.Prefix = "conduit-test-" + uuid.NewString()

	orch := openForTest(t, cfg)
	exerciseBackend(t, orch)

	_, err := orch.Instances(context.Background(), InstanceFilter{})
	require.ErrorIs(t, err, ErrNoArchive)
}

func TestOpen_Mongo(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMongo
	cfg.Storage.DSN = testutil.GetMongoURI(t)
	cfg.Storage.Prefix = "conduit_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	orch := openForTest(t, cfg)
	exerciseBackend(t, orch)
}

func TestOpen_RejectsBadStorageConfig(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Storage.Driver = "cassandra"
	_, err := Open(ctx, cfg)
	require.Error(t, err)

	cfg = config.Default()
	cfg.Storage.Driver = config.DriverRedis
	cfg.Storage.DSN = "not a url"
	_, err = Open(ctx, cfg)
	require.Error(t, err)
}

func TestRedisPrefix(t *testing.T) {
	require.Equal(t, "conduit:", redisPrefix("conduit"))
	require.Equal(t, "conduit:", redisPrefix("conduit:"))
	require.Equal(t, "", redisPrefix(""))
}
