package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err)
	require.NoError(t, MigrateUp(db))
	return NewPostgresStore(db)
}

func TestPostgresMigrationsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, MigrateDown(s.DB(), 0))
	require.NoError(t, MigrateUp(s.DB()))
}

func TestPostgresEntityVersioningAndRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, User{ID: "usr_alice", Username: "alice", Email: "alice@example.com", IsActive: true}))
	require.NoError(t, s.CreateProject(ctx, Project{ID: "prj_1", Name: "Kernel", Slug: "kernel", OwnerID: "usr_alice", IsPrivate: true}))
	ref, err := s.NextRef(ctx, "prj_1")
	require.NoError(t, err)
	require.NoError(t, s.InsertEntity(ctx, Entity{
		Kind: KindTask, ID: "tsk_1", ProjectID: "prj_1", Ref: ref, OwnerID: "usr_alice",
		Orders: map[string]int64{"us_order": 1}, Body: &TaskBody{Subject: "Write it"},
		CreatedAt: time.Now(), ModifiedAt: time.Now(),
	}))

	version, err := s.BumpEntityVersion(ctx, KindTask, "tsk_1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	current, err := s.BumpEntityVersion(ctx, KindTask, "tsk_1", 1)
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, int64(2), current)

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(q Queries) error {
		if _, err := q.BumpEntityVersion(ctx, KindTask, "tsk_1", 2); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entity, err := s.GetEntity(ctx, KindTask, "tsk_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), entity.Version)
	assert.Equal(t, "Write it", entity.Title())
}

func TestPostgresWebhookLogsAreAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, User{ID: "usr_alice", Username: "alice", Email: "alice@example.com", IsActive: true}))
	require.NoError(t, s.CreateProject(ctx, Project{ID: "prj_1", Name: "Kernel", Slug: "kernel", OwnerID: "usr_alice"}))
	require.NoError(t, s.CreateWebhook(ctx, Webhook{ID: "wh_1", ProjectID: "prj_1", Name: "ci", URL: "https://ci.example", Key: "k", IsActive: true}))

	entry := &WebhookLog{WebhookID: "wh_1", DeliveryID: "d1", Attempt: 1, URL: "https://ci.example", Status: DeliveryDelivered, StatusCode: 200}
	require.NoError(t, s.InsertWebhookLog(ctx, entry))

	_, err := s.DB().ExecContext(ctx, `UPDATE webhook_logs SET status='http_error' WHERE id=$1`, entry.ID)
	require.Error(t, err)
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "55000", pgErr.SQLState())
}
