package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/platform/oauth"
	"github.com/phrazzld/syncwarden/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	testKey = domain.Key{UserID: "user-1", Integration: domain.IntegrationGoogleCalendar}
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func q(s string) string {
	return regexp.QuoteMeta(s)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", sql.ErrNoRows, store.ErrNotFound},
		{"unique", &pgconn.PgError{Code: uniqueViolationCode}, store.ErrDuplicate},
		{"check", &pgconn.PgError{Code: checkViolationCode}, store.ErrInvalidEntity},
		{"not null", &pgconn.PgError{Code: notNullViolationCode}, store.ErrInvalidEntity},
		{"serialization", &pgconn.PgError{Code: serializationFailureCode}, store.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, MapError(tt.err), tt.want)
		})
	}

	assert.NoError(t, MapError(nil))
	other := errors.New("boom")
	assert.Equal(t, other, MapError(other))
}

func TestBreakerStore(t *testing.T) {
	ctx := context.Background()
	st := domain.CircuitBreakerState{
		Key:          testKey,
		State:        domain.CircuitOpen,
		FailureCount: 5,
		OpenedAt:     &testNow,
		UpdatedAt:    testNow,
		Version:      1,
	}

	t.Run("get not found", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(q("FROM circuit_breaker_states")).
			WithArgs("user-1", "google_calendar").
			WillReturnError(sql.ErrNoRows)

		_, err := NewBreakerStore(db).Get(ctx, testKey)
		assert.ErrorIs(t, err, store.ErrBreakerStateNotFound)
	})

	t.Run("get scans nullable timestamps", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(q("FROM circuit_breaker_states")).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "integration_type", "state", "failure_count",
				"last_failure_reason", "opened_at", "trial_started_at", "updated_at", "version"}).
				AddRow("user-1", "google_calendar", "open", 5, "timeout", testNow, nil, testNow, 3))

		got, err := NewBreakerStore(db).Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, domain.CircuitOpen, got.State)
		require.NotNil(t, got.OpenedAt)
		assert.Equal(t, testNow, *got.OpenedAt)
		assert.Nil(t, got.TrialStartedAt)
		assert.Equal(t, int64(3), got.Version)
	})

	t.Run("first write inserts", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(q("INSERT INTO circuit_breaker_states")).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, NewBreakerStore(db).CompareAndSwap(ctx, st, 0))
	})

	t.Run("lost insert race is a conflict", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(q("ON CONFLICT (user_id, integration_type) DO NOTHING")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := NewBreakerStore(db).CompareAndSwap(ctx, st, 0)
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("update checks version", func(t *testing.T) {
		db, mock := newMock(t)
		next := st
		next.Version = 4
		mock.ExpectExec(q("UPDATE circuit_breaker_states")).
			WithArgs("user-1", "google_calendar", "open", 5, "", sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), int64(4), int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := NewBreakerStore(db).CompareAndSwap(ctx, next, 3)
		assert.ErrorIs(t, err, store.ErrConflict)
	})
}

func TestTokenHealthStore(t *testing.T) {
	ctx := context.Background()
	cols := []string{"user_id", "integration_type", "status", "expires_at", "last_checked",
		"last_refreshed_at", "last_error", "failure_count", "last_notified_at"}

	t.Run("get not found", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(q("FROM token_health")).WillReturnError(sql.ErrNoRows)

		_, err := NewTokenHealthStore(db).Get(ctx, testKey)
		assert.ErrorIs(t, err, store.ErrTokenHealthNotFound)
	})

	t.Run("list by status", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(q("WHERE status = ANY($1)")).
			WithArgs(sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("user-1", "google_calendar", "revoked", nil, testNow, nil, "invalid_grant", 2, nil).
				AddRow("user-2", "google_contacts", "expired", testNow, testNow, nil, "", 1, nil))

		recs, err := NewTokenHealthStore(db).ListByStatus(ctx, domain.TokenRevoked, domain.TokenExpired)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, domain.TokenRevoked, recs[0].Status)
		assert.Nil(t, recs[0].ExpiresAt)
		assert.Equal(t, domain.IntegrationGoogleContacts, recs[1].Integration)
		require.NotNil(t, recs[1].ExpiresAt)
	})
}

func TestScheduleStore(t *testing.T) {
	ctx := context.Background()

	t.Run("list due", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(q("FROM sync_schedules")).
			WithArgs("google_calendar", testNow).
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("a").AddRow("b"))

		users, err := NewScheduleStore(db).ListDue(ctx, domain.IntegrationGoogleCalendar, testNow)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, users)
	})

	t.Run("get not found", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(q("FROM sync_schedules")).WillReturnError(sql.ErrNoRows)

		_, err := NewScheduleStore(db).Get(ctx, testKey)
		assert.ErrorIs(t, err, store.ErrScheduleNotFound)
	})

	t.Run("upsert", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(q("INSERT INTO sync_schedules")).
			WithArgs("user-1", "google_calendar", sqlmock.AnyArg(), sqlmock.AnyArg(),
				testNow.Add(4*time.Hour), 4.0, sqlmock.AnyArg(), testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := NewScheduleStore(db).Upsert(ctx, domain.SyncScheduleRecord{
			Key:                  testKey,
			NextDueAt:            testNow.Add(4 * time.Hour),
			CurrentIntervalHours: 4,
			UpdatedAt:            testNow,
		})
		assert.NoError(t, err)
	})
}

func TestWebhookStore(t *testing.T) {
	ctx := context.Background()

	t.Run("get by channel not found", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(q("WHERE s.channel_id = $1")).
			WithArgs("chan-1").
			WillReturnError(sql.ErrNoRows)

		_, err := NewWebhookStore(db).GetByChannel(ctx, "chan-1")
		assert.ErrorIs(t, err, store.ErrSubscriptionNotFound)
	})

	t.Run("list silent", func(t *testing.T) {
		db, mock := newMock(t)
		cutoff := testNow.Add(-48 * time.Hour)
		mock.ExpectQuery(q("NOT EXISTS")).
			WithArgs(cutoff).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "integration_type", "channel_id",
				"resource_id", "expiration", "channel_token", "created_at"}).
				AddRow("user-1", "google_calendar", "chan-1", "res-1", testNow.Add(24*time.Hour), "tok", cutoff))

		subs, err := NewWebhookStore(db).ListSilent(ctx, cutoff)
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "chan-1", subs[0].ChannelID)
		assert.Equal(t, "tok", subs[0].Token)
	})

	t.Run("append notification", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(q("INSERT INTO webhook_notifications")).
			WithArgs("chan-1", "exists", testNow).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := NewWebhookStore(db).AppendNotification(ctx, domain.WebhookNotification{
			ChannelID: "chan-1", ResourceState: "exists", ReceivedAt: testNow,
		})
		assert.NoError(t, err)
	})
}

func TestMetricStore(t *testing.T) {
	ctx := context.Background()

	t.Run("append assigns id", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(q("INSERT INTO sync_metrics")).
			WithArgs(sqlmock.AnyArg(), "user-1", "google_calendar", "scheduled", "skipped", "not_due",
				0, 1, int64(0), "", testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := NewMetricStore(db).Append(ctx, domain.SyncMetric{
			UserID:        "user-1",
			Integration:   domain.IntegrationGoogleCalendar,
			SyncType:      domain.SyncTypeScheduled,
			Result:        domain.SyncSkipped,
			SkipReason:    domain.SkipNotDue,
			APICallsSaved: 1,
			CreatedAt:     testNow,
		})
		assert.NoError(t, err)
	})

	t.Run("invalid metric never reaches the database", func(t *testing.T) {
		db, _ := newMock(t)
		err := NewMetricStore(db).Append(ctx, domain.SyncMetric{})
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
	})
}

func TestIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	clock := func() time.Time { return testNow }

	t.Run("is processed", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(q("SELECT EXISTS")).
			WithArgs("k1", testNow).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		ok, err := NewIdempotencyStore(db, clock).IsProcessed(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("mark processed sets expiry from ttl", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(q("INSERT INTO idempotency_keys (key, processed, processed_expires_at)")).
			WithArgs("k1", testNow.Add(time.Hour)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, NewIdempotencyStore(db, clock).MarkProcessed(ctx, "k1", time.Hour))
	})

	t.Run("cached result miss", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(q("SELECT result FROM idempotency_keys")).
			WithArgs("k1", testNow).
			WillReturnError(sql.ErrNoRows)

		res, ok, err := NewIdempotencyStore(db, clock).GetCachedResult(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, res)
	})

	t.Run("cached result hit", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(q("SELECT result FROM idempotency_keys")).
			WillReturnRows(sqlmock.NewRows([]string{"result"}).AddRow([]byte(`{"ok":true}`)))

		res, ok, err := NewIdempotencyStore(db, clock).GetCachedResult(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.JSONEq(t, `{"ok":true}`, string(res))
	})

	t.Run("purge", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(q("DELETE FROM idempotency_keys")).
			WithArgs(testNow).
			WillReturnResult(sqlmock.NewResult(0, 3))

		n, err := NewIdempotencyStore(db, clock).Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("store failure surfaces", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(q("INSERT INTO idempotency_keys")).WillReturnError(errors.New("connection reset"))

		err := NewIdempotencyStore(db, clock).CacheResult(ctx, "k1", json.RawMessage(`{}`), time.Hour)
		assert.Error(t, err)
	})
}

func TestCredentialStore(t *testing.T) {
	ctx := context.Background()

	t.Run("get not found", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(q("FROM integration_credentials")).WillReturnError(sql.ErrNoRows)

		_, err := NewCredentialStore(db).Get(ctx, testKey)
		assert.ErrorIs(t, err, store.ErrCredentialNotFound)
	})

	t.Run("put stores ciphertext", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(q("INSERT INTO integration_credentials")).
			WithArgs("user-1", "google_calendar", []byte{1, 2}, []byte{3, 4}, sqlmock.AnyArg(), testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := NewCredentialStore(db).Put(ctx, oauth.SealedCredential{
			Key:          testKey,
			AccessToken:  []byte{1, 2},
			RefreshToken: []byte{3, 4},
			UpdatedAt:    testNow,
		})
		assert.NoError(t, err)
	})
}
