package session_test

import (
	"bytes"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/vallegrande/go-session"
)

const sqliteCreateSessionState = `CREATE TABLE session_state (
    id TEXT NOT NULL PRIMARY KEY,
    key TEXT NOT NULL UNIQUE,
    value TEXT,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`

func setupBunStore(t *testing.T, opts ...session.BunStoreOption) (*session.BunStore, *bun.DB) {
	t.Helper()

	db, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	bunDB := bun.NewDB(db, sqlitedialect.New())

	_, err = bunDB.Exec(sqliteCreateSessionState)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = bunDB.Close()
		_ = db.Close()
	})

	store, err := session.NewBunStore(bunDB, opts...)
	require.NoError(t, err)
	return store, bunDB
}

func TestBunStoreSessionRoundTrip(t *testing.T) {
	store, _ := setupBunStore(t)
	ctx := context.Background()

	token, expiry, err := store.Session(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.True(t, expiry.IsZero())

	want := time.Now().Add(time.Hour)
	require.NoError(t, store.SetSession(ctx, "tok-123", want))

	token, expiry, err = store.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
	assert.Equal(t, want.UnixMilli(), expiry.UnixMilli())

	// Writes to the same key update rather than duplicate.
	require.NoError(t, store.SetSession(ctx, "tok-456", want.Add(time.Hour)))
	token, _, err = store.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-456", token)
}

func TestBunStoreClearSession(t *testing.T) {
	store, db := setupBunStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetSession(ctx, "tok-123", time.Now().Add(time.Hour)))
	require.NoError(t, store.ClearSession(ctx))

	token, expiry, err := store.Session(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.True(t, expiry.IsZero())

	// Cleared keys leave no row behind; an update would have kept the old
	// value alive.
	count, err := db.NewSelect().
		Table("session_state").
		Where("key IN (?)", bun.In([]string{"token", "sessionExpiry"})).
		Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Clearing an already-empty store stays a no-op.
	require.NoError(t, store.ClearSession(ctx))
}

func TestBunStoreSealsRememberedSecretAtRest(t *testing.T) {
	key := bytes.Repeat([]byte{0x24}, 32)
	store, db := setupBunStore(t, session.WithSealKey(key))
	ctx := context.Background()

	require.NoError(t, store.SetRememberedCredentials(ctx, &session.RememberedCredentials{
		Email:  "ana@example.com",
		Secret: "hunter2",
	}))

	var stored string
	err := db.NewSelect().
		Table("session_state").
		Column("value").
		Where("key = ?", "rememberedPassword").
		Scan(ctx, &stored)
	require.NoError(t, err)
	assert.NotEmpty(t, stored)
	assert.NotContains(t, stored, "hunter2")

	creds, err := store.RememberedCredentials(ctx)
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "hunter2", creds.Secret, "the secret opens transparently on read")
}

func TestBunStoreDropsUnreadableRememberedSecret(t *testing.T) {
	key := bytes.Repeat([]byte{0x24}, 32)
	store, db := setupBunStore(t, session.WithSealKey(key), session.WithBunStoreLogger(discardLogger{}))
	ctx := context.Background()

	require.NoError(t, store.SetRememberedCredentials(ctx, &session.RememberedCredentials{
		Email:  "ana@example.com",
		Secret: "hunter2",
	}))

	// Corrupt the sealed payload under the store.
	_, err := db.NewUpdate().
		Table("session_state").
		Set("value = ?", "not-a-sealed-payload").
		Where("key = ?", "rememberedPassword").
		Exec(ctx)
	require.NoError(t, err)

	creds, err := store.RememberedCredentials(ctx)
	require.NoError(t, err)
	assert.Nil(t, creds)

	// The broken credential was scrubbed, not left behind for the next read.
	count, err := db.NewSelect().
		Table("session_state").
		Where("key IN (?)", bun.In([]string{"rememberedEmail", "rememberedPassword", "rememberMe"})).
		Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBunStoreRejectsBadSealKey(t *testing.T) {
	db, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	bunDB := bun.NewDB(db, sqlitedialect.New())
	defer bunDB.Close()

	_, err = session.NewBunStore(bunDB, session.WithSealKey([]byte("short")))
	require.Error(t, err)
}

func TestBunStoreRememberedCredentialsRequireOptIn(t *testing.T) {
	store, _ := setupBunStore(t)
	ctx := context.Background()

	creds, err := store.RememberedCredentials(ctx)
	require.NoError(t, err)
	assert.Nil(t, creds)

	require.NoError(t, store.SetRememberedCredentials(ctx, &session.RememberedCredentials{
		Email:  "ana@example.com",
		Secret: "hunter2",
	}))
	require.NoError(t, store.ClearRememberedCredentials(ctx))

	creds, err = store.RememberedCredentials(ctx)
	require.NoError(t, err)
	assert.Nil(t, creds)
}
