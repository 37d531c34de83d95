package account

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoTestTimeout = 10 * time.Second

func newMongoTestDB(t *testing.T) *mongo.Database {
	t.Helper()

	uri := os.Getenv("MONGO_URI")
	if os.Getenv("GO_TEST_INTEGRATION") == "" || uri == "" {
		t.Skip("set GO_TEST_INTEGRATION to run MongoDB tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), mongoTestTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)

	database := client.Database("accounts_test_" + uuid.NewString())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), mongoTestTimeout)
		defer cancel()
		_ = database.Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	return database
}

func TestMongoStoreRoundTrip(t *testing.T) {
	database := newMongoTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), mongoTestTimeout)
	defer cancel()

	store, err := NewMongoStore(ctx, database)
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))

	acc, err := New("Alice", "Alice@Example.com", RoleAdmin, time.Now())
	require.NoError(t, err)
	_, err = acc.SetPassword(plainHasher{}, "Passw0rd!", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, acc))

	dup, err := New("Other", "alice@example.com", RoleUser, time.Now())
	require.NoError(t, err)
	require.ErrorIs(t, store.Create(ctx, dup), ErrEmailTaken)

	lockUntil := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, store.Update(ctx, acc.ID, Changes{
		Lockout:   &Lockout{FailedAttempts: 5, LockUntil: &lockUntil},
		TwoFactor: &TwoFactor{Enabled: true, Secret: "JBSWY3DPEHPK3PXP", BackupCodes: []string{"a", "b"}},
	}))

	got, err := store.FindByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	require.Equal(t, acc.ID, got.ID)
	require.Equal(t, 5, got.Lockout.FailedAttempts)
	require.True(t, lockUntil.Equal(*got.Lockout.LockUntil))
	require.Equal(t, []string{"a", "b"}, got.TwoFactor.BackupCodes)

	require.ErrorIs(t, store.Update(ctx, acc.ID, Changes{TwoFactor: &TwoFactor{Enabled: true}}), ErrInvariant)
	require.ErrorIs(t, store.Update(ctx, "missing", Changes{}), ErrNotFound)

	require.NoError(t, store.Delete(ctx, acc.ID))
	_, err = store.FindByID(ctx, acc.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMongoStoreClearStalePendingTwoFactor(t *testing.T) {
	database := newMongoTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), mongoTestTimeout)
	defer cancel()

	store, err := NewMongoStore(ctx, database)
	require.NoError(t, err)

	old := time.Now().UTC().Add(-48 * time.Hour)
	acc, err := New("A", "a@x.com", RoleAdmin, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, acc))
	require.NoError(t, store.Update(ctx, acc.ID, Changes{TwoFactor: &TwoFactor{Secret: "S", PendingSince: &old}}))

	cleared, err := store.ClearStalePendingTwoFactor(ctx, time.Now().Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), cleared)

	got, err := store.FindByID(ctx, acc.ID)
	require.NoError(t, err)
	require.False(t, got.TwoFactor.Pending())
}

func TestMongoOrderHistory(t *testing.T) {
	database := newMongoTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), mongoTestTimeout)
	defer cancel()

	history := NewMongoOrderHistory(database)
	has, err := history.HasOrders(ctx, "acc-1")
	require.NoError(t, err)
	require.False(t, has)

	_, err = database.Collection(ordersCollection).InsertOne(ctx, bson.M{"user": "acc-1", "total": 42})
	require.NoError(t, err)

	has, err = history.HasOrders(ctx, "acc-1")
	require.NoError(t, err)
	require.True(t, has)
}
