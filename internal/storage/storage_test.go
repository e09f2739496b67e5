package storage_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicant-partners/chrysalis/internal/model"
	"github.com/replicant-partners/chrysalis/internal/storage"
	"github.com/replicant-partners/chrysalis/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		os.Exit(1)
	}
	testDB = db
	defer testDB.Close(context.Background())

	os.Exit(m.Run())
}

func TestUpsertAndGetInstance(t *testing.T) {
	ctx := context.Background()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	inst := model.Instance{
		AgentID:      "agent-storage-1",
		InstanceID:   "A",
		PublicKey:    pub,
		RegisteredAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, testDB.UpsertInstance(ctx, inst))

	got, err := testDB.GetInstance(ctx, inst.AgentID, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, inst.AgentID, got.AgentID)
	assert.Equal(t, inst.InstanceID, got.InstanceID)
	assert.True(t, pub.Equal(got.PublicKey))
}

func TestUpsertInstanceOverwritesKeyOnConflict(t *testing.T) {
	ctx := context.Background()
	pub1, _, _ := ed25519.GenerateKey(nil)
	pub2, _, _ := ed25519.GenerateKey(nil)

	inst := model.Instance{
		AgentID:      "agent-storage-2",
		InstanceID:   "A",
		PublicKey:    pub1,
		RegisteredAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, testDB.UpsertInstance(ctx, inst))

	inst.PublicKey = pub2
	require.NoError(t, testDB.UpsertInstance(ctx, inst))

	got, err := testDB.GetInstance(ctx, inst.AgentID, inst.InstanceID)
	require.NoError(t, err)
	assert.True(t, pub2.Equal(got.PublicKey), "key-rotate commit should overwrite the stored public key")
}

func TestGetInstanceNotFound(t *testing.T) {
	_, err := testDB.GetInstance(context.Background(), "agent-storage-missing", "Z")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestListInstancesOrderedByRegisteredAt(t *testing.T) {
	ctx := context.Background()
	agentID := "agent-storage-list"
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i, id := range []string{"B", "A", "C"} {
		pub, _, _ := ed25519.GenerateKey(nil)
		require.NoError(t, testDB.UpsertInstance(ctx, model.Instance{
			AgentID:      agentID,
			InstanceID:   id,
			PublicKey:    pub,
			RegisteredAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	list, err := testDB.ListInstances(ctx, agentID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"B", "A", "C"}, []string{list[0].InstanceID, list[1].InstanceID, list[2].InstanceID})
}

func TestTouchInstanceUpdatesLastSeen(t *testing.T) {
	ctx := context.Background()
	pub, _, _ := ed25519.GenerateKey(nil)
	inst := model.Instance{
		AgentID:      "agent-storage-touch",
		InstanceID:   "A",
		PublicKey:    pub,
		RegisteredAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, testDB.UpsertInstance(ctx, inst))

	later := inst.RegisteredAt.Add(time.Hour)
	require.NoError(t, testDB.TouchInstance(ctx, inst.AgentID, inst.InstanceID, later))

	got, err := testDB.GetInstance(ctx, inst.AgentID, inst.InstanceID)
	require.NoError(t, err)
	assert.True(t, got.LastSeenAt.Equal(later))
}

func TestCheckpointRoundTripAndLatest(t *testing.T) {
	ctx := context.Background()

	first := storage.Checkpoint{
		FromTxID:   1,
		ToTxID:     100,
		EventCount: 100,
		RootHash:   "root-1",
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, testDB.CreateCheckpoint(ctx, first))

	prev := first.RootHash
	second := storage.Checkpoint{
		FromTxID:     101,
		ToTxID:       200,
		EventCount:   100,
		RootHash:     "root-2",
		PreviousRoot: &prev,
		CreatedAt:    first.CreatedAt.Add(time.Minute),
	}
	require.NoError(t, testDB.CreateCheckpoint(ctx, second))

	latest, err := testDB.GetLatestCheckpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ToTxID, latest.ToTxID)
	assert.Equal(t, second.RootHash, latest.RootHash)
	require.NotNil(t, latest.PreviousRoot)
	assert.Equal(t, first.RootHash, *latest.PreviousRoot)
}
