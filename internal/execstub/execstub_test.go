package execstub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeAndCommitBlockAdvancesHeight(t *testing.T) {
	e := New()
	ctx := context.Background()

	_, found, err := e.LatestHeader(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, e.InitializeBlock(ctx, nil))
	num, _, err := e.FinalizeBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), num)

	id := e.building.id
	payload, err := e.CommitBlock(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, payload)

	header, found, err := e.LatestHeader(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, header.ID)
	assert.Equal(t, uint64(1), uint64(header.Num))
}

func TestSecondBlockChainsToFirst(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.InitializeBlock(ctx, nil))
	firstID := e.building.id
	_, err := e.CommitBlock(ctx, firstID)
	require.NoError(t, err)

	require.NoError(t, e.InitializeBlock(ctx, nil))
	assert.Equal(t, firstID, e.building.parentID)
	assert.Equal(t, uint64(2), uint64(e.building.num))
}

func TestCancelBlockDropsInProgressBlock(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.InitializeBlock(ctx, nil))
	require.NoError(t, e.CancelBlock(ctx))

	_, _, err := e.FinalizeBlock(ctx)
	assert.Error(t, err)
}

func TestFailBlockOnlyDropsMatchingID(t *testing.T) {
	e := New()
	ctx := context.Background()
	require.NoError(t, e.InitializeBlock(ctx, nil))
	other := e.building.id
	other[0] ^= 0xFF

	require.NoError(t, e.FailBlock(ctx, other)) // doesn't match building, no-op
	_, _, err := e.FinalizeBlock(ctx)
	assert.NoError(t, err)

	require.NoError(t, e.FailBlock(ctx, e.building.id))
	_, _, err = e.FinalizeBlock(ctx)
	assert.Error(t, err)
}

func TestHeaderByIDAfterCommit(t *testing.T) {
	e := New()
	ctx := context.Background()
	require.NoError(t, e.InitializeBlock(ctx, nil))
	id := e.building.id
	_, err := e.CommitBlock(ctx, id)
	require.NoError(t, err)

	header, found, err := e.HeaderByID(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, header.ID)

	sealed, found, err := e.SealedHeaderByID(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, sealed.ID)
}
