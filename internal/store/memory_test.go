package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RoomLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.CreateRoom(ctx, "ABC123", "average"))
	require.Error(t, s.CreateRoom(ctx, "ABC123", "strict"), "duplicate code must fail")

	rec, err := s.Room(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "average", rec.Mode)

	_, err = s.Room(ctx, "NOPE42")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_BacklogOrderingAndEstimates(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.CreateRoom(ctx, "ABC123", "median"))

	err := s.ReplaceBacklog(ctx, "ABC123", []Item{
		{ExternalID: "b", Title: "second", Order: 2, Estimate: "99"},
		{ExternalID: "a", Title: "first", Order: 1},
	})
	require.NoError(t, err)

	items, err := s.Backlog(ctx, "ABC123")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "first", items[0].Title, "items come back in order")
	assert.Empty(t, items[1].Estimate, "incoming estimates are discarded")

	require.NoError(t, s.SetEstimate(ctx, "ABC123", "a", "5"))
	items, err = s.Backlog(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "5", items[0].Estimate)

	assert.ErrorIs(t, s.SetEstimate(ctx, "ABC123", "zzz", "5"), ErrNotFound)
	assert.ErrorIs(t, s.ReplaceBacklog(ctx, "NOPE42", nil), ErrNotFound)
}
