package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "7:bybit")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, l.Held("7:bybit"))

	_, ok, err = l.TryLock(ctx, "7:bybit")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = l.TryLock(ctx, "8:bybit")
	assert.True(t, ok)

	release()
	release()
	assert.False(t, l.Held("7:bybit"))

	_, ok, _ = l.TryLock(ctx, "7:bybit")
	assert.True(t, ok)
}

type erroringLocker struct{ err error }

func (e erroringLocker) TryLock(context.Context, string) (func(), bool, error) {
	return nil, false, e.err
}

func TestChainLockerReleasesOnFailure(t *testing.T) {
	ctx := context.Background()
	first, second := NewLocalLocker(), NewLocalLocker()

	_, ok, _ := second.TryLock(ctx, "k")
	require.True(t, ok)

	chain := ChainLocker{first, second}
	_, ok, err := chain.TryLock(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, first.Held("k"))

	backendErr := errors.New("redis down")
	_, ok, err = ChainLocker{first, erroringLocker{backendErr}}.TryLock(ctx, "j")
	assert.ErrorIs(t, err, backendErr)
	assert.False(t, ok)
	assert.False(t, first.Held("j"))
}

func TestChainLockerReleasesAll(t *testing.T) {
	ctx := context.Background()
	first, second := NewLocalLocker(), NewLocalLocker()

	release, ok, err := ChainLocker{first, second}.TryLock(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, first.Held("k"))
	assert.True(t, second.Held("k"))

	release()
	assert.False(t, first.Held("k"))
	assert.False(t, second.Held("k"))
}
