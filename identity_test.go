package hddo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticIdentity(t *testing.T) {
	pha, err := StaticIdentity("abc").PersonalHealthAddress(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", pha)

	_, err = StaticIdentity("").PersonalHealthAddress(context.Background())
	require.ErrorIs(t, err, ErrInitialization)
}

func TestLocalIdentity_Lazy(t *testing.T) {
	calls := 0
	id := &LocalIdentity{Register: func(context.Context, string) error {
		calls++
		return nil
	}}
	first, err := id.PersonalHealthAddress(context.Background())
	require.NoError(t, err)
	require.True(t, isDigest(first), "address %q should be a digest", first)

	second, err := id.PersonalHealthAddress(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, calls)
}

func TestLocalIdentity_RetriesTakenAddress(t *testing.T) {
	var tried []string
	id := &LocalIdentity{Register: func(_ context.Context, pha string) error {
		tried = append(tried, pha)
		if len(tried) < 3 {
			return ErrAddressTaken
		}
		return nil
	}}
	pha, err := id.PersonalHealthAddress(context.Background())
	require.NoError(t, err)
	require.Len(t, tried, 3)
	require.Equal(t, tried[2], pha)
}

func TestLocalIdentity_Exhausted(t *testing.T) {
	id := &LocalIdentity{
		MaxAttempts: 2,
		Register:    func(context.Context, string) error { return ErrAddressTaken },
	}
	_, err := id.PersonalHealthAddress(context.Background())
	require.ErrorIs(t, err, ErrAddressTaken)
}

func TestLocalIdentity_RegisterError(t *testing.T) {
	boom := errors.New("registry offline")
	id := &LocalIdentity{Register: func(context.Context, string) error { return boom }}
	_, err := id.PersonalHealthAddress(context.Background())
	require.ErrorIs(t, err, boom)

	r := newTestRecord(t)
	require.ErrorIs(t, r.AddPersonalHealthAddress(context.Background(), id), boom)
	require.Empty(t, r.PersonalHealthAddress())
}

func TestLocalIdentity_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&LocalIdentity{}).PersonalHealthAddress(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
