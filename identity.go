package hddo

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// IdentityProvider supplies the personal health address of the local user.
type IdentityProvider interface {
	PersonalHealthAddress(ctx context.Context) (string, error)
}

// StaticIdentity is an IdentityProvider that always returns itself.
type StaticIdentity string

// PersonalHealthAddress implements IdentityProvider.
func (s StaticIdentity) PersonalHealthAddress(context.Context) (string, error) {
	if s == "" {
		return "", initErrorf("empty personal health address")
	}
	return string(s), nil
}

// ErrAddressTaken may be returned by a RegisterFunc to request a fresh
// address.
var ErrAddressTaken = errors.New("personal health address already registered")

// RegisterFunc claims a freshly generated personal health address with an
// external registry. Returning ErrAddressTaken makes LocalIdentity try
// another address.
type RegisterFunc func(ctx context.Context, pha string) error

// DefaultRegisterAttempts bounds address generation in LocalIdentity.
const DefaultRegisterAttempts = 8

// LocalIdentity lazily creates a personal health address on first use and
// then keeps returning it. It is safe for concurrent use.
type LocalIdentity struct {
	// Register is called for every candidate address. Nil accepts the first.
	Register RegisterFunc
	// MaxAttempts bounds the number of candidates. Zero means
	// DefaultRegisterAttempts.
	MaxAttempts int

	mu  sync.Mutex
	pha string
}

// PersonalHealthAddress implements IdentityProvider.
func (l *LocalIdentity) PersonalHealthAddress(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pha != "" {
		return l.pha, nil
	}

	attempts := l.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultRegisterAttempts
	}
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		seed, err := randomBytes(16)
		if err != nil {
			return "", fmt.Errorf("generate address: %w", err)
		}
		candidate := Digest(seed)
		if l.Register != nil {
			err := l.Register(ctx, candidate)
			if errors.Is(err, ErrAddressTaken) {
				continue
			}
			if err != nil {
				return "", fmt.Errorf("register address: %w", err)
			}
		}
		l.pha = candidate
		return candidate, nil
	}
	return "", fmt.Errorf("%w after %d attempts", ErrAddressTaken, attempts)
}
