package provision

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Nxdus/asf-fieldmap/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	calls    atomic.Int32
	failures int32
	keys     services.ProvisionedKeys
}

func (f *fakeSource) Keys(ctx context.Context) (services.ProvisionedKeys, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return services.ProvisionedKeys{}, errors.New("connection refused")
	}
	return f.keys, nil
}

func TestRunPublishesKeysOnce(t *testing.T) {
	src := &fakeSource{keys: services.ProvisionedKeys{MapTileKey: "abc", GeocodeKey: "xyz"}}
	p := New(src, Options{})

	_, ok := p.Keys()
	assert.False(t, ok)

	p.Run(context.Background())
	p.Run(context.Background())

	keys, ok := p.Keys()
	require.True(t, ok)
	assert.Equal(t, "abc", keys.MapTileKey)
	assert.Equal(t, "xyz", keys.GeocodeKey)
	assert.Equal(t, int32(1), src.calls.Load())

	got, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keys, got)
}

func TestFailureLeavesKeysUnset(t *testing.T) {
	src := &fakeSource{failures: 100}
	p := New(src, Options{MaxAttempts: 1})

	p.Run(context.Background())

	_, ok := p.Keys()
	assert.False(t, ok)
	assert.Equal(t, int32(1), src.calls.Load())

	_, err := p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrKeysUnavailable)
}

func TestIncompleteKeysAreRejected(t *testing.T) {
	src := &fakeSource{keys: services.ProvisionedKeys{MapTileKey: "abc"}}
	p := New(src, Options{})

	p.Run(context.Background())

	_, err := p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrKeysUnavailable)
}

func TestBoundedRetryWithBackoff(t *testing.T) {
	src := &fakeSource{failures: 2, keys: services.ProvisionedKeys{MapTileKey: "abc", GeocodeKey: "xyz"}}
	p := New(src, Options{MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})

	p.Run(context.Background())

	_, ok := p.Keys()
	assert.True(t, ok)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	src := &fakeSource{failures: 100}
	p := New(src, Options{MaxAttempts: 4, Backoff: time.Millisecond})

	p.Run(context.Background())

	assert.Equal(t, int32(4), src.calls.Load())
	_, ok := p.Keys()
	assert.False(t, ok)
}

func TestWaitHonoursContext(t *testing.T) {
	p := New(&fakeSource{}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-p.Done():
		t.Fatal("done closed before Run")
	default:
	}
}
