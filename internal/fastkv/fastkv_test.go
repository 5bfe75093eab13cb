package fastkv

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// storeContract exercises behavior every Store must share.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	prefix := uuid.NewString() + ":"

	t.Run("append and range newest first", func(t *testing.T) {
		key := prefix + "list"
		for _, v := range []string{"a", "b", "c", "d"} {
			require.NoError(t, s.Append(ctx, key, []byte(v), 3, time.Hour))
		}
		got, err := s.Range(ctx, key, 0)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("d"), []byte("c"), []byte("b")}, got)

		got, err = s.Range(ctx, key, 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("range of missing key", func(t *testing.T) {
		got, err := s.Range(ctx, prefix+"missing", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("incr counters and fields", func(t *testing.T) {
		key := prefix + "hash"
		require.NoError(t, s.Incr(ctx, key, map[string]int64{"calls": 1}, map[string]string{"last": "1"}, time.Hour))
		require.NoError(t, s.Incr(ctx, key, map[string]int64{"calls": 1, "errors": 1}, map[string]string{"last": "2"}, time.Hour))

		fields, err := s.Fields(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"calls": "2", "errors": "1", "last": "2"}, fields)
	})

	t.Run("fields of missing key", func(t *testing.T) {
		fields, err := s.Fields(ctx, prefix+"nothing")
		require.NoError(t, err)
		assert.Empty(t, fields)
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore(nil))
}

func TestRedisStore_Contract(t *testing.T) {
	url := os.Getenv("CREDVAULT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CREDVAULT_TEST_REDIS_URL not set")
	}
	s, err := DialRedis(context.Background(), url, "credvault-test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	storeContract(t, s)
}

func TestMemoryStore_TTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "l", []byte("x"), 0, time.Minute))
	require.NoError(t, s.Incr(ctx, "h", map[string]int64{"n": 1}, nil, time.Minute))

	clock.Advance(30 * time.Second)
	// Writes refresh the TTL.
	require.NoError(t, s.Incr(ctx, "h", map[string]int64{"n": 1}, nil, time.Minute))

	clock.Advance(30 * time.Second)
	got, err := s.Range(ctx, "l", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	fields, err := s.Fields(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, "2", fields["n"])

	clock.Advance(30 * time.Second)
	fields, err = s.Fields(ctx, "h")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	v := []byte("abc")
	require.NoError(t, s.Append(ctx, "l", v, 0, 0))
	v[0] = 'z'

	got, err := s.Range(ctx, "l", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got[0])
}

func TestDialRedis_BadURL(t *testing.T) {
	_, err := DialRedis(context.Background(), "not-a-url", "")
	require.Error(t, err)
}
