package persisted

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/credcache/lock"
	"github.com/projecteru2/credcache/lock/filelock"
	lockflock "github.com/projecteru2/credcache/lock/flock"
	"github.com/projecteru2/credcache/lock/strategy"
	"github.com/projecteru2/credcache/persistence"
	"github.com/projecteru2/credcache/persistence/file"
	"github.com/projecteru2/credcache/tokencache"
)

type mockPersistence struct {
	mock.Mock
}

func newMockPersistence(t *testing.T) *mockPersistence {
	t.Helper()
	m := &mockPersistence{}
	m.On("Location").Return(filepath.Join(t.TempDir(), "cache.json")).Maybe()
	return m
}

func (m *mockPersistence) Load(ctx context.Context) ([]byte, bool, error) {
	args := m.Called(ctx)
	data, _ := args.Get(0).([]byte)
	return data, args.Bool(1), args.Error(2)
}

func (m *mockPersistence) Save(ctx context.Context, data []byte) error {
	return m.Called(ctx, data).Error(0)
}

func (m *mockPersistence) LastModified(ctx context.Context) (time.Time, error) {
	args := m.Called(ctx)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *mockPersistence) Location() string { return m.Called().String(0) }

func (m *mockPersistence) Encrypted() bool { return m.Called().Bool(0) }

func newFileCache(t *testing.T, location string, opts ...Option) *Cache {
	t.Helper()
	p, err := file.New(location)
	require.NoError(t, err)
	opts = append([]Option{WithLocker(func(path string) lock.Locker {
		return filelock.New(path, filelock.WithRetryInterval(10*time.Millisecond))
	})}, opts...)
	c, err := New(p, tokencache.New(), opts...)
	require.NoError(t, err)
	return c
}

// settle outlasts the coarse clock some filesystems stamp mtimes with.
func settle() { time.Sleep(50 * time.Millisecond) }

func TestEndToEndAcrossInstances(t *testing.T) {
	ctx := t.Context()
	location := filepath.Join(t.TempDir(), "cache.json")
	a := newFileCache(t, location)
	b := newFileCache(t, location)

	require.NoError(t, a.Modify(ctx, "RefreshToken", nil, tokencache.Entry{"secret": "x"}))

	got, err := b.Find(ctx, "RefreshToken", nil)
	require.NoError(t, err)
	assert.Contains(t, got, tokencache.Entry{"secret": "x"})
}

func TestReloadFreshness(t *testing.T) {
	ctx := t.Context()
	location := filepath.Join(t.TempDir(), "cache.json")
	a := newFileCache(t, location)
	b := newFileCache(t, location)

	require.NoError(t, a.Modify(ctx, "RefreshToken", nil, tokencache.Entry{"client_id": "a", "secret": "1"}))
	got, err := a.Find(ctx, "RefreshToken", nil)
	require.NoError(t, err)
	require.Len(t, got, 1)

	settle()
	// B builds on A's write because Modify reloads under the lock first.
	require.NoError(t, b.Modify(ctx, "RefreshToken", nil, tokencache.Entry{"client_id": "b", "secret": "2"}))

	got, err = a.Find(ctx, "RefreshToken", nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []tokencache.Entry{{"client_id": "b", "secret": "2"}}, mustFind(t, a, tokencache.Entry{"client_id": "b"}))
}

func mustFind(t *testing.T, c *Cache, query tokencache.Entry) []tokencache.Entry {
	t.Helper()
	got, err := c.Find(t.Context(), "RefreshToken", query)
	require.NoError(t, err)
	return got
}

func TestMissingBackendIsBenign(t *testing.T) {
	ctx := t.Context()
	location := filepath.Join(t.TempDir(), "never", "created.json")
	c := newFileCache(t, location)

	got, err := c.Find(ctx, "RefreshToken", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoFileExists(t, location)

	require.NoError(t, c.Modify(ctx, "RefreshToken", nil, tokencache.Entry{"secret": "x"}))
	assert.FileExists(t, location)
	assert.NoFileExists(t, c.LockLocation())
}

func TestNoReloadWhenUnchanged(t *testing.T) {
	ctx := t.Context()
	p := newMockPersistence(t)
	p.On("LastModified", mock.Anything).Return(time.Now().Add(-time.Minute), nil)
	p.On("Load", mock.Anything).Return([]byte(`{"RefreshToken":{"k":{"secret":"x"}}}`), true, nil).Once()

	c, err := New(p, tokencache.New())
	require.NoError(t, err)

	for range 3 {
		got, err := c.Find(ctx, "RefreshToken", nil)
		require.NoError(t, err)
		assert.Equal(t, []tokencache.Entry{{"secret": "x"}}, got)
	}
	p.AssertNumberOfCalls(t, "Load", 1)
	p.AssertNumberOfCalls(t, "LastModified", 3)
}

func TestReloadWhenTimestampAdvances(t *testing.T) {
	ctx := t.Context()
	now := time.Now()
	p := newMockPersistence(t)
	p.On("LastModified", mock.Anything).Return(now.Add(-time.Minute), nil).Once()
	p.On("Load", mock.Anything).Return([]byte(`{"RefreshToken":{"k":{"secret":"old"}}}`), true, nil).Once()
	p.On("LastModified", mock.Anything).Return(now.Add(time.Minute), nil).Once()
	p.On("Load", mock.Anything).Return([]byte(`{"RefreshToken":{"k":{"secret":"new"}}}`), true, nil).Once()

	c, err := New(p, tokencache.New(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	got, err := c.Find(ctx, "RefreshToken", nil)
	require.NoError(t, err)
	assert.Equal(t, "old", got[0]["secret"])

	got, err = c.Find(ctx, "RefreshToken", nil)
	require.NoError(t, err)
	assert.Equal(t, "new", got[0]["secret"])
	p.AssertExpectations(t)
}

func TestLoadNotFoundIsNoop(t *testing.T) {
	p := newMockPersistence(t)
	p.On("LastModified", mock.Anything).Return(time.Now(), nil)
	p.On("Load", mock.Anything).Return(nil, false, nil)

	c, err := New(p, tokencache.New())
	require.NoError(t, err)
	got, err := c.Find(t.Context(), "RefreshToken", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindRetriesThenRaises(t *testing.T) {
	ctx := t.Context()
	dirty := errors.New("unexpected end of JSON input")
	p := newMockPersistence(t)
	p.On("LastModified", mock.Anything).Return(time.Now(), nil)
	p.On("Load", mock.Anything).Return(nil, false, dirty)

	c, err := New(p, tokencache.New())
	require.NoError(t, err)

	start := time.Now()
	got, err := c.Find(ctx, "RefreshToken", nil)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, dirty)
	assert.Nil(t, got)
	p.AssertNumberOfCalls(t, "Load", DefaultFindAttempts)
	assert.InDelta(t, (2 * DefaultFindRetryDelay).Seconds(), elapsed.Seconds(), 0.25)
}

func TestFindRecoversFromDirtyRead(t *testing.T) {
	p := newMockPersistence(t)
	p.On("LastModified", mock.Anything).Return(time.Now().Add(-time.Second), nil)
	p.On("Load", mock.Anything).Return([]byte(`{"RefreshToken":{"k":{`), true, nil).Once()
	p.On("Load", mock.Anything).Return([]byte(`{"RefreshToken":{"k":{"secret":"x"}}}`), true, nil).Once()

	c, err := New(p, tokencache.New(), WithFindRetry(3, 10*time.Millisecond))
	require.NoError(t, err)

	got, err := c.Find(t.Context(), "RefreshToken", nil)
	require.NoError(t, err)
	assert.Equal(t, []tokencache.Entry{{"secret": "x"}}, got)
	p.AssertNumberOfCalls(t, "Load", 2)
}

func TestFindStopsOnCancel(t *testing.T) {
	p := newMockPersistence(t)
	p.On("LastModified", mock.Anything).Return(time.Now(), nil)
	dirty := errors.New("dirty")
	p.On("Load", mock.Anything).Return(nil, false, dirty)

	c, err := New(p, tokencache.New(), WithFindRetry(10, time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.Find(ctx, "RefreshToken", nil)
	require.ErrorIs(t, err, dirty)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	p.AssertNumberOfCalls(t, "Load", 1)
}

func TestModifyPropagatesLoadErrorWithoutRetry(t *testing.T) {
	corrupt := errors.New("cannot decrypt")
	p := newMockPersistence(t)
	p.On("LastModified", mock.Anything).Return(time.Now(), nil)
	p.On("Load", mock.Anything).Return(nil, false, corrupt)

	c, err := New(p, tokencache.New())
	require.NoError(t, err)

	err = c.Modify(t.Context(), "RefreshToken", nil, tokencache.Entry{"secret": "x"})
	require.ErrorIs(t, err, corrupt)
	p.AssertNumberOfCalls(t, "Load", 1)
	p.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	assert.NoFileExists(t, c.LockLocation())
}

func TestModifySavesSerializedCache(t *testing.T) {
	p := newMockPersistence(t)
	p.On("LastModified", mock.Anything).Return(time.Time{}, fmt.Errorf("%w: x", persistence.ErrNotFound))
	var saved []byte
	p.On("Save", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(1).([]byte)
	}).Return(nil).Once()

	c, err := New(p, tokencache.New())
	require.NoError(t, err)
	require.NoError(t, c.Modify(t.Context(), "RefreshToken", nil, tokencache.Entry{"secret": "x"}))

	m := tokencache.New()
	require.NoError(t, m.Deserialize(saved))
	assert.Equal(t, []tokencache.Entry{{"secret": "x"}}, m.Find("RefreshToken", nil))
	p.AssertNotCalled(t, "Load", mock.Anything)
}

func TestModifyFailsWhenLockHeld(t *testing.T) {
	p := newMockPersistence(t)
	c, err := New(p, tokencache.New(), WithLocker(func(path string) lock.Locker {
		return filelock.New(path, filelock.WithTimeout(200*time.Millisecond), filelock.WithRetryInterval(20*time.Millisecond))
	}))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(c.LockLocation(), []byte("1 other"), 0o600))

	err = c.Modify(t.Context(), "RefreshToken", nil, tokencache.Entry{"secret": "x"})
	require.ErrorIs(t, err, lock.ErrLock)
	assert.Contains(t, err.Error(), c.LockLocation())
	p.AssertNotCalled(t, "LastModified", mock.Anything)
	p.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestModifyReleasesLockOnCacheError(t *testing.T) {
	c := newFileCache(t, filepath.Join(t.TempDir(), "cache.json"))
	err := c.Modify(t.Context(), "", nil, tokencache.Entry{"secret": "x"})
	require.ErrorIs(t, err, tokencache.ErrEmptyType)
	assert.NoFileExists(t, c.LockLocation())
}

func TestAutoStrategyLeavesDefaultLockFree(t *testing.T) {
	ctx := t.Context()
	location := filepath.Join(t.TempDir(), "cache.json")
	newLocker, err := strategy.Factory(ctx, strategy.Auto, filepath.Dir(location), strategy.Options{})
	require.NoError(t, err)

	auto := newFileCache(t, location, WithLocker(newLocker))
	require.NoError(t, auto.Modify(ctx, "RefreshToken", nil, tokencache.Entry{"client_id": "a"}))
	assert.NoFileExists(t, auto.LockLocation())

	settle()
	def := newFileCache(t, location, WithLocker(func(path string) lock.Locker {
		return filelock.New(path, filelock.WithTimeout(500*time.Millisecond))
	}))
	require.NoError(t, def.Modify(ctx, "RefreshToken", nil, tokencache.Entry{"client_id": "b"}))
	assert.Len(t, mustFind(t, def, nil), 2)
}

func TestLockLocation(t *testing.T) {
	dir := t.TempDir()
	c := newFileCache(t, filepath.Join(dir, "cache.json"))
	assert.Equal(t, filepath.Join(dir, "cache.json"+LockSuffix), c.LockLocation())

	custom := filepath.Join(dir, "locks", "deep", "my.lock")
	c = newFileCache(t, filepath.Join(dir, "cache.json"), WithLockLocation(custom))
	assert.Equal(t, custom, c.LockLocation())
	assert.DirExists(t, filepath.Dir(custom))
}

func TestLastSyncIsMonotonic(t *testing.T) {
	now := time.Now()
	clock := now
	p := newMockPersistence(t)
	p.On("LastModified", mock.Anything).Return(now.Add(-time.Hour), nil)
	p.On("Save", mock.Anything, mock.Anything).Return(nil)
	p.On("Load", mock.Anything).Return([]byte(`{}`), true, nil)

	c, err := New(p, tokencache.New(), WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	require.NoError(t, c.Modify(t.Context(), "RefreshToken", nil, tokencache.Entry{"secret": "x"}))
	assert.Equal(t, now, c.lastSync)

	clock = now.Add(-time.Minute)
	require.NoError(t, c.Modify(t.Context(), "RefreshToken", nil, tokencache.Entry{"secret": "y"}))
	assert.Equal(t, now, c.lastSync)
}

func TestSerializeDoesNotTouchPersistence(t *testing.T) {
	p := newMockPersistence(t)
	p.On("Encrypted").Return(true)
	c, err := New(p, tokencache.New())
	require.NoError(t, err)

	require.NoError(t, c.Deserialize([]byte(`{"RefreshToken":{"k":{"secret":"x"}}}`)))
	data, err := c.Serialize()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"secret": "x"`)
	assert.True(t, c.Encrypted())
	p.AssertNotCalled(t, "Load", mock.Anything)
	p.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

// recorder fails the test if two reload-modify-save sequences overlap.
// Each Modify starts with LastModified and ends with Save.
type recorder struct {
	persistence.Persistence
	active  *atomic.Int32
	overlap *atomic.Bool
}

func (r recorder) LastModified(ctx context.Context) (time.Time, error) {
	if r.active.Add(1) > 1 {
		r.overlap.Store(true)
	}
	return r.Persistence.LastModified(ctx)
}

func (r recorder) Save(ctx context.Context, data []byte) error {
	defer r.active.Add(-1)
	time.Sleep(5 * time.Millisecond)
	return r.Persistence.Save(ctx, data)
}

func TestMutualExclusion(t *testing.T) {
	strategies := map[string]func(path string) lock.Locker{
		"filelock": func(path string) lock.Locker {
			return filelock.New(path, filelock.WithRetryInterval(5*time.Millisecond))
		},
		"flock": func(path string) lock.Locker {
			return lockflock.New(path, 10*time.Second)
		},
	}
	for name, newLocker := range strategies {
		t.Run(name, func(t *testing.T) {
			const writers = 8
			ctx := t.Context()
			location := filepath.Join(t.TempDir(), "cache.json")
			var (
				active  atomic.Int32
				overlap atomic.Bool
			)

			g, gctx := errgroup.WithContext(ctx)
			for i := range writers {
				g.Go(func() error {
					f, err := file.New(location)
					if err != nil {
						return err
					}
					// One Cache per writer, as separate processes would have.
					c, err := New(recorder{Persistence: f, active: &active, overlap: &overlap}, tokencache.New(), WithLocker(newLocker))
					if err != nil {
						return err
					}
					return c.Modify(gctx, "RefreshToken", nil, tokencache.Entry{"client_id": fmt.Sprint(i), "secret": "s"})
				})
			}
			require.NoError(t, g.Wait())
			assert.False(t, overlap.Load(), "reload-modify-save sequences interleaved")

			settle()
			// No write was lost: each Modify built on the previous one.
			reader := newFileCache(t, location)
			got, err := reader.Find(ctx, "RefreshToken", nil)
			require.NoError(t, err)
			assert.Len(t, got, writers)
		})
	}
}

func TestConcurrentGoroutinesShareOneCache(t *testing.T) {
	ctx := t.Context()
	c := newFileCache(t, filepath.Join(t.TempDir(), "cache.json"))

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Modify(ctx, "AccessToken", nil, tokencache.Entry{"client_id": fmt.Sprint(i)}))
		}()
		go func() {
			defer wg.Done()
			_, err := c.Find(ctx, "AccessToken", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := c.Find(ctx, "AccessToken", nil)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}
