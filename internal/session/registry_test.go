package session

import (
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

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testRecord() Record {
	return Record{
		Provider:            ProviderCredentials{AccountID: "AC123", Secret: "secret"},
		SourceNumber:        "+15550001111",
		Agent:               AgentCredentials{AgentID: "agent-1", APIKey: "key-1"},
		CallbackBaseAddress: "https://bridge.example.com",
	}
}

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	s, err := r.Create(testRecord())
	require.NoError(t, err)

	parsed, err := uuid.Parse(s.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.Equal(t, "AC123", got.Provider.AccountID)
	assert.Equal(t, "agent-1", got.Agent.AgentID)
	assert.Equal(t, 1, r.Len())
}

func TestCreateUniqueIDs(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s, err := r.Create(testRecord())
		require.NoError(t, err)
		require.False(t, seen[s.ID], "duplicate session id %s", s.ID)
		seen[s.ID] = true
	}
}

func TestGetUnknown(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	_, err := r.Get("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTTLBoundary(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(WithClock(clock.Now))
	defer r.Close()

	s, err := r.Create(testRecord())
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	_, err = r.Get(s.ID)
	require.NoError(t, err, "session should be alive at T+59m")

	clock.Advance(2 * time.Minute)
	_, err = r.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound, "session should be gone at T+61m")
	assert.Equal(t, 0, r.Len())
}

func TestTimerExpiry(t *testing.T) {
	r := NewRegistry(WithTTL(50 * time.Millisecond))
	defer r.Close()

	s, err := r.Create(testRecord())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	_, err = r.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIdempotent(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	s, err := r.Create(testRecord())
	require.NoError(t, err)

	r.Delete(s.ID)
	r.Delete(s.ID)

	_, err = r.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCallIndex(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	s, err := r.Create(testRecord())
	require.NoError(t, err)

	require.NoError(t, r.BindCall("CA1", s.ID))
	got, err := r.SessionForCall("CA1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	r.ReleaseCall("CA1")
	_, err = r.SessionForCall("CA1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, r.BindCall("CA2", "unknown"), ErrNotFound)
}

func TestCallIndexRemovedWithSession(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	s, err := r.Create(testRecord())
	require.NoError(t, err)
	require.NoError(t, r.BindCall("CA1", s.ID))

	r.Delete(s.ID)
	_, err = r.SessionForCall("CA1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAny(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	r := NewRegistry(WithClock(clock.Now))
	defer r.Close()

	_, ok := r.Any()
	assert.False(t, ok)

	s, err := r.Create(testRecord())
	require.NoError(t, err)

	got, ok := r.Any()
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)

	clock.Advance(2 * time.Hour)
	_, ok = r.Any()
	assert.False(t, ok)
}

func TestCloseRejectsCreate(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create(testRecord())
	require.NoError(t, err)

	r.Close()
	assert.Equal(t, 0, r.Len())

	_, err = r.Create(testRecord())
	assert.Error(t, err)
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s, err := r.Create(testRecord())
				if err != nil {
					t.Error(err)
					return
				}
				if _, err := r.Get(s.ID); err != nil {
					t.Error(err)
				}
				r.Delete(s.ID)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
