package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedClock_FrozenUntilAdvanced(t *testing.T) {
	clock := NewFixedClock(time.Time{})
	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch, clock.Now())

	clock.Advance(90 * time.Minute)
	assert.Equal(t, Epoch.Add(90*time.Minute), clock.Now())

	clock.Set(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 2030, clock.Now().Year())
}

func TestSequentialIDs(t *testing.T) {
	ids := NewSequentialIDs("")
	assert.Equal(t, "req-0001", ids.NewID())
	assert.Equal(t, "req-0002", ids.NewID())

	ids.Reset()
	assert.Equal(t, "req-0001", ids.NewID())
}

func TestSequentialIDs_ThreadSafe(t *testing.T) {
	ids := NewSequentialIDs("t")
	const numGoroutines = 50

	var wg sync.WaitGroup
	seen := make(chan string, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- ids.NewID()
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[string]bool{}
	for id := range seen {
		unique[id] = true
	}
	require.Len(t, unique, numGoroutines)
}

func TestFixtureRegistry(t *testing.T) {
	reg := FixtureRegistry()
	posts, err := reg.Collection("posts")
	require.NoError(t, err)
	assert.Equal(t, "tenant_id", posts.TenantField)

	author, ok := posts.Relation("author")
	require.True(t, ok)
	assert.Equal(t, "users", author.Target)
	assert.Equal(t, "id", author.ForeignField)
}
