package requestid

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProducesValidSortableIDs(t *testing.T) {
	ids := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		id := New()
		require.True(t, IsValid(id), id)
		ids = append(ids, id)
	}

	assert.True(t, sort.StringsAreSorted(ids), "ids should be monotonic")
}

func TestNewIsSafeForConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]bool{}

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := New()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 800)
}

func TestIsValidRejectsForeignValues(t *testing.T) {
	assert.False(t, IsValid("jan_01h"))
	assert.False(t, IsValid("cnv_not-a-ulid"))
	assert.False(t, IsValid(""))
}
