package idgen

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTaskID_IsUniqueAndLexicallySortableWithTime(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = NewTaskID()
	}

	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate task id generated")
		seen[id] = true
		assert.Len(t, id, 26, "ULID string encoding must be 26 chars")
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, ids, "ids generated in sequence must already be lexically sorted")
}

func TestNewTaskID_SafeForConcurrentUse(t *testing.T) {
	const n = 200
	out := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out <- NewTaskID()
		}()
	}
	wg.Wait()
	close(out)

	seen := map[string]bool{}
	for id := range out {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, seen, n)
}
