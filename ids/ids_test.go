package ids

import (
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	g := NewGenerator()

	properties.Property("ids are 26 characters", prop.ForAll(
		func(_ int) bool {
			return len(g.NewID()) == 26
		},
		gen.Int(),
	))

	properties.Property("lexicographic order equals generation order", prop.ForAll(
		func(n int) bool {
			count := 2 + n%64
			ids := make([]string, count)
			for i := range ids {
				ids[i] = g.NewID()
			}
			return sort.StringsAreSorted(ids) && strictlyIncreasing(ids)
		},
		gen.IntRange(0, 256),
	))

	properties.TestingRun(t)
}

func TestNewIDConcurrentUniqueness(t *testing.T) {
	g := NewGenerator()
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for range perWorker {
				local = append(local, g.NewID())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

func TestPrefixedIDs(t *testing.T) {
	g := NewGenerator()
	cases := []struct {
		prefix string
		mint   func() string
	}{
		{RunPrefix, g.RunID},
		{EventPrefix, g.EventID},
		{ChunkPrefix, g.ChunkID},
		{MessagePrefix, g.MessageID},
	}
	for _, tc := range cases {
		id := tc.mint()
		require.True(t, strings.HasPrefix(id, tc.prefix), "id %q", id)
		assert.Len(t, id, len(tc.prefix)+26)
	}
}

func strictlyIncreasing(ids []string) bool {
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			return false
		}
	}
	return true
}
