package id

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	tests := []struct {
		kind Kind
		mint func() string
	}{
		{Request, NewRequestID},
		{Batch, NewBatchID},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			s := tt.mint()
			assert.Regexp(t, "^"+string(tt.kind)+"_[0-9A-Z]{26}$", s)
			assert.True(t, IsValidPrefixed(s, string(tt.kind)))
			assert.False(t, IsValidPrefixed(s, "other"))

			u, ok := tt.kind.Parse(s)
			require.True(t, ok)
			assert.WithinDuration(t, time.Now(), time.UnixMilli(int64(u.Time())), time.Minute)
		})
	}
}

func TestParseRejects(t *testing.T) {
	for _, s := range []string{"", "req", "req_", "req_not-a-ulid", "batch_01J0000000000000000000000Z", "01J00000000000000000000000"} {
		_, ok := Request.Parse(s)
		assert.False(t, ok, s)
	}
}

func TestIDsSortByMintOrder(t *testing.T) {
	const workers, per = 8, 200

	var (
		mu  sync.Mutex
		all []string
		wg  sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, per)
			for range per {
				local = append(local, Batch.New())
			}
			assert.True(t, sort.StringsAreSorted(local))
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := make(map[string]struct{}, len(all))
	for _, s := range all {
		seen[s] = struct{}{}
	}
	assert.Len(t, seen, workers*per)
}

func TestRunID(t *testing.T) {
	before := time.Now().Add(-time.Second)
	u := NewRunID()
	assert.Equal(t, uuid.Version(7), u.Version())

	ts, ok := RunIDTime(u)
	require.True(t, ok)
	assert.True(t, ts.After(before))

	_, ok = RunIDTime(uuid.New())
	assert.False(t, ok)
}
