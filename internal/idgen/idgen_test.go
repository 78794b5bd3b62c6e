package idgen

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var binanceClientID = regexp.MustCompile(`^[\.A-Z\:/a-z0-9_-]{1,36}$`)

func TestNext_FormatAndParse(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	g := New("btc-grid#1").WithClock(func() time.Time { return at })

	id := g.Next()
	assert.Regexp(t, binanceClientID, id)
	assert.True(t, g.Owns(id))
	assert.Contains(t, id, "btcgrid1-")

	ts, seq, ok := Parse(id)
	require.True(t, ok)
	assert.Equal(t, at.UnixMilli(), ts.UnixMilli())
	assert.Equal(t, uint64(1), seq)
}

func TestNext_Unique(t *testing.T) {
	g := New("bot").WithClock(func() time.Time { return time.UnixMilli(1) })

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := g.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}

func TestOwns(t *testing.T) {
	a, b := New("alpha"), New("beta")
	assert.False(t, a.Owns(b.Next()))
	assert.False(t, a.Owns("web_123456"))
	assert.False(t, a.Owns(""))
}

func TestSanitizeLimitsLength(t *testing.T) {
	id := New("a-very-long-bot-identifier-that-goes-on").Next()
	assert.LessOrEqual(t, len(id), 36)
	assert.Equal(t, "grid", sanitize("###"))
}
