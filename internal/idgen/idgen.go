// Package idgen generates client order ids that identify the owning bot.
package idgen

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/jxskiss/base62"
)

// maxPrefix keeps ids inside Binance's 36 character client order id limit.
const maxPrefix = 12

// Generator produces ids of the form <prefix>-<base62 millis>-<base62 seq>.
type Generator struct {
	prefix string
	seq    atomic.Uint64
	now    func() time.Time
}

// New returns a generator whose ids start with a sanitised form of botID.
func New(botID string) *Generator {
	return &Generator{prefix: sanitize(botID), now: time.Now}
}

// WithClock replaces the time source.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Next returns a fresh id. Safe for concurrent use.
func (g *Generator) Next() string {
	seq := g.seq.Add(1)
	ms := uint64(g.now().UnixMilli())
	var b strings.Builder
	b.WriteString(g.prefix)
	b.WriteByte('-')
	b.Write(base62.FormatUint(ms))
	b.WriteByte('-')
	b.Write(base62.FormatUint(seq))
	return b.String()
}

// Owns reports whether id was produced by a generator with this prefix.
func (g *Generator) Owns(id string) bool {
	_, _, ok := Parse(id)
	return ok && strings.HasPrefix(id, g.prefix+"-")
}

// Parse splits an id into its timestamp and sequence number.
func Parse(id string) (time.Time, uint64, bool) {
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] == "" {
		return time.Time{}, 0, false
	}
	ms, err := base62.ParseUint([]byte(parts[1]))
	if err != nil {
		return time.Time{}, 0, false
	}
	seq, err := base62.ParseUint([]byte(parts[2]))
	if err != nil {
		return time.Time{}, 0, false
	}
	return time.UnixMilli(int64(ms)), seq, true
}

func sanitize(botID string) string {
	var b strings.Builder
	for _, r := range botID {
		if b.Len() == maxPrefix {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "grid"
	}
	return b.String()
}
