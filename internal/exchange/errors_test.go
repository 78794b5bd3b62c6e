package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	transport := &TransportError{Op: "get ticker", Err: errors.New("connection reset")}
	rejected := &RejectedError{Op: "place order", Code: -2019, Reason: "Margin is insufficient."}

	assert.Equal(t, KindNone, Classify(nil))
	assert.Equal(t, KindTransport, Classify(transport))
	assert.Equal(t, KindTransport, Classify(fmt.Errorf("tick: %w", transport)))
	assert.Equal(t, KindTransport, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindRejected, Classify(rejected))
	assert.Equal(t, KindUnknown, Classify(errors.New("boom")))

	assert.True(t, IsTransport(transport))
	assert.False(t, IsTransport(rejected))
	assert.True(t, IsRejected(fmt.Errorf("wrapped: %w", rejected)))
}

func TestRejectedErrorUnwrapsSentinel(t *testing.T) {
	err := &RejectedError{Op: "get ticker", Code: -1121, Reason: "Invalid symbol.", Err: ErrSymbolNotFound}
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	assert.NotErrorIs(t, err, ErrOrderNotFound)
	assert.Contains(t, err.Error(), "-1121")
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "transport", KindTransport.String())
	assert.Equal(t, "rejected", KindRejected.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}
