package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphaarena/engine/internal/config"
)

func newTestGateway() *BinanceGateway {
	g := NewBinanceGateway(config.ExchangeConfig{RateLimit: 10000, RateBurst: 10000}, 20)
	g.retry = fastRetryConfig()
	return g
}

func TestReadRetriesTransientVenueErrors(t *testing.T) {
	g := newTestGateway()

	calls := 0
	out, err := g.read(context.Background(), "klines", func() (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, &APIError{Code: CodeInternalError, Message: "Internal error; unable to process your request."}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "ok", out)
}

func TestReadShortCircuitsMappedErrors(t *testing.T) {
	g := newTestGateway()

	calls := 0
	_, err := g.read(context.Background(), "position", func() (interface{}, error) {
		calls++
		return nil, &APIError{Code: CodeMarginInsufficient, Message: "Margin is insufficient."}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "a mapped rejection surfaces without retries")
	assert.True(t, IsCode(err, CodeMarginInsufficient))
}

func TestWriteBacksOffOnRateLimit(t *testing.T) {
	g := newTestGateway()

	calls := 0
	err := g.write(context.Background(), "place_order", func() error {
		calls++
		if calls == 1 {
			return &APIError{Code: CodeTooManyRequests, Message: "Too many requests; please use the websocket for live updates."}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWriteSurfacesOrderRejectImmediately(t *testing.T) {
	g := newTestGateway()

	calls := 0
	err := g.write(context.Background(), "place_order", func() error {
		calls++
		return &APIError{Code: CodeOrderRejected, Message: "Order would be rejected."}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsCode(err, CodeOrderRejected))
}
