package fake

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/CarrierSync/internal/parser"
)

func TestClient_FetchTracking_Deterministic(t *testing.T) {
	c := New()
	a, err := c.FetchTracking(context.Background(), "UPS", "1Z1")
	require.NoError(t, err)
	b, err := c.FetchTracking(context.Background(), "UPS", "1Z1")
	require.NoError(t, err)

	ra, err := parser.TrackingParser{}.Parse(a, "UPS", "1Z1")
	require.NoError(t, err)
	rb, err := parser.TrackingParser{}.Parse(b, "UPS", "1Z1")
	require.NoError(t, err)
	require.Equal(t, len(ra.Events()), len(rb.Events()))
	require.Equal(t, len(ra.Errors), len(rb.Errors))
}

func TestClient_FetchTracking_Parseable(t *testing.T) {
	c := New()
	var soft, ok int
	for i := 0; i < 50; i++ {
		n := fmt.Sprintf("1Z%04d", i)
		body, err := c.FetchTracking(context.Background(), "UPS", n)
		require.NoError(t, err)

		res, err := parser.TrackingParser{}.Parse(body, "UPS", n)
		require.NoError(t, err)
		if len(res.Errors) > 0 {
			require.Equal(t, SoftErrorCode, res.Errors[0].Code)
			soft++
			continue
		}
		require.NotEmpty(t, res.Events())
		require.NotNil(t, res.LabelCreatedAt())
		ok++
	}
	require.Positive(t, ok)
	require.Equal(t, 50, ok+soft)
}
