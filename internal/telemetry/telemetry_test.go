package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/telemetry"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := telemetry.Init(context.Background(), telemetry.Settings{ServiceName: "kiroku"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	counter, err := telemetry.Meter("kiroku/test").Int64Counter("kiroku.test.total")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	_, span := telemetry.Tracer("kiroku/test").Start(context.Background(), "noop")
	span.End()
}
