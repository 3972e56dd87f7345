package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/eventnet/telemetry"
)

func TestSetup_NoopWhenDisabled(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), "test-service", telemetry.Config{
		Endpoint: "http://localhost:4318",
	})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), "test-service", telemetry.Config{Enabled: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, shutdown(ctx))
}

func TestSetup_CreatesProvider(t *testing.T) {
	// non-routable address so no export happens
	shutdown, err := telemetry.Setup(context.Background(), "test-service", telemetry.Config{
		Enabled:     true,
		Endpoint:    "http://192.0.2.1:4318",
		SampleRatio: 0.5,
	})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
