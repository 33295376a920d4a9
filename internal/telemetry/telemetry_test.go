package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledInitInstallsNoopProvider(t *testing.T) {
	require.NoError(t, Init(false, false))
	counter := Counter(Meter(""), "kernel.occ.conflicts", "test")
	counter.Add(context.Background(), 1)
	Shutdown(context.Background())
}

func TestEnabledInitWithoutExporter(t *testing.T) {
	require.NoError(t, Init(true, false))
	t.Cleanup(func() {
		Shutdown(context.Background())
		_ = Init(false, false)
	})
	counter := Counter(Meter("ordering"), "ordering.shifted", "test")
	counter.Add(context.Background(), 3)
}
