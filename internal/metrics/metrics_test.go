package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestRegistryGathersAllRegisteredCollectors(t *testing.T) {
	AppendedEvents.Add(0) // touch the collector so it reports even at zero

	families, err := Registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"kimberlite_storage_append_batches_total",
		"kimberlite_storage_appended_events_total",
		"kimberlite_storage_chain_verification_failures_total",
		"kimberlite_scrub_corrupt_entries_total",
		"kimberlite_scrub_tour_completions_total",
		"kimberlite_vsr_view_changes_total",
		"kimberlite_vsr_current_view",
		"kimberlite_vsr_commit_number",
		"kimberlite_vsr_repair_requests_total",
		"kimberlite_clock_synchronize_attempts_total",
		"kimberlite_session_committed_sessions",
		"kimberlite_query_plans_chosen_total",
	} {
		require.True(t, names[want], "expected metric %s to be registered", want)
	}
}

func TestCounterVecTracksLabelsIndependently(t *testing.T) {
	AppendBatches.WithLabelValues("success").Add(2)
	AppendBatches.WithLabelValues("failure").Add(1)

	require.Equal(t, float64(2), testCounterValue(t, AppendBatches.WithLabelValues("success")))
	require.Equal(t, float64(1), testCounterValue(t, AppendBatches.WithLabelValues("failure")))
}

func testCounterValue(t *testing.T, c interface {
	Write(*dto.Metric) error
}) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
