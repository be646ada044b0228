package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCountsByLabel(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder := NewRecorder(registry)

	recorder.IngestOutcome("accepted")
	recorder.IngestOutcome("accepted")
	recorder.IngestOutcome("duplicate_ignored")
	recorder.CacheLookup("activity_feed", CacheResultHit)
	recorder.FeedPruned(3)
	recorder.FeedPruned(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(recorder.ingestOutcomes.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.ingestOutcomes.WithLabelValues("duplicate_ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.cacheLookups.WithLabelValues("activity_feed", CacheResultHit)))
	assert.Equal(t, 3.0, testutil.ToFloat64(recorder.feedPruned))

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 3)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *Recorder
	assert.NotPanics(t, func() {
		recorder.IngestOutcome("accepted")
		recorder.CacheLookup("community_stats", CacheResultMiss)
		recorder.FeedPruned(1)
	})
}
