package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstancesDoNotShareRegistry(t *testing.T) {
	a := New()
	b := New()

	a.RecordEventApplied("v2")
	a.RecordEventApplied("v2")
	a.RecordEventRejected("state_desync")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.EventsApplied.WithLabelValues("v2")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.EventsApplied.WithLabelValues("v2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.EventsRejected.WithLabelValues("state_desync")))
}

func TestRecordHelpers(t *testing.T) {
	m := New()

	m.RecordGraphStats(3, 8, 4)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.GraphNodes))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.GraphEdges))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PoolsTracked))

	m.RecordSearch(time.Millisecond, 2, true)
	m.RecordSearch(time.Millisecond, 1, false)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CyclesFound))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchesPartial))

	m.RecordSizing(SizingProfitable, time.Microsecond)
	m.RecordSizing(SizingNoProfit, time.Microsecond)
	m.RecordSizing(SizingNoProfit, time.Microsecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SizingOutcomes.WithLabelValues(SizingNoProfit)))

	m.SetLastBatch(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(m.LastBatch))

	m.RecordSnapshotReplaced()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotsDropped))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.RecordProfitableOpportunity()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "arb_profitable_opportunities_total 1"))
	assert.False(t, strings.Contains(body, "go_goroutines"), "private registry should not carry default collectors")
}
