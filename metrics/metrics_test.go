package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	r := New("256", "dynamic")
	r.Timepoint("updated")
	r.Timepoint("updated")
	r.Timepoint("skipped")
	r.Selection("optimal", "enumerate", 20*time.Millisecond)
	r.Selection("fallback", "", 0)
	r.Update("bayes", 0.5, 0.8, 2)
	r.MissingMarkers(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.timepoints.WithLabelValues("updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.selections.WithLabelValues("fallback")))
	assert.Equal(t, 0.8, testutil.ToFloat64(r.dominant))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.significant))

	// Two runs never collide.
	other := New("257", "dynamic")
	other.Timepoint("updated")
	assert.Equal(t, 2.0, testutil.ToFloat64(r.timepoints.WithLabelValues("updated")))

	path := filepath.Join(t.TempDir(), "out", "metrics.prom")
	require.NoError(t, r.WriteTextfile(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `treetrack_timepoints_total{mode="dynamic",outcome="updated",patient="256"} 2`)
	assert.Contains(t, string(b), "treetrack_ensemble_entropy")
}
