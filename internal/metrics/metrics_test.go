package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testutilCounterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}

func testutilGaugeValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}

func TestRecordShareUpdatesCounters(t *testing.T) {
	m := New("test")
	m.RecordShare(true, 0.001)
	m.RecordShare(false, 0.002)

	accepted := testutilCounterValue(t, m.SharesTotal.WithLabelValues("accepted"))
	rejected := testutilCounterValue(t, m.SharesTotal.WithLabelValues("rejected"))
	if accepted != 1 {
		t.Errorf("accepted = %v, want 1", accepted)
	}
	if rejected != 1 {
		t.Errorf("rejected = %v, want 1", rejected)
	}
}

func TestRecordConnectionAcceptedIncrementsCurrent(t *testing.T) {
	m := New("test")
	m.RecordConnection(true, "")
	if got := testutilGaugeValue(t, m.ConnectionsCurrent); got != 1 {
		t.Errorf("connections current = %v, want 1", got)
	}
	m.RecordDisconnection()
	if got := testutilGaugeValue(t, m.ConnectionsCurrent); got != 0 {
		t.Errorf("connections current after disconnect = %v, want 0", got)
	}
}

func TestRecordConnectionRejectedIncrementsReasonCounter(t *testing.T) {
	m := New("test")
	m.RecordConnection(false, "max_clients")
	if got := testutilCounterValue(t, m.ConnectionsRejected.WithLabelValues("max_clients")); got != 1 {
		t.Errorf("rejected(max_clients) = %v, want 1", got)
	}
}

func TestRecordJobUpdatesTotalsAndActiveGauge(t *testing.T) {
	m := New("test")
	m.RecordJob(3)
	m.RecordJob(4)
	if got := testutilCounterValue(t, m.JobsTotal); got != 2 {
		t.Errorf("jobs total = %v, want 2", got)
	}
	if got := testutilGaugeValue(t, m.JobsActive); got != 4 {
		t.Errorf("jobs active = %v, want 4", got)
	}
}

func TestRecordVardiffRetargetIncrementsCounter(t *testing.T) {
	m := New("test")
	m.RecordVardiffRetarget()
	m.RecordVardiffRetarget()
	if got := testutilCounterValue(t, m.VardiffRetargets); got != 2 {
		t.Errorf("vardiff retargets = %v, want 2", got)
	}
}

func TestRecordBlockFoundIncrementsCounter(t *testing.T) {
	m := New("test")
	m.RecordBlockFound()
	if got := testutilCounterValue(t, m.BlocksFound); got != 1 {
		t.Errorf("blocks found = %v, want 1", got)
	}
}

func TestRecordRPCTracksErrorsSeparately(t *testing.T) {
	m := New("test")
	m.RecordRPC("getblocktemplate", 0.01, nil)
	m.RecordRPC("getblocktemplate", 0.02, errTest)
	if got := testutilCounterValue(t, m.RPCRequests.WithLabelValues("getblocktemplate")); got != 2 {
		t.Errorf("rpc requests = %v, want 2", got)
	}
	if got := testutilCounterValue(t, m.RPCErrors); got != 1 {
		t.Errorf("rpc errors = %v, want 1", got)
	}
}

func TestSetHashEngineHashrateAndSieveBestMerit(t *testing.T) {
	m := New("test")
	m.SetHashEngineHashrate(12345.6)
	m.SetSieveBestMerit(11.2)
	if got := testutilGaugeValue(t, m.HashEngineHashrate); got != 12345.6 {
		t.Errorf("hash engine hashrate = %v, want 12345.6", got)
	}
	if got := testutilGaugeValue(t, m.SieveBestMerit); got != 11.2 {
		t.Errorf("sieve best merit = %v, want 11.2", got)
	}
}

func TestRecordRateLimitedIncrementsCounter(t *testing.T) {
	m := New("test")
	m.RecordRateLimited()
	if got := testutilCounterValue(t, m.RateLimited); got != 1 {
		t.Errorf("rate limited = %v, want 1", got)
	}
}

var errTest = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
