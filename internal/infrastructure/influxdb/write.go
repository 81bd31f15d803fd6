package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by this package.
const (
	MeasurementClassification = "classification"
	MeasurementWorker         = "classifier_worker"
)

// WriteClassification records one settled classification request.
//
// This is the primary method for recording classifier telemetry.
// The write is non-blocking; data is batched and sent asynchronously.
// Tags are low-cardinality (status, class); latency and a unit count are fields.
//
// Parameters:
//   - status: Outcome of the request (e.g., "ok", "timeout", "transport_error")
//   - class: Top classification label, or "" when the request failed
//   - latency: Time from submit to settlement
//
// Example:
//
//	client.WriteClassification("ok", "commands", 38*time.Millisecond)
func (c *Client) WriteClassification(status, class string, latency time.Duration) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(classificationPoint(status, class, latency, time.Now()))
}

func classificationPoint(status, class string, latency time.Duration, at time.Time) *write.Point {
	tags := map[string]string{"status": status}
	if class != "" {
		tags["class"] = class
	}
	return write.NewPoint(
		MeasurementClassification,
		tags,
		map[string]interface{}{
			"latency_ms": float64(latency) / float64(time.Millisecond),
			"count":      int64(1),
		},
		at,
	)
}

// WorkerSample is a point-in-time view of the worker and its correlator.
type WorkerSample struct {
	Name      string
	Running   bool
	Pending   int
	Restarts  int
	Unmatched uint64
	BytesIn   uint64
	BytesOut  uint64
}

// WriteWorkerSample records a worker health sample.
//
// Used for dashboards tracking restarts, backlog, and stream throughput.
// The write is non-blocking; a disconnected client drops the sample.
//
// Parameters:
//   - s: Snapshot of the worker process and its correlator
func (c *Client) WriteWorkerSample(s WorkerSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(workerPoint(s, time.Now()))
}

func workerPoint(s WorkerSample, at time.Time) *write.Point {
	running := int64(0)
	if s.Running {
		running = 1
	}
	return write.NewPoint(
		MeasurementWorker,
		map[string]string{"worker": s.Name},
		map[string]interface{}{
			"running":   running,
			"pending":   int64(s.Pending),
			"restarts":  int64(s.Restarts),
			"unmatched": s.Unmatched,
			"bytes_in":  s.BytesIn,
			"bytes_out": s.BytesOut,
		},
		at,
	)
}
