// Package influxdb records classifier metrics in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with the connection
// management and non-blocking batched writes the rest of Gray Logic uses.
//
// # Measurements
//
//   - classification: one point per settled request, tagged by status and
//     winning class, with latency_ms and count fields
//   - classifier_worker: periodic worker samples (running, pending,
//     restarts, unmatched replies, bytes in/out)
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteClassification("ok", "questions", 41*time.Millisecond)
//
// Write operations are non-blocking; batch errors are delivered to the
// SetOnError callback. Connection and health check errors are returned directly.
package influxdb
