// Package gateway exposes the classifier service on the MQTT bus.
//
// Requests arrive on graylogic/nlp/request/{service}/{request_id} with a
// JSON body {"sentence": "..."}. Each is classified with a bounded number
// in flight and the reply is published to
// graylogic/nlp/response/{service}/{request_id}:
//
//	{"id": "req-1", "status": "ok", "class": "commands",
//	 "scores": {"questions": 0.1, "commands": 0.8, ...}}
//
// Failed requests carry "status" (one of the outcome statuses) and "error"
// instead of class and scores. Service health is published retained to
// graylogic/nlp/health/{service} on start, periodically, and on stop.
package gateway
