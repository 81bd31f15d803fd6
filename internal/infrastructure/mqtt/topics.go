package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the NLP bridge uses.
//
// Scheme: graylogic/nlp/{category}/{service}/{request_id}
const TopicPrefix = "graylogic/nlp"

// Topics provides builders for NLP bridge MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.Request("classifier", "req-1")
//	// Returns: "graylogic/nlp/request/classifier/req-1"
type Topics struct{}

// Request returns the topic a client publishes a classification request on.
//
// Example: graylogic/nlp/request/classifier/req-abc123
func (Topics) Request(service, requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, service, requestID)
}

// Response returns the topic the reply for a request is published on.
//
// Example: graylogic/nlp/response/classifier/req-abc123
func (Topics) Response(service, requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, service, requestID)
}

// Health returns the retained health topic of a service.
//
// Example: graylogic/nlp/health/classifier
func (Topics) Health(service string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, service)
}

// Status returns the retained online/offline topic of the bridge itself.
// It is also the Last Will topic.
//
// Example: graylogic/nlp/status
func (Topics) Status() string {
	return TopicPrefix + "/status"
}

// AllRequests returns a pattern matching every request for a service.
//
// Pattern: graylogic/nlp/request/classifier/+
func (Topics) AllRequests(service string) string {
	return fmt.Sprintf("%s/request/%s/+", TopicPrefix, service)
}

// RequestID extracts the request id (last level) from a request topic.
// It returns false when topic is not a request topic for service.
func (t Topics) RequestID(service, topic string) (string, bool) {
	prefix := fmt.Sprintf("%s/request/%s/", TopicPrefix, service)
	id, found := strings.CutPrefix(topic, prefix)
	if !found || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
