// Package mqtt provides MQTT connectivity for the Gray Logic NLP bridge.
//
// This package manages:
//   - Connection to the Mosquitto broker with auto-reconnect
//   - Publishing with QoS and retained status
//   - Subscriptions with wildcard support, restored after reconnect
//   - Last Will and Testament on graylogic/nlp/status for offline detection
//
// Other Gray Logic components reach the classifier through the broker:
//
//	Core / UI ↔ MQTT Broker ↔ NLP bridge ↔ classifier worker
//
// # Topics
//
//	graylogic/nlp/request/{service}/{request_id}   requests in
//	graylogic/nlp/response/{service}/{request_id}  replies out
//	graylogic/nlp/health/{service}                 retained health
//	graylogic/nlp/status                           retained online/offline + LWT
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllRequests("classifier"), 1, handler)
//
// TLS should be enabled for deployments outside a trusted network
// (cfg.Broker.TLS=true); credentials belong in environment variables.
package mqtt
