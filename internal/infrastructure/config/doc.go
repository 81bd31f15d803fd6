// Package config handles loading and validating Gray Logic NLP bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GRAYLOGIC_NLP_* environment variables
//   - Validation of the worker, transport and service settings
//   - Default value handling
//
// Durations are written in Go syntax ("30s", "500ms").
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Worker.Binary)
package config
