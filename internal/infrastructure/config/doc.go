// Package config handles loading and validating the automation engine configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields and scheduler bounds
//   - Default value handling
//
// Sensitive values (MQTT password, InfluxDB token) should be supplied via
// environment variables rather than the config file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Automation.TickInterval)
package config
