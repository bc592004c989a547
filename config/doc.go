// Package config loads the YAML configuration of a transaction user container.
//
// A minimal file looks like:
//
//	log:
//	  format: json
//	  level: debug
//	timings:
//	  t1: 500ms
//	sessions:
//	  ttl: 10m
//	  counting_rule: corrected
//	via:
//	  host: 192.0.2.10
//	  port: 5060
//
// Omitted fields keep the values of [Default].
package config
