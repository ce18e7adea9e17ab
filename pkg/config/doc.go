/*
Package config loads and validates the Strata configuration.

Configuration is plain YAML overlaid on documented defaults. The
recognized keys cover the storage retry loops and circuit breaker, the
graph and brute-force index parameters, the filter DSL limits, the query
cache bounds, the boundary validation limits, and the tiering TTLs and
thresholds.

	cfg, err := config.Load("strata.yaml")

Every duration-valued field is stored in its natural YAML unit
(milliseconds, seconds, hours, days) and exposed as a time.Duration
through an accessor.
*/
package config
