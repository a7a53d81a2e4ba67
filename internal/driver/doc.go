// Package driver holds the institution driver registry and the protective
// wrapper applied to every external driver: per-call timeouts, a circuit
// breaker, and a page-fetch rate limit. The actual browser automation lives
// outside this module behind domain.Driver.
package driver
