// Package redis implements the Redis-backed stores: the durable session
// record mirror written by the supervisor on every transition, and the
// aggregate stats snapshot cache exported by the reconciler.
package redis
