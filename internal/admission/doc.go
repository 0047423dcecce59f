// Package admission provides per-client fixed-window admission control
// with background eviction of idle entries.
//
// This is a single-instance, in-memory limiter intended for basic abuse
// prevention on a single server. It does not protect against distributed
// attacks or application-layer DoS that stays under the limit. For those,
// use an upstream WAF or CDN-level rate limiting.
package admission
