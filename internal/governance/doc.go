// Package governance holds runtime safety controls shared by the roots
// manager and the HTTP surface, currently token bucket rate limiting of
// roots change notifications per client.
package governance
