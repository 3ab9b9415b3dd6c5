// Package httputil provides the shared JSON request/response helpers used
// by every API handler, keeping status codes and error envelopes uniform.
package httputil
