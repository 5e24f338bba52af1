// Package server hosts the Fiber HTTP service and the request middleware chain
// in front of the caching engine. Absolute-form requests (the forward-proxy
// request line) go straight to the proxy handler; origin-form requests are
// direct traffic to the proxy itself: the readiness endpoint, diagnostics
// under /-/, and Host-mapped pass-through routes built from config. The
// shared fasthttp client used for every origin call is also constructed here.
package server
