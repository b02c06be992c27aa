// Package api provides the OVH REST API client.
//
// REST endpoints:
//   - Europe: https://eu.api.ovh.com/1.0
//   - Canada: https://ca.api.ovh.com/1.0
//   - US: https://api.us.ovhcloud.com/1.0
//
// Calls used:
//   - GET  /auth/time (clock skew for signatures)
//   - GET  /dedicated/server/datacenter/availabilities
//   - POST /order/cart, /order/cart/{id}/assign, item, configuration, checkout
//
// Every error returned by the client can be mapped onto the engine's error
// taxonomy with Classify.
package api
