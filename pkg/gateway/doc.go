// Package gateway exposes the login flow over HTTP.
//
//	GET  /          redirect to the identity provider
//	GET  /callback  finish the login and redirect to the dashboard with the token
//	POST /register  verify a token (query or Authorization header) and provision its user
//	POST /upload    accept a CSV file; no processing is performed
//
// Errors are answered with a generic message and the request ID. Invalid
// tokens map to 401, upstream failures to 502 and an unreachable key source
// to 503.
package gateway
