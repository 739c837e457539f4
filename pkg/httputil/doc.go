// Package httputil provides HTTP handler utilities for consistent JSON responses,
// request middleware and bearer token extraction.
package httputil
