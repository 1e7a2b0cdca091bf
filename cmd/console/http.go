package main

import (
	"net/http"
	"time"
)

// newHTTPClient bounds the response header wait only; uploads of large models may
// stream for longer than the timeout.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = durationOr(timeout, 30*time.Second)
	return &http.Client{Transport: transport}
}
