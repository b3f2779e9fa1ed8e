// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is an inbound request that passed origin and size checks.
type ProxyRequest struct {
	Ctx         context.Context
	Method      string
	Origin      string
	ContentType string
	Query       url.Values
	Body        []byte
}

// ProxyResponse represents the upstream response to be relayed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ErrorBody is the JSON envelope for errors produced by the proxy itself.
// It mirrors the upstream's own error shape so clients parse one format.
type ErrorBody struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

// NewErrorBody returns an error envelope carrying msg.
func NewErrorBody(msg string) ErrorBody {
	return ErrorBody{Result: "error", Error: msg}
}
