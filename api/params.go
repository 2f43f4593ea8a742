package api

import (
	"context"
	"net/http"
)

type pathParamsKey struct{}

// WithPathParams returns a request whose context carries the captured path
// parameters. Called by the host's route table before invoking a handler.
func WithPathParams(r *http.Request, params map[string]string) *http.Request {
	if len(params) == 0 {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), pathParamsKey{}, params))
}

// PathParam returns the value captured for a {name} segment of the matched
// route path, or "" if the segment was not present.
func PathParam(r *http.Request, name string) string {
	params, _ := r.Context().Value(pathParamsKey{}).(map[string]string)
	return params[name]
}
