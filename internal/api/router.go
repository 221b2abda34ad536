// Package api exposes the rollout controller over HTTP and provides the
// matching client.
package api

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
)

const (
	routeStartRollout  = "StartRollout"
	routeGetRollout    = "GetRollout"
	routeCancelRollout = "CancelRollout"
	routeHistory       = "History"
	routeRollback      = "Rollback"
	routeArtifacts     = "Artifacts"
	routePing          = "Ping"
	routeMetrics       = "Metrics"
)

// NewRouter names every route so server and client build paths from the
// same table.
func NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.NewRoute().Name(routeStartRollout).Methods("POST").Path("/v1/rollouts")
	r.NewRoute().Name(routeGetRollout).Methods("GET").Path("/v1/rollouts/{id}")
	r.NewRoute().Name(routeCancelRollout).Methods("POST").Path("/v1/rollouts/{id}/cancel")
	r.NewRoute().Name(routeHistory).Methods("GET").Path("/v1/workloads/{name}/rollouts")
	r.NewRoute().Name(routeRollback).Methods("POST").Path("/v1/workloads/{name}/rollback")
	r.NewRoute().Name(routeArtifacts).Methods("GET").Path("/v1/artifacts")
	r.NewRoute().Name(routePing).Methods("HEAD", "GET").Path("/v1/ping")
	r.NewRoute().Name(routeMetrics).Methods("GET").Path("/metrics")
	return r
}

func makeURL(endpoint string, router *mux.Router, route string, pathVars ...string) (*url.URL, error) {
	if len(pathVars)%2 != 0 {
		return nil, fmt.Errorf("path variables must come in pairs")
	}
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint %s: %w", endpoint, err)
	}

	r := router.Get(route)
	if r == nil {
		return nil, fmt.Errorf("no route named %q", route)
	}
	routeURL, err := r.URLPath(pathVars...)
	if err != nil {
		return nil, fmt.Errorf("failed to build path for %s: %w", route, err)
	}

	endpointURL.Path = strings.TrimSuffix(endpointURL.Path, "/") + routeURL.Path
	return endpointURL, nil
}
