package api

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerRequester      = "X-Requester"

	contentTypeJSON      = "application/json"
	contentTypeProblem   = "application/problem+json"
	contentTypeCycloneDX = "application/vnd.cyclonedx+json; version=1.6"
)

// EndpointDefinition is one route of the recond API. Path holds
// {wildcards} in http.ServeMux syntax.
type EndpointDefinition struct {
	Path   string
	Method string
}

// Pattern returns the http.ServeMux pattern of the endpoint.
func (e EndpointDefinition) Pattern() string {
	return e.Method + " " + e.Path
}

// URL returns the path with wildcards replaced by args in order.
func (e EndpointDefinition) URL(args ...string) string {
	path := strings.TrimSuffix(e.Path, "{$}")
	for _, arg := range args {
		start := strings.IndexByte(path, '{')
		end := strings.IndexByte(path, '}')
		if start < 0 || end < start {
			break
		}
		path = path[:start] + url.PathEscape(arg) + path[end+1:]
	}
	return path
}

const (
	EndpointInfo          = "info"
	EndpointSubmit        = "submit"
	EndpointHistory       = "history"
	EndpointStatus        = "status"
	EndpointResults       = "results"
	EndpointCancel        = "cancel"
	EndpointEvents        = "events"
	EndpointTools         = "tools"
	EndpointProfiles      = "profiles"
	EndpointProfile       = "profile"
	EndpointSaveProfile   = "saveProfile"
	EndpointDeleteProfile = "deleteProfile"
	EndpointAudit         = "audit"
)

func Endpoints() map[string]EndpointDefinition {
	return map[string]EndpointDefinition{
		EndpointInfo: {
			Path:   "/{$}",
			Method: http.MethodGet,
		},
		EndpointSubmit: {
			Path:   "/api/jobs",
			Method: http.MethodPost,
		},
		EndpointHistory: {
			Path:   "/api/jobs",
			Method: http.MethodGet,
		},
		EndpointStatus: {
			Path:   "/api/jobs/{id}",
			Method: http.MethodGet,
		},
		EndpointResults: {
			Path:   "/api/jobs/{id}/results",
			Method: http.MethodGet,
		},
		EndpointCancel: {
			Path:   "/api/jobs/{id}",
			Method: http.MethodDelete,
		},
		EndpointEvents: {
			Path:   "/api/jobs/{id}/events",
			Method: http.MethodGet,
		},
		EndpointTools: {
			Path:   "/api/tools",
			Method: http.MethodGet,
		},
		EndpointProfiles: {
			Path:   "/api/profiles",
			Method: http.MethodGet,
		},
		EndpointProfile: {
			Path:   "/api/profiles/{name}",
			Method: http.MethodGet,
		},
		EndpointSaveProfile: {
			Path:   "/api/profiles/{name}",
			Method: http.MethodPut,
		},
		EndpointDeleteProfile: {
			Path:   "/api/profiles/{name}",
			Method: http.MethodDelete,
		},
		EndpointAudit: {
			Path:   "/api/audit",
			Method: http.MethodGet,
		},
	}
}
