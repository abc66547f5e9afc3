package api

import (
	"net/http"
	"sort"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the API, with one
// trigger operation per loaded workflow.
func buildOpenAPIDoc(workflows []string) map[string]any {
	secured := []any{map[string]any{"BearerAuth": []string{}}}
	jsonBody := func(ref string) map[string]any {
		return map[string]any{
			"content": map[string]any{
				"application/json": map[string]any{"schema": map[string]any{"$ref": "#/components/schemas/" + ref}},
			},
		}
	}

	paths := map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Liveness and in-flight run count",
				"responses":   map[string]any{"200": map[string]any{"description": "OK"}},
			},
		},
		"/runs": map[string]any{
			"get": map[string]any{
				"operationId": "listRuns",
				"summary":     "List recorded runs, newest first",
				"parameters": []any{
					queryParam("workflow"), queryParam("branch"), queryParam("status"), queryParam("limit"),
				},
				"responses": map[string]any{
					"200": map[string]any{"description": "Runs"},
					"400": map[string]any{"description": "Bad filter"},
				},
				"security": secured,
			},
		},
		"/runs/{runID}": map[string]any{
			"get": map[string]any{
				"operationId": "getRun",
				"summary":     "One run with its jobs",
				"parameters": []any{map[string]any{
					"name": "runID", "in": "path", "required": true, "schema": map[string]any{"type": "string"},
				}},
				"responses": map[string]any{
					"200": map[string]any{"description": "Run"},
					"404": map[string]any{"description": "Run not found"},
				},
				"security": secured,
			},
		},
		"/events": map[string]any{
			"get": map[string]any{
				"operationId": "events",
				"summary":     "Server-sent pipeline events",
				"parameters":  []any{queryParam("run")},
				"responses":   map[string]any{"200": map[string]any{"description": "text/event-stream"}},
				"security":    secured,
			},
		},
	}

	sorted := append([]string(nil), workflows...)
	sort.Strings(sorted)
	for _, name := range sorted {
		paths["/workflows/"+name+"/runs"] = map[string]any{
			"post": map[string]any{
				"operationId": "trigger__" + name,
				"summary":     "Start " + name + " for an event",
				"tags":        []string{name},
				"requestBody": jsonBody("Event"),
				"responses": map[string]any{
					"200": map[string]any{"description": "Event did not match the workflow triggers"},
					"202": map[string]any{"description": "Run started"},
					"400": map[string]any{"description": "Invalid event"},
					"403": map[string]any{"description": "Insufficient scope"},
				},
				"security": secured,
			},
		}
	}

	str := map[string]any{"type": "string"}
	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "keel",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
			"schemas": map[string]any{
				"Event": map[string]any{
					"type":     "object",
					"required": []string{"kind", "branch"},
					"properties": map[string]any{
						"kind":     map[string]any{"type": "string", "enum": []string{"push", "pull_request"}},
						"action":   str,
						"branch":   str,
						"headRepo": str,
						"headSha":  str,
						"baseRepo": str,
						"baseSha":  str,
					},
					"additionalProperties": false,
				},
			},
		},
	}
}

func queryParam(name string) map[string]any {
	return map[string]any{"name": name, "in": "query", "schema": map[string]any{"type": "string"}}
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	var names []string
	if s.catalog != nil {
		for _, def := range s.catalog.Definitions() {
			names = append(names, def.Name())
		}
	}
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(names))
}
