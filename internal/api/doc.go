// Package api implements the pulsewatch HTTP REST API.
//
// New(deps) returns an http.Handler that serves:
//
//	GET    /api/v1/health                          liveness
//	GET    /api/v1/status                          scheduler state and counter totals
//	POST   /api/v1/cycle                           run one scheduling pass now
//	GET    /api/v1/endpoints?user={id}             monitored endpoints
//	GET    /api/v1/endpoints/{id}                  one endpoint
//	POST   /api/v1/endpoints/{id}/check            probe now and run the analyzers
//	GET    /api/v1/endpoints/{id}/checks           recent checks (?limit=, default 50)
//	GET    /api/v1/endpoints/{id}/anomalies        recent anomalies (?limit=)
//	GET    /api/v1/endpoints/{id}/regressions      regressions, newest first
//	GET    /api/v1/endpoints/{id}/alerts           predictive alerts, newest first
//	GET    /api/v1/endpoints/{id}/impact           cascade impact if the endpoint fails
//	GET    /api/v1/users/{user}/dependencies       dependency graph
//	GET    /api/v1/users/{user}/dependencies/detect  suggested dependencies
//	POST   /api/v1/dependencies                    declare a dependency
//	DELETE /api/v1/dependencies?source=&target=    remove a dependency
//
// All responses are JSON. Errors have the form {"error": "..."}.
package api
