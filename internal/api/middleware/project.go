package middleware

import (
	"net/http"
	"strings"

	pkgmw "github.com/agentoven/dispatcher/pkg/middleware"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ProjectScope stores the {projectID} route parameter in the request
// context and tags the active span with it. Mount it inside the
// /v1/projects/{projectID} route so the parameter is resolved.
func ProjectScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		project := strings.TrimSpace(chi.URLParam(r, "projectID"))
		if project == "" {
			next.ServeHTTP(w, r)
			return
		}

		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("dispatcher.project", project))
		next.ServeHTTP(w, r.WithContext(pkgmw.SetProject(r.Context(), project)))
	})
}
