// Package middleware holds the HTTP middleware that guards the backend.
package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"powgate/internal/challenge"
	"powgate/internal/config"
	"powgate/internal/geo"
	"powgate/internal/handlers"
	"powgate/internal/metrics"
	"powgate/internal/types"
	"powgate/internal/utils"
)

// Route is one protected "METHOD /path-glob" entry.
type Route struct {
	Method  string
	Pattern string
}

// ParseRoutes converts config entries into Routes.
func ParseRoutes(entries []string) ([]Route, error) {
	routes := make([]Route, 0, len(entries))
	for _, e := range entries {
		method, pattern, err := config.ParseRoute(e)
		if err != nil {
			return nil, err
		}
		routes = append(routes, Route{Method: method, Pattern: pattern})
	}
	return routes, nil
}

func (rt Route) matches(method, cleaned string) bool {
	if !strings.EqualFold(rt.Method, method) {
		return false
	}
	ok, _ := path.Match(rt.Pattern, cleaned)
	return ok
}

// cleanPath collapses duplicate slashes and dot segments and drops any
// trailing slash, so /api//tickets/ and /api/./tickets match /api/tickets.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// GateOptions configure Gate. Validator is required.
type GateOptions struct {
	Validator    *challenge.Validator
	Protected    []Route
	MaxBodyBytes int64
	Metrics      *metrics.Metrics
	Geo          *geo.Locator
	Logger       *zap.Logger
}

// Gate validates the proof headers of protected requests before they reach
// next. Every request leaves with its x-challenge-* headers removed; accepted
// protected requests gain X-Challenge-Session.
func Gate(opts GateOptions) func(http.Handler) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cleaned := cleanPath(r.URL.Path)
			if !isProtected(opts.Protected, r.Method, cleaned) {
				types.StripProofHeaders(r.Header)
				next.ServeHTTP(w, r)
				return
			}
			// Forward exactly the method and path that were checked.
			r.Method = strings.ToUpper(r.Method)
			r.URL.Path = cleaned
			r.URL.RawPath = ""

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			r.Body.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
					return
				}
				logger.Info("Gate: failed to read request body", zap.Error(err))
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}

			start := time.Now()
			sid, err := opts.Validator.Validate(r.Context(), types.ProofFromHeader(r.Header), body)
			if err != nil {
				kind := types.KindOf(err)
				opts.Metrics.Validation(string(kind), time.Since(start))
				ip := utils.ClientIP(r)
				logger.Warn("Gate: request rejected",
					zap.String("errorKind", string(kind)),
					zap.Error(err),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("ip", ip),
					zap.String("country", opts.Geo.Country(ip)),
					zap.String("requestId", chimw.GetReqID(r.Context())))
				if kind == "" {
					http.Error(w, types.GenericMessage, http.StatusInternalServerError)
					return
				}
				handlers.WriteRejection(w, kind)
				return
			}
			opts.Metrics.Validation("ok", time.Since(start))

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			types.StripProofHeaders(r.Header)
			r.Header.Set(types.HeaderSession, sid)
			next.ServeHTTP(w, r.WithContext(types.WithSessionID(r.Context(), sid)))
		})
	}
}

func isProtected(routes []Route, method, cleaned string) bool {
	for _, rt := range routes {
		if rt.matches(method, cleaned) {
			return true
		}
	}
	return false
}
