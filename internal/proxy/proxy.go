package proxy

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"

	"powgate/internal/types"
)

const viaHeader = "X-Powgate-Proxy"

// NewProxy forwards requests to backend. The gate has already stripped the
// proof headers; only the validated session header travels upstream.
func NewProxy(backend string, version string, logger *zap.Logger) (http.Handler, error) {
	u, err := url.Parse(backend)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("backend must be an absolute URL")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rp := httputil.NewSingleHostReverseProxy(u)

	// Proof headers never reach the backend. The validated session ID is
	// re-added from the request context.
	origDirector := rp.Director
	rp.Director = func(req *http.Request) {
		sid, _ := types.SessionIDFromContext(req.Context())
		types.StripProofHeaders(req.Header)
		origDirector(req)
		req.Host = u.Host
		req.Header.Set(viaHeader, "powgate/"+version)
		if sid != "" {
			req.Header.Set(types.HeaderSession, sid)
		}
	}

	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("NewProxy: backend request failed", zap.String("path", r.URL.Path), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}

	return rp, nil
}
