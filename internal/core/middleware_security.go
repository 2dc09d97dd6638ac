package core

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"storegate/internal/billing"
	"storegate/internal/tenancy"
	"storegate/internal/types"
)

// TenantGuard runs the isolation check for the matched route. It must be
// attached with chi's With so every URL parameter is already bound. The body
// is read for the check and restored for the handler.
func (s *Server) TenantGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Guard == nil {
			Error(w, r, types.NewAppError(types.ErrCodeTenantLookupFailed, "Access could not be verified", nil))
			return
		}
		user, _ := types.GetUser(r.Context())

		body, err := peekBody(r)
		if err != nil {
			Error(w, r, err)
			return
		}

		access := tenancy.Access{
			User:        user,
			RouteName:   routeName(r),
			Method:      r.Method,
			URL:         r.URL.String(),
			IP:          extractClientIP(r),
			UserAgent:   r.UserAgent(),
			RouteParams: routeParams(r),
			Body:        body,
			Query:       r.URL.Query(),
		}
		if err := s.Guard.Check(r.Context(), access); err != nil {
			Error(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GateOption configures a PlanGate.
type GateOption func(*billing.GateRequest)

// WithHardLimit enables the count check against the plan's limit for the
// gated feature.
func WithHardLimit() GateOption {
	return func(req *billing.GateRequest) { req.HardLimit = true }
}

// WithLimit enables the count check against n instead of the plan's limit.
func WithLimit(n int64) GateOption {
	return func(req *billing.GateRequest) {
		req.HardLimit = true
		req.Limit = n
	}
}

// PlanGate denies the request unless the caller's plan grants feature.
// Advisory headers from an allowed decision are set before the handler runs.
func (s *Server) PlanGate(feature string, opts ...GateOption) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Gate == nil {
				Error(w, r, types.NewAppError(types.ErrCodeGateUnavailable, "Unable to verify plan access", nil))
				return
			}
			user, _ := types.GetUser(r.Context())
			req := billing.GateRequest{
				User:      user,
				Feature:   feature,
				RequestID: types.GetRequestID(r.Context()),
			}
			for _, opt := range opts {
				opt(&req)
			}

			d := s.Gate.Evaluate(r.Context(), req)
			if !d.Allowed() {
				Error(w, r, d.Denial)
				return
			}
			for k, v := range d.Headers {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Named tags the route with a logical name, e.g. "usage.increment", used in
// audit records.
func Named(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(types.WithRouteName(r.Context(), name)))
		})
	}
}

func routeName(r *http.Request) string {
	if name := types.GetRouteName(r.Context()); name != "" {
		return name
	}
	return routePattern(r)
}

// routeParams flattens chi's bound URL parameters. The catch-all "*" is
// skipped.
func routeParams(r *http.Request) map[string]string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		if key == "*" || i >= len(rctx.URLParams.Values) {
			continue
		}
		params[key] = rctx.URLParams.Values[i]
	}
	return params
}

// peekBody decodes the request body into fields without consuming it. Form
// bodies are parsed by their media type; anything else is tried as a JSON
// object whatever its declared type. Empty and undecodable bodies yield nil;
// malformed input is left for the handler to reject.
func peekBody(r *http.Request) (map[string]any, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "failed to read request body", err)
	}
	if len(raw) > maxRequestBodySize {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must not exceed 1MB", nil)
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	mt, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, nil
		}
		return formFields(values), nil
	case "multipart/form-data":
		form, err := multipart.NewReader(bytes.NewReader(raw), params["boundary"]).ReadForm(maxRequestBodySize)
		if err != nil {
			return nil, nil
		}
		defer func() { _ = form.RemoveAll() }()
		return formFields(form.Value), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, nil
	}
	return body, nil
}

// formFields flattens form values: a repeated field becomes a list, which the
// guard never accepts as a store reference.
func formFields(values map[string][]string) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, vs := range values {
		switch len(vs) {
		case 0:
		case 1:
			out[k] = vs[0]
		default:
			list := make([]any, len(vs))
			for i, v := range vs {
				list[i] = v
			}
			out[k] = list
		}
	}
	return out
}

// extractClientIP returns the first X-Forwarded-For entry, or the host part
// of RemoteAddr.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
