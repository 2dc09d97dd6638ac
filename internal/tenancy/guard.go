package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.jetify.com/typeid/v2"
	"golang.org/x/sync/errgroup"

	"storegate/internal/metrics"
	"storegate/internal/types"
)

const (
	paramStore   = "store"
	paramID      = "id"
	fieldStoreID = "store_id"

	violationIDPrefix = "sv"
)

// EntityLookup resolves an entity's owning store without tenant scoping.
// found is false when the entity does not exist.
type EntityLookup interface {
	FindStoreID(ctx context.Context, entity, id string) (storeID string, found bool, err error)
}

// Access describes the resource references of one request.
type Access struct {
	User        *types.User
	RouteName   string
	Method      string
	URL         string
	IP          string
	UserAgent   string
	RouteParams map[string]string
	// Body holds the decoded JSON or form fields of the request body.
	Body  map[string]any
	Query url.Values
}

// Guard checks tenant isolation. Audit recording is best-effort; entity
// lookups fail closed.
type Guard struct {
	registry *Registry
	lookup   EntityLookup
	audit    types.AuditSink
	clock    types.Clock
	metrics  metrics.Recorder
	logger   *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

func WithClock(c types.Clock) Option        { return func(g *Guard) { g.clock = c } }
func WithMetrics(m metrics.Recorder) Option { return func(g *Guard) { g.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(g *Guard) { g.logger = l } }

// WithRegistry replaces the default entity registry.
func WithRegistry(r *Registry) Option { return func(g *Guard) { g.registry = r } }

// NewGuard builds a guard over the default registry.
func NewGuard(lookup EntityLookup, audit types.AuditSink, opts ...Option) *Guard {
	g := &Guard{
		registry: DefaultRegistry(),
		lookup:   lookup,
		audit:    audit,
		clock:    types.RealClock{},
		metrics:  metrics.Nop{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// modelMismatch is returned from a lookup goroutine to stop the group.
type modelMismatch struct {
	entity, id, owner string
}

func (m *modelMismatch) Error() string { return "cross-store model reference" }

type lookupFailure struct {
	entity, id string
	err        error
}

func (l *lookupFailure) Error() string { return l.err.Error() }
func (l *lookupFailure) Unwrap() error { return l.err }

// Check returns nil when every reference in a belongs to the user's store, or
// an *types.AppError describing the first violation.
func (g *Guard) Check(ctx context.Context, a Access) error {
	err := g.check(ctx, a)
	outcome, code := "allow", types.ErrorCode("")
	if err != nil {
		outcome = "deny"
		if appErr, ok := types.AsAppError(err); ok {
			code = appErr.Code
		}
	} else if a.User.IsSuperuser() {
		outcome = "bypass"
	}
	g.metrics.IsolationDecision(outcome, code)
	return err
}

func (g *Guard) check(ctx context.Context, a Access) error {
	user := a.User
	if user == nil {
		return types.NewAppError(types.ErrCodeUnauthenticated, "Authentication required", nil)
	}
	if user.IsSuperuser() {
		return nil
	}
	store := user.Store()
	if store == "" {
		return types.NewAppError(types.ErrCodeNoStoreContext, "User is not associated with a store", nil)
	}

	if requested, ok := a.RouteParams[paramStore]; ok && requested != "" && requested != store {
		g.record(ctx, a, types.ViolationCrossStoreAccess, types.SeverityCritical,
			map[string]any{"requested_store_id": requested})
		return types.NewAppError(types.ErrCodeCrossStoreAccess, "Access denied to this store", nil)
	}

	if raw, ok := a.Body[fieldStoreID]; ok && raw != nil {
		requested, scalar := scalarString(raw)
		if !scalar || requested != store {
			g.record(ctx, a, types.ViolationCrossStoreData, types.SeverityCritical,
				map[string]any{"requested_store_id": raw})
			return types.NewAppError(types.ErrCodeCrossStoreData, "Cannot access data from different store", nil)
		}
	}

	for _, requested := range a.Query[fieldStoreID] {
		if requested != store {
			g.record(ctx, a, types.ViolationCrossStoreData, types.SeverityCritical,
				map[string]any{"requested_store_id": requested, "source": "query"})
			return types.NewAppError(types.ErrCodeCrossStoreData, "Cannot access data from different store", nil)
		}
	}

	if err := g.checkModels(ctx, a, store); err != nil {
		return err
	}

	if patterns := g.suspiciousPatterns(a); len(patterns) > 0 {
		g.record(ctx, a, types.ViolationSuspicious, types.SeverityLow,
			map[string]any{"patterns": patterns})
	}
	return nil
}

// checkModels resolves every registered route parameter concurrently. The
// first mismatch or lookup error cancels the rest.
func (g *Guard) checkModels(ctx context.Context, a Access, store string) error {
	var refs []string
	for name, value := range a.RouteParams {
		if name == paramStore || name == paramID || value == "" || !g.registry.Knows(name) {
			continue
		}
		refs = append(refs, name)
	}
	if len(refs) == 0 {
		return nil
	}
	if g.lookup == nil {
		return g.lookupFailed(ctx, a, &lookupFailure{entity: refs[0], err: errors.New("no entity lookup configured")})
	}
	slices.Sort(refs)

	eg, egCtx := errgroup.WithContext(ctx)
	for _, entity := range refs {
		id := a.RouteParams[entity]
		eg.Go(func() error {
			owner, found, err := g.lookup.FindStoreID(egCtx, entity, id)
			if err != nil {
				return &lookupFailure{entity: entity, id: id, err: err}
			}
			if found && owner != "" && owner != store {
				return &modelMismatch{entity: entity, id: id, owner: owner}
			}
			return nil
		})
	}
	err := eg.Wait()
	if err == nil {
		return nil
	}

	var mismatch *modelMismatch
	if errors.As(err, &mismatch) {
		g.record(ctx, a, types.ViolationCrossStoreModel, types.SeverityCritical, map[string]any{
			"model_type":     mismatch.entity,
			"model_id":       mismatch.id,
			"model_store_id": mismatch.owner,
		})
		return types.NewAppError(types.ErrCodeCrossStoreModel, "Access denied to resource from different store", nil)
	}
	var failure *lookupFailure
	if !errors.As(err, &failure) {
		failure = &lookupFailure{err: err}
	}
	return g.lookupFailed(ctx, a, failure)
}

func (g *Guard) lookupFailed(ctx context.Context, a Access, f *lookupFailure) error {
	g.logger.ErrorContext(ctx, "tenant ownership lookup failed",
		slog.String("entity", f.entity),
		slog.String("entity_id", f.id),
		slog.String("error", f.err.Error()),
	)
	g.record(ctx, a, types.ViolationLookupFailed, types.SeverityHigh, map[string]any{
		"model_type": f.entity,
		"model_id":   f.id,
	})
	return types.NewAppError(types.ErrCodeTenantLookupFailed, "Access could not be verified", f.err)
}

// suspiciousPatterns lists references the guard cannot verify: id-like route
// parameters outside the registry and store-id-like body fields.
func (g *Guard) suspiciousPatterns(a Access) []string {
	var patterns []string
	for name := range a.RouteParams {
		if strings.HasSuffix(name, "_id") && !g.registry.Knows(name) {
			patterns = append(patterns, "unregistered_param:"+name)
		}
	}
	for field := range a.Body {
		if field != fieldStoreID && strings.HasSuffix(field, "_store_id") {
			patterns = append(patterns, "store_reference_field:"+field)
		}
	}
	slices.Sort(patterns)
	return patterns
}

func (g *Guard) record(ctx context.Context, a Access, vt types.ViolationType, sev types.Severity, extra map[string]any) {
	if extra == nil {
		extra = map[string]any{}
	}
	extra["user_store_id"] = a.User.Store()

	v := types.SecurityViolation{
		ID:          newViolationID(),
		Type:        vt,
		Severity:    sev,
		UserID:      a.User.ID,
		UserEmail:   a.User.Email,
		UserStoreID: a.User.Store(),
		RouteName:   a.RouteName,
		Method:      a.Method,
		URL:         a.URL,
		IP:          a.IP,
		UserAgent:   a.UserAgent,
		OccurredAt:  g.clock.Now(),
		Extra:       extra,
	}
	if g.audit == nil {
		return
	}
	if err := g.audit.Record(ctx, v); err != nil {
		g.logger.ErrorContext(ctx, "failed to record security violation",
			slog.String("violation_id", v.ID),
			slog.String("violation_type", string(vt)),
			slog.String("error", err.Error()),
		)
	}
}

func newViolationID() string {
	tid, err := typeid.Generate(violationIDPrefix)
	if err != nil {
		return violationIDPrefix + "_" + uuid.NewString()
	}
	return tid.String()
}

// scalarString renders a decoded JSON scalar for comparison with a store ID.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return "", false
	}
}
