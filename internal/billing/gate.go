package billing

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"storegate/internal/metrics"
	"storegate/internal/types"
)

// Advisory header values.
const (
	quotaWarningValue = "Annual transaction quota exceeded"
	usageWarningValue = "Approaching plan limits"
)

// Outcome is the verdict of a gate evaluation.
type Outcome string

const (
	OutcomeAllow            Outcome = "allow"
	OutcomeAllowWithWarning Outcome = "allow_with_warning"
	OutcomeDeny             Outcome = "deny"
)

// SubscriptionLookup resolves a store's current subscription with its plan.
// SubscriptionService satisfies it.
type SubscriptionLookup interface {
	Current(ctx context.Context, storeID string) (*types.Subscription, error)
}

// UsageTracker is the subset of usage.Tracker the gate depends on.
type UsageTracker interface {
	// UsageFor returns the (rolled-over) usage row for the subscription's
	// current window. A row that does not exist yet is returned zeroed.
	UsageFor(ctx context.Context, sub *types.Subscription, feature string) (*types.SubscriptionUsage, error)
	// MarkSoftCap sets the soft-cap flag and reports whether this call
	// flipped it from false to true.
	MarkSoftCap(ctx context.Context, sub *types.Subscription, feature string) (bool, error)
}

// GateConfig holds the deployment-level gate constants.
type GateConfig struct {
	// PremiumFeatures are blocked while the annual quota is exceeded.
	PremiumFeatures []string
	// QuotaFeature is the feature whose plan limit acts as the annual quota.
	QuotaFeature string
	// WarningThreshold is the lower bound, in percent, of the advisory
	// usage-warning band [WarningThreshold, 100).
	WarningThreshold float64
}

// DefaultGateConfig returns the stock premium list, quota feature, and 80%
// warning threshold.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		PremiumFeatures:  []string{"report_export", "advanced_analytics", "monthly_email_reports"},
		QuotaFeature:     "transactions",
		WarningThreshold: 80,
	}
}

// GateRequest is one gate evaluation.
type GateRequest struct {
	User    *types.User
	Feature string
	// HardLimit enables the count check against the feature's limit.
	HardLimit bool
	// Limit overrides the plan's limit for the hard check when > 0.
	Limit     int64
	RequestID string
}

// Decision is the structured result of Evaluate. Denial is set iff Outcome is
// OutcomeDeny; Headers carries advisory headers for allowed requests.
type Decision struct {
	Outcome Outcome
	Denial  *types.AppError
	Headers map[string]string
	// QuotaWarningDispatched is true when this evaluation flipped the soft-cap
	// flag and scheduled a notification.
	QuotaWarningDispatched bool
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool { return d.Outcome != OutcomeDeny }

func deny(err *types.AppError) Decision {
	return Decision{Outcome: OutcomeDeny, Denial: err}
}

// Gate decides per request whether a store may use a feature given its
// subscription, plan, and usage. Evaluate never mutates usage counters; the
// only write it performs is the soft-cap flag that debounces notifications.
type Gate struct {
	subs     SubscriptionLookup
	catalog  PlanCatalog
	usage    UsageTracker
	cfg      GateConfig
	notifier types.NotificationDispatcher
	metrics  metrics.Recorder
	clock    types.Clock
	logger   *slog.Logger
}

// GateOption configures optional Gate collaborators.
type GateOption func(*Gate)

// WithNotifier sets the quota-warning dispatcher. It should return quickly;
// notify.AsyncDispatcher is the usual choice.
func WithNotifier(n types.NotificationDispatcher) GateOption {
	return func(g *Gate) { g.notifier = n }
}

// WithGateMetrics sets the decision recorder.
func WithGateMetrics(m metrics.Recorder) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithGateClock overrides the clock used for expiry checks.
func WithGateClock(c types.Clock) GateOption {
	return func(g *Gate) { g.clock = c }
}

// WithGateLogger sets the logger.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// NewGate builds a Gate. Zero-valued config fields fall back to
// DefaultGateConfig.
func NewGate(subs SubscriptionLookup, catalog PlanCatalog, usage UsageTracker, cfg GateConfig, opts ...GateOption) *Gate {
	def := DefaultGateConfig()
	if cfg.QuotaFeature == "" {
		cfg.QuotaFeature = def.QuotaFeature
	}
	if cfg.PremiumFeatures == nil {
		cfg.PremiumFeatures = def.PremiumFeatures
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = def.WarningThreshold
	}

	g := &Gate{
		subs:    subs,
		catalog: catalog,
		usage:   usage,
		cfg:     cfg,
		metrics: metrics.Nop{},
		clock:   types.RealClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs the decision sequence. The first applicable rule wins:
// authentication and store context, subscription presence and expiry,
// feature grant, hard limit, premium block while over quota, quota warning,
// and finally the advisory usage band. Lookup failures deny.
func (g *Gate) Evaluate(ctx context.Context, req GateRequest) Decision {
	d := g.evaluate(ctx, req)

	code := types.ErrorCode("")
	if d.Denial != nil {
		code = d.Denial.Code
	}
	g.metrics.GateDecision(req.Feature, string(d.Outcome), code)
	return d
}

func (g *Gate) evaluate(ctx context.Context, req GateRequest) Decision {
	user := req.User
	if user == nil {
		return deny(types.NewAppError(types.ErrCodeUnauthenticated, "Authentication required", nil))
	}
	if user.IsSuperuser() {
		return Decision{Outcome: OutcomeAllow}
	}
	storeID := user.Store()
	if storeID == "" {
		return deny(types.NewAppError(types.ErrCodeNoStoreContext, "User must be associated with a store", nil))
	}

	sub, err := g.subs.Current(ctx, storeID)
	if err != nil {
		return g.unavailable(ctx, req, storeID, "subscription lookup failed", err)
	}
	if sub == nil {
		return deny(types.NewAppError(types.ErrCodeNoActiveSubscription, "Store has no active subscription", nil))
	}

	now := g.clock.Now()
	if sub.Status == types.SubscriptionExpired || sub.HasExpired(now) {
		return deny(types.NewAppErrorWithDetails(types.ErrCodeSubscriptionExpired, "Subscription has expired", nil,
			map[string]any{"expired_at": sub.EndsAt.UTC().Format(time.RFC3339Nano)}))
	}

	plan := sub.Plan
	if plan == nil {
		return g.unavailable(ctx, req, storeID, "subscription has no plan", nil)
	}

	if !plan.HasFeature(req.Feature) {
		return g.featureRequired(ctx, req, storeID, plan)
	}

	rows := &usageRows{g: g, sub: sub}

	if req.HardLimit {
		limit, limited := plan.Limit(req.Feature)
		if req.Limit > 0 {
			limit, limited = req.Limit, true
		}
		if limited {
			u, err := rows.get(ctx, req.Feature)
			if err != nil {
				return g.unavailable(ctx, req, storeID, "usage lookup failed", err)
			}
			if u.CurrentUsage >= limit {
				return deny(types.NewAppErrorWithDetails(types.ErrCodePlanLimitExceeded,
					fmt.Sprintf("You have reached the %s limit for your plan", req.Feature), nil,
					map[string]any{
						"current_usage": u.CurrentUsage,
						"plan_limit":    limit,
						"feature":       req.Feature,
					}))
			}
		}
	}

	quota, err := rows.get(ctx, g.cfg.QuotaFeature)
	if err != nil {
		return g.unavailable(ctx, req, storeID, "quota lookup failed", err)
	}
	overQuota := quota.QuotaExceeded()

	if overQuota && slices.Contains(g.cfg.PremiumFeatures, req.Feature) {
		return deny(types.NewAppErrorWithDetails(types.ErrCodeQuotaPremiumBlocked,
			"Premium features are limited when transaction quota is exceeded. Please upgrade your plan.", nil,
			map[string]any{
				"feature":      req.Feature,
				"quota_status": types.NewQuotaStatus(quota).Map(),
			}))
	}

	if overQuota && req.Feature == g.cfg.QuotaFeature {
		d := Decision{Outcome: OutcomeAllowWithWarning, Headers: quotaWarningHeaders()}
		d.QuotaWarningDispatched = g.triggerSoftCap(ctx, req, sub, quota)
		return d
	}

	d := Decision{Outcome: OutcomeAllow}
	if limit, ok := plan.Limit(req.Feature); ok && limit > 0 {
		u, err := rows.get(ctx, req.Feature)
		if err != nil {
			return g.unavailable(ctx, req, storeID, "usage lookup failed", err)
		}
		pct := float64(u.CurrentUsage) * 100 / float64(limit)
		if pct >= g.cfg.WarningThreshold && pct < 100 {
			d.Outcome = OutcomeAllowWithWarning
			d.Headers = map[string]string{
				types.HeaderUsageWarning:    usageWarningValue,
				types.HeaderUsagePercentage: strconv.FormatFloat(pct, 'f', -1, 64),
			}
		}
	}
	if overQuota {
		if d.Headers == nil {
			d.Headers = make(map[string]string, 2)
		}
		for k, v := range quotaWarningHeaders() {
			d.Headers[k] = v
		}
		d.Outcome = OutcomeAllowWithWarning
	}
	return d
}

func (g *Gate) featureRequired(ctx context.Context, req GateRequest, storeID string, plan *types.Plan) Decision {
	plans, err := g.catalog.List(ctx)
	if err != nil {
		return g.unavailable(ctx, req, storeID, "plan catalog unavailable", err)
	}

	details := map[string]any{
		"current_plan": plan.Name,
		"feature":      req.Feature,
	}
	required, ok := RequiredPlanFor(plans, plan, req.Feature)
	msg := "This feature is not available on any plan"
	if ok {
		details["required_plan"] = required.Name
		msg = fmt.Sprintf("This feature requires %s plan or higher", required.Name)
	} else {
		details["required_plan"] = "none"
		details["no_plan_available"] = true
	}
	return deny(types.NewAppErrorWithDetails(types.ErrCodePlanFeatureRequired, msg, nil, details))
}

// triggerSoftCap flips the soft-cap flag and, when this call flipped it,
// hands a warning event to the notifier. Failures are logged; the request is
// already allowed.
func (g *Gate) triggerSoftCap(ctx context.Context, req GateRequest, sub *types.Subscription, quota *types.SubscriptionUsage) bool {
	if quota.SoftCapTriggered {
		return false
	}
	flipped, err := g.usage.MarkSoftCap(ctx, sub, g.cfg.QuotaFeature)
	if err != nil {
		g.logger.WarnContext(ctx, "failed to mark soft cap",
			slog.String("store_id", sub.StoreID),
			slog.String("feature", g.cfg.QuotaFeature),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !flipped || g.notifier == nil {
		return false
	}

	event := types.QuotaWarningEvent{
		EventID:      uuid.NewString(),
		StoreID:      sub.StoreID,
		Feature:      g.cfg.QuotaFeature,
		CurrentUsage: quota.CurrentUsage,
		Percentage:   quota.Percentage(),
		TriggeredAt:  g.clock.Now(),
		RequestID:    req.RequestID,
	}
	if quota.AnnualQuota != nil {
		event.AnnualQuota = *quota.AnnualQuota
	}
	if sub.Plan != nil {
		event.PlanName = sub.Plan.Name
	}
	if err := g.notifier.Dispatch(ctx, event); err != nil {
		g.logger.WarnContext(ctx, "failed to schedule quota warning",
			slog.String("store_id", sub.StoreID),
			slog.String("error", err.Error()),
		)
		return false
	}
	g.metrics.QuotaWarning(g.cfg.QuotaFeature)
	return true
}

func (g *Gate) unavailable(ctx context.Context, req GateRequest, storeID, msg string, err error) Decision {
	attrs := []any{
		slog.String("store_id", storeID),
		slog.String("feature", req.Feature),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	g.logger.ErrorContext(ctx, "plan gate "+msg, attrs...)
	return deny(types.NewAppError(types.ErrCodeGateUnavailable, "Unable to verify plan access", err))
}

func quotaWarningHeaders() map[string]string {
	return map[string]string{
		types.HeaderQuotaWarning:       quotaWarningValue,
		types.HeaderUpgradeRecommended: "true",
	}
}

// usageRows memoizes usage reads within one evaluation.
type usageRows struct {
	g    *Gate
	sub  *types.Subscription
	rows map[string]*types.SubscriptionUsage
}

func (r *usageRows) get(ctx context.Context, feature string) (*types.SubscriptionUsage, error) {
	if u, ok := r.rows[feature]; ok {
		return u, nil
	}
	u, err := r.g.usage.UsageFor(ctx, r.sub, feature)
	if err != nil {
		return nil, err
	}
	if u == nil {
		u = &types.SubscriptionUsage{SubscriptionID: r.sub.ID, StoreID: r.sub.StoreID, Feature: feature}
	}
	if r.rows == nil {
		r.rows = make(map[string]*types.SubscriptionUsage, 2)
	}
	r.rows[feature] = u
	return u, nil
}
