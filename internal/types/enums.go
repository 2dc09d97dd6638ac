package types

// Role is a coarse authorization tag carried by a User.
type Role string

const (
	RoleSuperuser Role = "superuser"
	RoleOwner     Role = "owner"
	RoleManager   Role = "manager"
	RoleCashier   Role = "cashier"
)

// Permission is a fine-grained capability, e.g. "orders.refund".
type Permission string

const (
	PermManageSubscription Permission = "subscription.manage"
	PermViewUsage          Permission = "usage.view"
	PermRecordUsage        Permission = "usage.record"
	PermManagePlans        Permission = "plans.manage"
)

// RoleSet is an explicit set of roles.
type RoleSet map[Role]struct{}

// NewRoleSet builds a RoleSet from the given roles.
func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}

// Has reports whether the set contains role.
func (s RoleSet) Has(role Role) bool {
	_, ok := s[role]
	return ok
}

// HasAny reports whether the set contains at least one of roles.
func (s RoleSet) HasAny(roles ...Role) bool {
	for _, r := range roles {
		if s.Has(r) {
			return true
		}
	}
	return false
}

// Slice returns the roles in the set in no particular order.
func (s RoleSet) Slice() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	return out
}

// PermissionSet is an explicit set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a PermissionSet from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has reports whether the set contains perm.
func (s PermissionSet) Has(perm Permission) bool {
	_, ok := s[perm]
	return ok
}

// SubscriptionStatus is the lifecycle state of a Subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionInactive  SubscriptionStatus = "inactive"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// BillingCycle determines how a subscription is invoiced.
type BillingCycle string

const (
	BillingMonthly BillingCycle = "monthly"
	BillingAnnual  BillingCycle = "annual"
)

// QuotaState summarizes a store's position against its annual quota.
type QuotaState string

const (
	QuotaNoSubscription QuotaState = "no_subscription"
	QuotaUnlimited      QuotaState = "unlimited"
	QuotaWithin         QuotaState = "within"
	QuotaExceeded       QuotaState = "exceeded"
)

// ViolationType classifies a tenant-isolation audit record.
type ViolationType string

const (
	ViolationCrossStoreAccess ViolationType = "cross_store_access_attempt"
	ViolationCrossStoreData   ViolationType = "cross_store_data_access"
	ViolationCrossStoreModel  ViolationType = "cross_store_model_access"
	ViolationLookupFailed     ViolationType = "tenant_lookup_failed"
	ViolationSuspicious       ViolationType = "suspicious_access_pattern"
)

// Severity ranks audit records.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityLow      Severity = "low"
)
