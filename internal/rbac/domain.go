package rbac

import "github.com/buildpay/buildpay/internal/shared"

// Billing permissions.
const (
	PermCatalogView    = "catalog.view"
	PermBillingRequest = "billing.request"
	PermBillingReview  = "billing.review"
	PermBillingReport  = "billing.report"
	PermLedgerView     = "ledger.view"
	PermLedgerSettle   = "ledger.settle"
)

// rolePermissions is the fixed grant matrix.
var rolePermissions = map[shared.Role][]string{
	shared.RoleForeman: {
		PermCatalogView,
		PermBillingRequest,
		PermLedgerView,
	},
	shared.RoleReviewer: {
		PermCatalogView,
		PermBillingRequest,
		PermBillingReview,
		PermBillingReport,
		PermLedgerView,
		PermLedgerSettle,
	},
}

// AllScopes lists every permission known to the service.
func AllScopes() []string {
	return []string{
		PermCatalogView,
		PermBillingRequest,
		PermBillingReview,
		PermBillingReport,
		PermLedgerView,
		PermLedgerSettle,
	}
}

// PermissionsFor returns the permissions granted to role.
func PermissionsFor(role shared.Role) []string {
	if role == shared.RoleAdmin {
		return AllScopes()
	}
	perms := rolePermissions[role]
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// Principal is the JSON view of the signed-in actor.
type Principal struct {
	UserID      int64       `json:"user_id"`
	Role        shared.Role `json:"role"`
	Permissions []string    `json:"permissions"`
}
