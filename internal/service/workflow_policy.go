package service

import "github.com/pesio-ai/be-procurement-approvals/internal/repository"

// Approver roles.
const (
	RoleWarehouse  = "WAREHOUSE"
	RoleFinance    = "FINANCE"
	RoleOperations = "OPERATIONS"
	RoleAdmin      = "ADMIN"
)

// FinanceApprovalThreshold is the purchase order total at and above which
// finance must approve after the warehouse.
const FinanceApprovalThreshold = 2000

// RequiredRoles returns the ordered approver chain for an entity. The
// workflow's total steps is the length of the chain.
func RequiredRoles(t repository.EntityType, amount float64) []string {
	switch t {
	case repository.EntityPurchaseOrder:
		if amount >= FinanceApprovalThreshold {
			return []string{RoleWarehouse, RoleFinance}
		}
		return []string{RoleWarehouse}
	case repository.EntitySupplyRequest:
		return []string{RoleWarehouse, RoleOperations}
	}
	return nil
}
