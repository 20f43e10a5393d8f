package domain

import "strings"

// Role — роль вызывающего, передаётся транспортом из upstream-заголовков.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleSupport  Role = "support"
	RoleAdmin    Role = "admin"
)

// Permission — право на привилегированную операцию.
type Permission string

const (
	PermissionBalanceCredit   Permission = "balance:credit"
	PermissionRechargeApprove Permission = "recharge:approve"
	PermissionGiftCardIssue   Permission = "giftcard:issue"
	PermissionBalanceReadAny  Permission = "balance:read_any"
)

type permissionSet map[Permission]struct{}

var rolePermissions = map[Role]permissionSet{
	RoleCustomer: {},
	RoleSupport: {
		PermissionRechargeApprove: {},
		PermissionBalanceReadAny:  {},
	},
	RoleAdmin: {
		PermissionBalanceCredit:   {},
		PermissionRechargeApprove: {},
		PermissionGiftCardIssue:   {},
		PermissionBalanceReadAny:  {},
	},
}

// ParseRole нормализует строку роли; неизвестные значения трактуются как customer.
func ParseRole(raw string) Role {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := rolePermissions[role]; !ok {
		return RoleCustomer
	}
	return role
}

// Can сообщает, обладает ли роль разрешением.
func (r Role) Can(p Permission) bool {
	perms, ok := rolePermissions[r]
	if !ok {
		return false
	}
	_, allowed := perms[p]
	return allowed
}

// Actor — идентичность вызывающего.
type Actor struct {
	UserID string
	Role   Role
}

// Require возвращает ErrPermissionDenied, если у актора нет разрешения.
func (a Actor) Require(p Permission) error {
	if !a.Role.Can(p) {
		return ErrPermissionDenied
	}
	return nil
}
