package models

import "strings"

type CustomerKind string

const (
	CustomerKindAffiliate CustomerKind = "affiliate"
	CustomerKindUser      CustomerKind = "user"
)

// ParseCustomerKind accepts the point-of-sale spellings ("affiliate", "AFFILIATE", "user", "plain-user").
func ParseCustomerKind(s string) CustomerKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "affiliate":
		return CustomerKindAffiliate
	default:
		return CustomerKindUser
	}
}

type WithdrawalStatus string

const (
	WithdrawalStatusPending  WithdrawalStatus = "pending"
	WithdrawalStatusApproved WithdrawalStatus = "approved"
	WithdrawalStatusRejected WithdrawalStatus = "rejected"
)

func (s WithdrawalStatus) IsValid() bool {
	switch s {
	case WithdrawalStatusPending, WithdrawalStatusApproved, WithdrawalStatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalStatusApproved || s == WithdrawalStatusRejected
}
