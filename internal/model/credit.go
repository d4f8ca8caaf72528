package model

// CreditAllocation is the balance record the ledger reserves against, scoped
// to either a user or an organization. Unlimited grants bypass debiting
// entirely but still flow through the same reserve/commit/refund calls so
// every invocation produces a uniform audit trail. Costs in this system are
// always whole credits (see the per-operation cost table), so balances are
// plain integers rather than a decimal type.
type CreditAllocation struct {
	UserID    string
	OrgID     string // empty if this is a user-scoped allocation
	Remaining int64
	Limit     int64
	Unlimited bool
}

// Available reports the usable balance: unlimited allocations report a
// sentinel large value so comparisons against a required amount always
// succeed without special-casing every call site.
func (c CreditAllocation) Available() int64 {
	if c.Unlimited {
		return 1 << 32
	}
	return c.Remaining
}
