package domain

// RedeemResult reports the outcome of presenting a referral code.
type RedeemResult struct {
	Credited   bool
	ReferrerID int64
}

// Key namespaces used by the referral ledger.
const (
	NSReferralCode  = "referral:code"
	NSReferralOwner = "referral:owner"
	NSReferredBy    = "referral:by"
	NSBalance       = "balance"
	NSReferralCount = "referral:count"
)
