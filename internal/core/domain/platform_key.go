package domain

import "time"

// PlatformKey is the platform's own key of a wallet, together with the
// billing state of that wallet. The extended private key is stored sealed;
// the signer unseals it only for the duration of a signature.
type PlatformKey struct {
	ID                 string
	WalletID           string
	ExtendedPrivateKey string
	MasterFingerprint  string
	// BillingAddress is the dedicated address subscription payments go to.
	// Only confirmed outputs paying it count towards a settlement.
	BillingAddress string
	// VerificationMethod is how the user confirms a signing order (quiz,
	// email). The daemon records it; enforcement happens upstream.
	VerificationMethod string
	// VerificationPeriod overrides the configured signing delay when set.
	VerificationPeriod time.Duration
	// PaidUntil is how far the wallet's subscription is settled.
	PaidUntil time.Time
	// BillingUpdatedAt anchors the window over which confirmed inflows are
	// counted towards the next settlement.
	BillingUpdatedAt time.Time
	CreatedAt        time.Time
}

// BillingEntry records one settlement: how many months were bought, at which
// effective monthly price, and whether the bulk discount applied.
type BillingEntry struct {
	ID        string
	WalletID  string
	Amount    int64
	BasePrice int64
	Months    int64
	Discount  bool
	CreatedAt time.Time
}

// SignRequest is a pending platform co-signature. The platform signs
// DelayedSigningWindow after the request was created, never immediately, so a
// compromised user device cannot drain a wallet in one sitting.
type SignRequest struct {
	ID       string
	WalletID string
	// Packet is the unsigned template the cosigners signed against.
	Packet string
	// Current accumulates the validated cosigner signatures.
	Current string
	DueAt   time.Time
	// ExpiresAt is how long the request stays signable once due. A zero
	// value means it never expires.
	ExpiresAt time.Time
	SignedAt  *time.Time
	// FailureReason is set when the platform refused to sign.
	FailureReason *string
	CreatedAt     time.Time
}

func (r SignRequest) Pending() bool {
	return r.SignedAt == nil && r.FailureReason == nil
}
