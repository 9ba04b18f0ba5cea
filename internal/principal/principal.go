// Package principal defines the authenticated-identity data model (User,
// Key, Principal) and the PrincipalStore collaborator interface consumed
// by the authenticator. Administrative CRUD of users/keys is out of
// scope; this module only reads.
package principal

import (
	"context"
	"strings"
	"time"
)

// Role is the authorization level carried by a User.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReseller Role = "reseller"
	RoleUser     Role = "user"
)

// BalancePolicy controls draw order between package quota and prepaid
// balance in the payment-plan algebra.
type BalancePolicy string

const (
	PolicyAfterQuota    BalancePolicy = "after_quota"
	PolicyPreferBalance BalancePolicy = "prefer_balance"
)

// KeyScope distinguishes an owner key from a child key that aggregates
// usage up to its owner.
type KeyScope string

const (
	ScopeOwner KeyScope = "owner"
	ScopeChild KeyScope = "child"
)

// User is the billing/quota-bearing identity. Package limits of zero mean
// "no package limit configured" for that window.
type User struct {
	ID      string
	Role    Role
	Enabled bool
	Expiry  *time.Time

	Limit5hUSD      float64
	LimitWeeklyUSD  float64
	LimitMonthlyUSD float64
	TotalLimitUSD   float64

	BillingCycleStart  *time.Time
	BalanceUSD         float64
	BalanceUsagePolicy BalancePolicy

	ProviderGroup string
}

// Key is a bearer credential, owned by a User, with its own independent
// limits and RPM ceiling.
type Key struct {
	ID             string
	UserID         string
	Name           string
	HashCiphertext string // "hash:ciphertext" stored form
	Enabled        bool
	Expiry         *time.Time
	Scope          KeyScope

	RPM             int
	RPD             int
	Limit5hUSD      float64
	LimitDailyUSD   float64
	LimitWeeklyUSD  float64
	LimitMonthlyUSD float64
}

// Hash returns the keyed-hash portion of the stored "hash:ciphertext"
// credential, the value audit rows record as keyHash. Falls back to the
// key id when the stored form has no hash part.
func (k *Key) Hash() string {
	if i := strings.IndexByte(k.HashCiphertext, ':'); i > 0 {
		return k.HashCiphertext[:i]
	}
	return k.ID
}

// Principal is the resolved identity attached to an authenticated
// request: the User that owns billing/quota, and the specific Key used.
type Principal struct {
	User *User
	Key  *Key
}

// Effective reports the composite enablement status: the key must be
// enabled and unexpired, and so must its owning user.
func (p *Principal) Effective(now time.Time) bool {
	if p.Key == nil || p.User == nil {
		return false
	}
	if !p.Key.Enabled || expired(p.Key.Expiry, now) {
		return false
	}
	if !p.User.Enabled || expired(p.User.Expiry, now) {
		return false
	}
	return true
}

func expired(t *time.Time, now time.Time) bool {
	return t != nil && now.After(*t)
}

// AggregateID returns the id used for owner_key_aggregate rate-limit
// scoping: child keys aggregate to the owning user's principal key set
// via the user id, since multiple child keys of one owner must share one
// aggregate bucket.
func (p *Principal) AggregateID() string {
	return p.User.ID
}

// Store is the external collaborator returning principals by bearer
// lookup. Administrative CRUD of users/keys happens elsewhere.
type Store interface {
	// CandidatesByPrefix returns keys whose stored hash:ciphertext prefix
	// matches prefix — the authenticator then verifies the full bearer
	// against each candidate's ciphertext.
	CandidatesByPrefix(ctx context.Context, prefix string) ([]*Key, error)
	// UserByID resolves the owning user for a matched key.
	UserByID(ctx context.Context, id string) (*User, error)
}
