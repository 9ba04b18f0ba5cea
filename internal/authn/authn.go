// Package authn resolves a bearer token to a Principal via a deterministic
// keyed hash and a prefix-indexed lookup.
package authn

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/llmgatewayhq/gateway/internal/gwerrors"
	"github.com/llmgatewayhq/gateway/internal/principal"
)

// prefixLen bounds how many candidates a lookup can return before the
// full verification step; the stored form is "hash:ciphertext" where
// hash is the full keyed hash and the index query matches only the first
// prefixLen hex characters of it.
const prefixLen = 12

// scrypt work parameters for the ciphertext derivation.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// Hasher computes the deterministic keyed hash used both to build the
// stored "hash:ciphertext" form at key-creation time (an admin-side
// concern, out of scope here) and to derive lookup prefixes at
// authentication time. The fast SHA-256 hash drives the prefix index;
// the slow scrypt ciphertext is what a candidate must ultimately match.
type Hasher struct {
	pepper string

	mu     sync.Mutex
	cipher map[string]string // bearer hash → derived ciphertext, scrypt is expensive
}

// NewHasher builds a Hasher keyed by pepper (the gateway's HASH_KEY).
func NewHasher(pepper string) *Hasher {
	return &Hasher{pepper: pepper, cipher: make(map[string]string)}
}

// Hash returns the full hex-encoded keyed hash of bearer.
func (h *Hasher) Hash(bearer string) string {
	sum := sha256.Sum256([]byte(bearer + h.pepper))
	return hex.EncodeToString(sum[:])
}

// Prefix returns the indexable prefix of Hash(bearer).
func (h *Hasher) Prefix(bearer string) string {
	full := h.Hash(bearer)
	if len(full) < prefixLen {
		return full
	}
	return full[:prefixLen]
}

// Ciphertext derives the slow scrypt hash of bearer, salted by the
// pepper. Derivation is cached per bearer hash since scrypt at these
// parameters costs tens of milliseconds and the same bearer arrives on
// every request of a conversation.
func (h *Hasher) Ciphertext(bearer string) (string, error) {
	full := h.Hash(bearer)
	h.mu.Lock()
	if c, ok := h.cipher[full]; ok {
		h.mu.Unlock()
		return c, nil
	}
	h.mu.Unlock()

	key, err := scrypt.Key([]byte(bearer), []byte(h.pepper), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", err
	}
	c := hex.EncodeToString(key)

	h.mu.Lock()
	h.cipher[full] = c
	h.mu.Unlock()
	return c, nil
}

// Stored returns the "hash:ciphertext" form persisted for a new key,
// used by the admin surface at key-creation time and by test seeds.
func (h *Hasher) Stored(bearer string) (string, error) {
	c, err := h.Ciphertext(bearer)
	if err != nil {
		return "", err
	}
	return h.Hash(bearer) + ":" + c, nil
}

// Authenticator implements the authenticate(bearer) contract.
type Authenticator struct {
	store  principal.Store
	hasher *Hasher
}

// New builds an Authenticator backed by the given principal store and
// keyed hasher.
func New(store principal.Store, hasher *Hasher) *Authenticator {
	return &Authenticator{store: store, hasher: hasher}
}

// Authenticate resolves bearer to a Principal. It scans candidates whose
// stored hash:ciphertext prefix matches the computed prefix, then
// verifies the full bearer against each candidate's stored ciphertext in
// constant time to defeat prefix collisions, and finally enforces
// enablement/expiry/owner-propagation.
func (a *Authenticator) Authenticate(ctx context.Context, bearer string) (*principal.Principal, *gwerrors.Error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return nil, gwerrors.New(gwerrors.KindAuthDenied, "missing bearer credential")
	}

	prefix := a.hasher.Prefix(bearer)
	candidates, err := a.store.CandidatesByPrefix(ctx, prefix)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternalError, "principal lookup failed", err).WithStatus(500)
	}

	fullHash := a.hasher.Hash(bearer)
	var matched *principal.Key
	for _, k := range candidates {
		storedHash, storedCipher, ok := splitHashCipher(k.HashCiphertext)
		if !ok {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(storedHash), []byte(fullHash)) != 1 {
			continue
		}
		if !a.verifyCiphertext(bearer, storedCipher) {
			continue
		}
		matched = k
		break
	}
	if matched == nil {
		return nil, gwerrors.New(gwerrors.KindAuthDenied, "invalid credential")
	}

	user, err := a.store.UserByID(ctx, matched.UserID)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternalError, "principal lookup failed", err).WithStatus(500)
	}
	if user == nil {
		return nil, gwerrors.New(gwerrors.KindAuthDenied, "owner not found")
	}

	p := &principal.Principal{User: user, Key: matched}
	if !p.Effective(time.Now()) {
		return nil, gwerrors.New(gwerrors.KindAuthDenied, "credential disabled or expired")
	}
	return p, nil
}

func splitHashCipher(stored string) (hash, cipher string, ok bool) {
	idx := strings.IndexByte(stored, ':')
	if idx < 0 {
		return "", "", false
	}
	return stored[:idx], stored[idx+1:], true
}

// verifyCiphertext re-derives the scrypt ciphertext for bearer and
// compares in constant time. It exists as a distinct step from the
// prefix/hash check to defeat hash-prefix collisions: two bearers can
// share a hash prefix in the index, but not a full scrypt derivation.
func (a *Authenticator) verifyCiphertext(bearer, storedCipher string) bool {
	derived, err := a.hasher.Ciphertext(bearer)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(derived), []byte(storedCipher)) == 1
}
