package authn

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/llmgatewayhq/gateway/internal/gwerrors"
	"github.com/llmgatewayhq/gateway/internal/principal"
)

type memPrincipalStore struct {
	keys  []*principal.Key
	users map[string]*principal.User
	err   error
}

func (m *memPrincipalStore) CandidatesByPrefix(ctx context.Context, prefix string) ([]*principal.Key, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*principal.Key
	for _, k := range m.keys {
		if strings.HasPrefix(k.HashCiphertext, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memPrincipalStore) UserByID(ctx context.Context, id string) (*principal.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.users[id], nil
}

func seedKey(t *testing.T, h *Hasher, st *memPrincipalStore, bearer, keyID, userID string, mutate func(*principal.Key)) {
	t.Helper()
	stored, err := h.Stored(bearer)
	if err != nil {
		t.Fatalf("derive stored form: %v", err)
	}
	k := &principal.Key{ID: keyID, UserID: userID, HashCiphertext: stored, Enabled: true}
	if mutate != nil {
		mutate(k)
	}
	st.keys = append(st.keys, k)
}

func newTestAuth(t *testing.T) (*Authenticator, *Hasher, *memPrincipalStore) {
	t.Helper()
	h := NewHasher("test-pepper")
	st := &memPrincipalStore{users: map[string]*principal.User{
		"u1": {ID: "u1", Enabled: true},
	}}
	return New(st, h), h, st
}

func TestAuthenticateSuccess(t *testing.T) {
	a, h, st := newTestAuth(t)
	seedKey(t, h, st, "sk-valid", "k1", "u1", nil)

	p, gerr := a.Authenticate(context.Background(), "sk-valid")
	if gerr != nil {
		t.Fatalf("authenticate: %v", gerr)
	}
	if p.Key.ID != "k1" || p.User.ID != "u1" {
		t.Fatalf("principal = (%s, %s), want (k1, u1)", p.Key.ID, p.User.ID)
	}
}

func TestAuthenticateUnknownBearer(t *testing.T) {
	a, h, st := newTestAuth(t)
	seedKey(t, h, st, "sk-valid", "k1", "u1", nil)

	_, gerr := a.Authenticate(context.Background(), "sk-other")
	if gerr == nil || gerr.Kind != gwerrors.KindAuthDenied {
		t.Fatalf("got %v, want auth_denied", gerr)
	}
}

func TestAuthenticateEmptyBearer(t *testing.T) {
	a, _, _ := newTestAuth(t)
	_, gerr := a.Authenticate(context.Background(), "   ")
	if gerr == nil || gerr.Kind != gwerrors.KindAuthDenied {
		t.Fatalf("got %v, want auth_denied", gerr)
	}
}

func TestAuthenticateRejectsForgedCiphertext(t *testing.T) {
	a, h, st := newTestAuth(t)
	// A candidate row with the right hash but a wrong ciphertext must not
	// authenticate: the full-bearer verification defeats prefix (and even
	// full-hash) collisions.
	forged := h.Hash("sk-valid") + ":" + strings.Repeat("ab", 32)
	st.keys = append(st.keys, &principal.Key{ID: "k-forged", UserID: "u1", HashCiphertext: forged, Enabled: true})

	_, gerr := a.Authenticate(context.Background(), "sk-valid")
	if gerr == nil || gerr.Kind != gwerrors.KindAuthDenied {
		t.Fatalf("got %v, want auth_denied for forged ciphertext", gerr)
	}
}

func TestAuthenticateDisabledKey(t *testing.T) {
	a, h, st := newTestAuth(t)
	seedKey(t, h, st, "sk-disabled", "k1", "u1", func(k *principal.Key) { k.Enabled = false })

	_, gerr := a.Authenticate(context.Background(), "sk-disabled")
	if gerr == nil || gerr.Kind != gwerrors.KindAuthDenied {
		t.Fatalf("got %v, want auth_denied", gerr)
	}
}

func TestAuthenticateExpiredOwnerPropagates(t *testing.T) {
	a, h, st := newTestAuth(t)
	past := time.Now().Add(-time.Hour)
	st.users["u-expired"] = &principal.User{ID: "u-expired", Enabled: true, Expiry: &past}
	seedKey(t, h, st, "sk-exp", "k1", "u-expired", nil)

	_, gerr := a.Authenticate(context.Background(), "sk-exp")
	if gerr == nil || gerr.Kind != gwerrors.KindAuthDenied {
		t.Fatalf("got %v, want auth_denied for expired owner", gerr)
	}
}

func TestAuthenticateStoreErrorIs5xx(t *testing.T) {
	a, _, st := newTestAuth(t)
	st.err = errors.New("connection refused")

	_, gerr := a.Authenticate(context.Background(), "sk-any")
	if gerr == nil || gerr.Kind != gwerrors.KindInternalError {
		t.Fatalf("got %v, want internal_error", gerr)
	}
	if gerr.Status != 500 {
		t.Fatalf("status = %d, want 500", gerr.Status)
	}
}

func TestHasherPrefixIsStablePrefixOfHash(t *testing.T) {
	h := NewHasher("pepper")
	full := h.Hash("sk-abc")
	prefix := h.Prefix("sk-abc")
	if !strings.HasPrefix(full, prefix) {
		t.Fatalf("prefix %q is not a prefix of %q", prefix, full)
	}
	if len(prefix) != prefixLen {
		t.Fatalf("prefix length = %d, want %d", len(prefix), prefixLen)
	}
	if h.Hash("sk-abc") != full {
		t.Fatal("hash must be deterministic")
	}
}

func TestCiphertextCached(t *testing.T) {
	h := NewHasher("pepper")
	c1, err := h.Ciphertext("sk-abc")
	if err != nil {
		t.Fatalf("ciphertext: %v", err)
	}
	c2, err := h.Ciphertext("sk-abc")
	if err != nil {
		t.Fatalf("ciphertext: %v", err)
	}
	if c1 != c2 {
		t.Fatal("ciphertext must be deterministic")
	}
	h.mu.Lock()
	cached, ok := h.cipher[h.Hash("sk-abc")]
	h.mu.Unlock()
	if !ok || cached != c1 {
		t.Fatal("derived ciphertext must be cached under the bearer hash")
	}
}
