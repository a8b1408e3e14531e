// Package registry holds the immutable, ordered set of credentials the
// gateway rotates across.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
)

// ErrDuplicateLabel is returned by New when two credentials share a
// label, violating the Registry uniqueness invariant.
var ErrDuplicateLabel = errors.New("registry: duplicate label")

// Credential is immutable once constructed. Construction from
// heterogeneous external sources (env vars, credential files) is the
// caller's job; callers hand the registry a fully built slice.
type Credential struct {
	Label       string
	Secret      string
	secretHash  string
	BaseURL     string // optional override; empty means use the configured upstream base URL
	Priority    int    // higher first
	Disabled    bool
}

// SecretHash returns the short hex hash of the secret, derived once at
// construction, for use in traces instead of the secret itself.
func (c Credential) SecretHash() string { return c.secretHash }

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:12]
}

// NewCredential constructs an immutable Credential, deriving its
// secret hash once.
func NewCredential(label, secret, baseURL string, priority int, disabled bool) Credential {
	return Credential{
		Label:      label,
		Secret:     secret,
		secretHash: hashSecret(secret),
		BaseURL:    baseURL,
		Priority:   priority,
		Disabled:   disabled,
	}
}

// Registry is the ordered, read-only set of credentials the Pipeline
// and Refresher select from. Order is stable: priority desc, then
// label asc.
type Registry struct {
	creds       []Credential
	index       map[string]int
	activeIndex int
}

// New builds a Registry from creds, sorting into the canonical order
// and validating label uniqueness.
func New(creds []Credential) (*Registry, error) {
	ordered := make([]Credential, len(creds))
	copy(ordered, creds)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Label < ordered[j].Label
	})

	index := make(map[string]int, len(ordered))
	for i, c := range ordered {
		if _, exists := index[c.Label]; exists {
			return nil, ErrDuplicateLabel
		}
		index[c.Label] = i
	}

	return &Registry{creds: ordered, index: index}, nil
}

// Len returns the number of credentials in the registry.
func (r *Registry) Len() int { return len(r.creds) }

// At returns the credential at position i in registry order.
func (r *Registry) At(i int) Credential { return r.creds[i] }

// All returns the credentials in registry order. The returned slice
// must not be mutated by the caller.
func (r *Registry) All() []Credential { return r.creds }

// Labels returns the labels in registry order, used to reconcile the
// on-disk state document at load time.
func (r *Registry) Labels() []string {
	labels := make([]string, len(r.creds))
	for i, c := range r.creds {
		labels[i] = c.Label
	}
	return labels
}

// Lookup returns the credential for label and whether it was found.
func (r *Registry) Lookup(label string) (Credential, bool) {
	i, ok := r.index[label]
	if !ok {
		return Credential{}, false
	}
	return r.creds[i], true
}

// IndexOf returns the registry position of label, or -1 if absent.
func (r *Registry) IndexOf(label string) int {
	i, ok := r.index[label]
	if !ok {
		return -1
	}
	return i
}

// ActiveKey returns the credential at activeIndex, or ok=false if the
// registry is empty or the index is out of range.
func (r *Registry) ActiveKey(activeIndex int) (Credential, bool) {
	if len(r.creds) == 0 || activeIndex < 0 || activeIndex >= len(r.creds) {
		return Credential{}, false
	}
	return r.creds[activeIndex], true
}

// MaskKey renders a "sk-xxxx***yyyy"-shaped masked form of secret:
// first 5 and last 4 characters separated by three asterisks; shorter
// secrets yield "***".
func MaskKey(secret string) string {
	const headLen, tailLen = 5, 4
	if len(secret) <= headLen+tailLen {
		return "***"
	}
	return secret[:headLen] + "***" + secret[len(secret)-tailLen:]
}
