// Package credential resolves the API key a branch presents to its provider.
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "PolyChat/internal/errors"
	"PolyChat/internal/provider"
)

// Mode tags the variant held by a Credential.
type Mode string

const (
	ModeAbsent   Mode = "absent"
	ModeExplicit Mode = "explicit"
	ModeShared   Mode = "shared"
)

// Credential is Explicit(secret), UseShared or Absent.
type Credential struct {
	mode   Mode
	secret string
}

// Explicit holds a key owned by the user.
func Explicit(secret string) Credential {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Absent()
	}
	return Credential{mode: ModeExplicit, secret: secret}
}

// UseShared opts the user into the shared fallback key.
func UseShared() Credential { return Credential{mode: ModeShared} }

// Absent means nothing is configured.
func Absent() Credential { return Credential{mode: ModeAbsent} }

// Mode returns the variant tag.
func (c Credential) Mode() Mode {
	if c.mode == "" {
		return ModeAbsent
	}
	return c.mode
}

// Secret returns the explicit secret, or "" for the other variants.
func (c Credential) Secret() string { return c.secret }

// String never prints the secret.
func (c Credential) String() string { return string(c.Mode()) }

type record struct {
	Mode   Mode   `json:"mode"`
	Secret string `json:"secret,omitempty"`
}

// MarshalJSON encodes the stored representation.
func (c Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(record{Mode: c.Mode(), Secret: c.secret})
}

// UnmarshalJSON decodes the stored representation.
func (c *Credential) UnmarshalJSON(data []byte) error {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	parsed, err := FromParts(string(rec.Mode), rec.Secret)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// FromParts builds a Credential from a mode name and optional secret.
func FromParts(mode, secret string) (Credential, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(mode))) {
	case ModeExplicit:
		return Explicit(secret), nil
	case ModeShared:
		return UseShared(), nil
	case ModeAbsent, "":
		return Absent(), nil
	default:
		return Absent(), fmt.Errorf("unknown credential mode %q", mode)
	}
}

// Store looks up what a user configured for a provider family. A missing
// entry is Absent, not an error.
type Store interface {
	Lookup(ctx context.Context, userID string, family provider.Family) (Credential, error)
}

// Resolver turns stored credentials into the secret sent upstream.
type Resolver struct {
	store  Store
	shared string
}

// NewResolver creates a resolver. sharedKey may be empty.
func NewResolver(store Store, sharedKey string) *Resolver {
	return &Resolver{store: store, shared: strings.TrimSpace(sharedKey)}
}

// Resolve returns the secret for userID and family, or MISSING_CREDENTIAL.
func (r *Resolver) Resolve(ctx context.Context, userID string, family provider.Family) (string, error) {
	if r == nil || r.store == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "credential store not configured")
	}
	cred, err := r.store.Lookup(ctx, userID, family)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return "", err
		}
		return "", xerrors.Wrap(xerrors.CodePersistenceFailure, err, "lookup credential")
	}
	switch cred.Mode() {
	case ModeExplicit:
		return cred.Secret(), nil
	case ModeShared:
		if r.shared == "" {
			return "", xerrors.New(xerrors.CodeMissingCredential, "shared key requested but not configured")
		}
		return r.shared, nil
	default:
		return "", xerrors.New(xerrors.CodeMissingCredential, "")
	}
}
