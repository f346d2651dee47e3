package models

import (
	"encoding/json"
	"time"
)

// AccountSecurityFlags is the typed view of the loosely-typed account
// metadata the provider stores. One accessor shape everywhere instead of
// ad hoc string lookups.
type AccountSecurityFlags struct {
	TwoFactorEnabled  bool `json:"twofa_enabled"`
	TwoFactorSkipped  bool `json:"twofa_skipped"`
	TwoFactorVerified bool `json:"twofa_verified"`
	ProfileCompleted  bool `json:"has_completed_profile"`
}

// NeedsTwoFactorPrompt reports whether a freshly authenticated account must
// be routed through the enrollment prompt before full access.
func (f AccountSecurityFlags) NeedsTwoFactorPrompt() bool {
	return !f.TwoFactorEnabled && !f.TwoFactorSkipped
}

// MetadataPatch renders the flags as a provider metadata update payload.
func (f AccountSecurityFlags) MetadataPatch() map[string]interface{} {
	return map[string]interface{}{
		"twofa_enabled":         f.TwoFactorEnabled,
		"twofa_skipped":         f.TwoFactorSkipped,
		"twofa_verified":        f.TwoFactorVerified,
		"has_completed_profile": f.ProfileCompleted,
	}
}

// User is the slice of the provider's user object the gateway reads.
type User struct {
	ID       string                 `json:"id"`
	Email    string                 `json:"email,omitempty"`
	Phone    string                 `json:"phone,omitempty"`
	Metadata map[string]interface{} `json:"user_metadata,omitempty"`
}

// SecurityFlags extracts the typed flags from the raw metadata map.
// Malformed values read as false; the gateway never crashes a session check
// on dirty legacy metadata.
func (u *User) SecurityFlags() AccountSecurityFlags {
	var flags AccountSecurityFlags
	if u == nil || u.Metadata == nil {
		return flags
	}
	raw, err := json.Marshal(u.Metadata)
	if err != nil {
		return flags
	}
	_ = json.Unmarshal(raw, &flags)
	return flags
}

// Session is issued and signed by the identity provider; the gateway only
// stores and propagates it.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	User         *User     `json:"user,omitempty"`
}
