package models

import "time"

// EventKind labels an auth audit event.
type EventKind string

const (
	EventSignIn           EventKind = "sign_in"
	EventSignUp           EventKind = "sign_up"
	EventSignOut          EventKind = "sign_out"
	EventCodeIssued       EventKind = "code_issued"
	EventCodeVerified     EventKind = "code_verified"
	EventCodeRejected     EventKind = "code_rejected"
	EventTwoFactorEnabled EventKind = "twofactor_enabled"
	EventTwoFactorSkipped EventKind = "twofactor_skipped"
	EventBridgeLink       EventKind = "bridge_link"
	EventRedirectRejected EventKind = "redirect_rejected"
)

// AuthEvent is the audit record fanned out to Kafka, ClickHouse and
// Elasticsearch. Contacts appear only as hashes.
type AuthEvent struct {
	EventID     string    `json:"event_id" ch:"event_id"`
	Kind        EventKind `json:"kind" ch:"kind"`
	UserID      string    `json:"user_id,omitempty" ch:"user_id"`
	ContactHash string    `json:"contact_hash,omitempty" ch:"contact_hash"`
	Purpose     string    `json:"purpose,omitempty" ch:"purpose"`
	Channel     string    `json:"channel,omitempty" ch:"channel"`
	Outcome     string    `json:"outcome,omitempty" ch:"outcome"`
	Detail      string    `json:"detail,omitempty" ch:"detail"`
	RemoteIP    string    `json:"remote_ip,omitempty" ch:"remote_ip"`
	OccurredAt  time.Time `json:"occurred_at" ch:"occurred_at"`
}
