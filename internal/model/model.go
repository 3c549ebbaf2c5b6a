// Package model holds the data types shared across the credential store,
// message log store, dedup cache, and worker pool.
package model

import (
	"strings"
	"time"
)

// Credential is a tenant's Push Channel configuration plus webhook target.
type Credential struct {
	ID        string
	Name      string
	APIKey    string
	AppID     string
	ProjectID string

	// Registration material. Nil until the first successful register; the
	// six fields below are either all present or all absent (see Validate).
	FCMToken      *string
	GCMToken      *string
	AndroidID     *uint64
	SecurityToken *uint64
	PrivateKey    *string // base64
	AuthSecret    *string // base64

	WebhookURL     string
	WebhookHeaders map[string]string

	IsActive    bool
	IsSuspended bool

	Topics []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanStart reports whether a worker may be auto-started for this credential.
func (c *Credential) CanStart() bool {
	return c.IsActive && !c.IsSuspended
}

// HasRegistration reports whether all six registration fields are present.
func (c *Credential) HasRegistration() bool {
	return c.FCMToken != nil && c.GCMToken != nil && c.AndroidID != nil &&
		c.SecurityToken != nil && c.PrivateKey != nil && c.AuthSecret != nil
}

// Validate enforces the Credential invariants from spec §3.
func (c *Credential) Validate() error {
	if c.APIKey == "" || c.AppID == "" || c.ProjectID == "" {
		return &ValidationError{Field: "api_key/app_id/project_id", Msg: "vendor identity triple is required"}
	}
	if !strings.HasPrefix(c.WebhookURL, "http://") && !strings.HasPrefix(c.WebhookURL, "https://") {
		return &ValidationError{Field: "webhook_url", Msg: "must begin with http:// or https://"}
	}
	present := 0
	fields := []bool{c.FCMToken != nil, c.GCMToken != nil, c.AndroidID != nil, c.SecurityToken != nil, c.PrivateKey != nil, c.AuthSecret != nil}
	for _, f := range fields {
		if f {
			present++
		}
	}
	if present != 0 && present != len(fields) {
		return &ValidationError{Field: "registration", Msg: "registration material must be fully present or fully absent"}
	}
	return nil
}

// ValidationError signals a BadRequest-class input error (spec §7).
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Msg
}

// CredentialPatch is the subset of Credential fields update() may change.
type CredentialPatch struct {
	Name           *string
	WebhookURL     *string
	WebhookHeaders map[string]string
	IsActive       *bool
	APIKey         *string
	AppID          *string
	ProjectID      *string
}

// MessageLog is a persisted record of one inbound push payload and its
// webhook delivery outcome.
type MessageLog struct {
	ID             string
	CredentialID   string
	FCMMessageID   *string
	Payload        string
	WebhookStatus  *int
	WebhookResponse *string
	ReceivedAt     time.Time
}
