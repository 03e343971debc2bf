package core

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type LeaseStatus string

const (
	LeaseAvailable         LeaseStatus = "available"
	LeaseInQueue           LeaseStatus = "in_queue"
	LeaseSent              LeaseStatus = "sent"
	LeaseUsed              LeaseStatus = "used"
	LeaseWaiting           LeaseStatus = "waiting"
	LeaseTemporarilyBanned LeaseStatus = "temporarily_banned"
	LeaseBanned            LeaseStatus = "banned"
	LeaseNotAvailable      LeaseStatus = "not_available"
	LeaseLoginFailed       LeaseStatus = "login_failed"
	LeaseProxyError        LeaseStatus = "proxy_error"
)

// AllLeaseStatuses lists every state a lease can be stored in.
var AllLeaseStatuses = []LeaseStatus{
	LeaseAvailable, LeaseInQueue, LeaseSent, LeaseUsed, LeaseWaiting,
	LeaseTemporarilyBanned, LeaseBanned, LeaseNotAvailable, LeaseLoginFailed, LeaseProxyError,
}

// Valid reports whether s is a known lease state.
func (s LeaseStatus) Valid() bool {
	for _, known := range AllLeaseStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsOutcome reports whether s may be reported by a consumer to leave the sent state.
func (s LeaseStatus) IsOutcome() bool {
	switch s {
	case LeaseUsed, LeaseWaiting, LeaseTemporarilyBanned, LeaseBanned,
		LeaseNotAvailable, LeaseLoginFailed, LeaseProxyError:
		return true
	}
	return false
}

// IsRecoverable reports whether the recovery sweep may return s to available.
func (s LeaseStatus) IsRecoverable() bool {
	return s == LeaseWaiting || s == LeaseTemporarilyBanned
}

type ProxyStatus string

const (
	ProxyAvailable    ProxyStatus = "available"
	ProxyNotAvailable ProxyStatus = "not_available"
	ProxyIPNotEqual   ProxyStatus = "ip_not_equal"
)

// LeasePayload is the view of a lease handed to consumers.
type LeasePayload struct {
	ID          string         `json:"id"`
	Status      LeaseStatus    `json:"status"`
	Network     string         `json:"network"`
	Login       string         `json:"login"`
	Password    string         `json:"password"`
	ProxyURL    string         `json:"proxy_url,omitempty"`
	ProxyMobile bool           `json:"proxy_mobile"`
	Cookies     []Cookie       `json:"cookies"`
	Limits      map[string]int `json:"limits"`
}

// DecodeDelivery parses a queued message body. Batch deliveries are JSON arrays.
func DecodeDelivery(data []byte) ([]LeasePayload, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []LeasePayload
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, true, fmt.Errorf("failed to decode batch payload: %w", err)
		}
		return batch, true, nil
	}

	var single LeasePayload
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, false, fmt.Errorf("failed to decode lease payload: %w", err)
	}
	return []LeasePayload{single}, false, nil
}

// OutcomeReport is what a consumer sends back after using a lease.
type OutcomeReport struct {
	LeaseID           string          `json:"lease_id"`
	Status            LeaseStatus     `json:"status"`
	Cookies           json.RawMessage `json:"cookies,omitempty"`
	RequestCount      map[string]int  `json:"request_count"`
	Limit             map[string]int  `json:"limit"`
	StatusDescription string          `json:"status_description"`
}

// Validate checks the report and returns the normalized cookies it carries.
// A nil cookie slice means the report did not touch the stored cookies.
func (r *OutcomeReport) Validate() ([]Cookie, error) {
	if _, err := uuid.Parse(r.LeaseID); err != nil {
		return nil, fmt.Errorf("%w: lease_id %q is not a valid id", ErrValidation, r.LeaseID)
	}
	if !r.Status.IsOutcome() {
		return nil, fmt.Errorf("%w: status %q cannot be reported", ErrValidation, r.Status)
	}
	for title, count := range r.RequestCount {
		if count < 0 {
			return nil, fmt.Errorf("%w: negative request count for %q", ErrValidation, title)
		}
	}
	return ParseCookies(r.Cookies)
}
