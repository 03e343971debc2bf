package db

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leozw/credentials-manager/internal/core"
)

type Network struct {
	ID            int64     `json:"id" db:"id"`
	Title         string    `json:"title" db:"title"`
	NeedProxy     bool      `json:"need_proxy" db:"need_proxy"`
	DynamicLimits bool      `json:"dynamic_limits" db:"dynamic_limits"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

type ParsingType struct {
	ID        int64   `json:"-" db:"id"`
	NetworkID int64   `json:"-" db:"network_id"`
	Title     string  `json:"title" db:"title"`
	Code      *string `json:"code" db:"code"`
	Limit     int     `json:"limit" db:"base_limit"`
}

type Proxy struct {
	ID              int64            `json:"id" db:"id"`
	Scheme          string           `json:"scheme" db:"scheme"`
	Host            string           `json:"host" db:"host"`
	Port            int              `json:"port" db:"port"`
	Login           *string          `json:"-" db:"login"`
	Password        *string          `json:"-" db:"password"`
	Mobile          bool             `json:"mobile" db:"mobile"`
	Market          string           `json:"market" db:"market"`
	Status          core.ProxyStatus `json:"status" db:"status"`
	StatusUpdatedAt time.Time        `json:"status_updated_at" db:"status_updated_at"`
	Enabled         bool             `json:"enabled" db:"enabled"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}

// URL renders the proxy for an outbound client. remoteDNS selects socks5h.
func (p *Proxy) URL(remoteDNS bool) string {
	return core.ProxyURL(p.Scheme, p.Host, p.Port, deref(p.Login), deref(p.Password), remoteDNS)
}

func (p *Proxy) String() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

type Rent struct {
	ID              int64      `json:"id" db:"id"`
	ProxyID         int64      `json:"proxy_id" db:"proxy_id"`
	ExpirationDate  *time.Time `json:"expiration_date" db:"expiration_date"`
	Price           *int       `json:"price" db:"price"`
	FiveDayNotified bool       `json:"five_day_notified" db:"five_day_notified"`
	OneDayNotified  bool       `json:"one_day_notified" db:"one_day_notified"`
	SameDayNotified bool       `json:"same_day_notified" db:"same_day_notified"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// RentThreshold names one of the one-shot expiry notifications of a rent.
type RentThreshold int

const (
	RentFiveDays RentThreshold = 5
	RentOneDay   RentThreshold = 1
	RentSameDay  RentThreshold = 0
)

func (t RentThreshold) column() string {
	switch t {
	case RentFiveDays:
		return "five_day_notified"
	case RentOneDay:
		return "one_day_notified"
	default:
		return "same_day_notified"
	}
}

// Notified reports whether the flag for threshold t is already set.
func (r *Rent) Notified(t RentThreshold) bool {
	switch t {
	case RentFiveDays:
		return r.FiveDayNotified
	case RentOneDay:
		return r.OneDayNotified
	default:
		return r.SameDayNotified
	}
}

type Credentials struct {
	ID        int64     `json:"id" db:"id"`
	NetworkID int64     `json:"network_id" db:"network_id"`
	Login     string    `json:"login" db:"login"`
	Password  string    `json:"-" db:"password"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// UnpairedCredentials is an enabled credentials row that has no lease yet.
type UnpairedCredentials struct {
	ID           int64  `db:"id"`
	NetworkID    int64  `db:"network_id"`
	NetworkTitle string `db:"network_title"`
	NeedProxy    bool   `db:"need_proxy"`
	Login        string `db:"login"`
}

type Lease struct {
	ID                string           `json:"id" db:"id"`
	CredentialsID     int64            `json:"credentials_id" db:"credentials_id"`
	NetworkID         int64            `json:"network_id" db:"network_id"`
	ProxyID           *int64           `json:"proxy_id" db:"proxy_id"`
	Status            core.LeaseStatus `json:"status" db:"status"`
	StatusDescription string           `json:"status_description" db:"status_description"`
	StatusChangedAt   time.Time        `json:"status_changed_at" db:"status_changed_at"`
	WaitingDelta      int              `json:"waiting_delta" db:"waiting_delta"`
	Counter           int              `json:"counter" db:"counter"`
	SentAt            *time.Time       `json:"sent_at" db:"sent_at"`
	UseStartedAt      *time.Time       `json:"use_started_at" db:"use_started_at"`
	Cookies           CookieList       `json:"cookies" db:"cookies"`
	Enabled           bool             `json:"enabled" db:"enabled"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
}

// LeaseView is a lease joined with everything a consumer payload needs.
type LeaseView struct {
	Lease
	NetworkTitle  string         `db:"network_title"`
	DynamicLimits bool           `db:"dynamic_limits"`
	Login         string         `db:"login"`
	Password      string         `db:"password"`
	ProxyScheme   sql.NullString `db:"proxy_scheme"`
	ProxyHost     sql.NullString `db:"proxy_host"`
	ProxyPort     sql.NullInt64  `db:"proxy_port"`
	ProxyLogin    sql.NullString `db:"proxy_login"`
	ProxyPassword sql.NullString `db:"proxy_password"`
	ProxyMobile   sql.NullBool   `db:"proxy_mobile"`
}

// ProxyURL renders the paired proxy for a consumer, or "" when there is none.
func (v *LeaseView) ProxyURL() string {
	if !v.ProxyHost.Valid {
		return ""
	}
	return core.ProxyURL(v.ProxyScheme.String, v.ProxyHost.String, int(v.ProxyPort.Int64),
		v.ProxyLogin.String, v.ProxyPassword.String, true)
}

// LeaseOutcome is the lease side of an outcome report, applied in the same
// transaction as the usage record.
type LeaseOutcome struct {
	Status            core.LeaseStatus
	StatusDescription string
	WaitingDelta      int
	// Cookies replaces the stored cookies when non-nil.
	Cookies CookieList
}

// OutcomeApplier computes the usage record and lease update from the locked
// current row. Returning an error aborts the transaction.
type OutcomeApplier func(current *Lease) (*UsageRecord, *LeaseOutcome, error)

type RecoveredLease struct {
	ID           string           `db:"id"`
	NetworkTitle string           `db:"network_title"`
	FromStatus   core.LeaseStatus `db:"from_status"`
}

// LeaseFilter narrows ListLeases; empty fields match everything.
type LeaseFilter struct {
	Status  core.LeaseStatus
	Network string
}

// LeaseSummary is the operator view of a lease. It carries no secrets.
type LeaseSummary struct {
	ID                string           `json:"id" db:"id"`
	NetworkTitle      string           `json:"network" db:"network_title"`
	Login             string           `json:"login" db:"login"`
	ProxyID           *int64           `json:"proxy_id" db:"proxy_id"`
	ProxyHost         *string          `json:"proxy_host" db:"proxy_host"`
	Status            core.LeaseStatus `json:"status" db:"status"`
	StatusDescription string           `json:"status_description" db:"status_description"`
	StatusChangedAt   time.Time        `json:"status_changed_at" db:"status_changed_at"`
	WaitingDelta      int              `json:"waiting_delta" db:"waiting_delta"`
	Counter           int              `json:"counter" db:"counter"`
	Enabled           bool             `json:"enabled" db:"enabled"`
}

// ProxyLoad is a proxy with the number of leases paired to it.
type ProxyLoad struct {
	Proxy
	LeaseCount int `json:"lease_count" db:"lease_count"`
}

type sentLease struct {
	ID        string `db:"id"`
	NetworkID int64  `db:"network_id"`
	ProxyID   *int64 `db:"proxy_id"`
}

type StatusCount struct {
	NetworkTitle string           `db:"network_title"`
	Status       core.LeaseStatus `db:"status"`
	Count        int              `db:"count"`
}

type UsageRecord struct {
	ID                string           `json:"id" db:"id"`
	LeaseID           *string          `json:"lease_id" db:"lease_id"`
	ProxyID           *int64           `json:"proxy_id" db:"proxy_id"`
	AccountTitle      string           `json:"account_title" db:"account_title"`
	UseStartedAt      *time.Time       `json:"use_started_at" db:"use_started_at"`
	UseEndedAt        time.Time        `json:"use_ended_at" db:"use_ended_at"`
	RequestCount      CountMap         `json:"request_count" db:"request_count"`
	Limits            CountMap         `json:"limits" db:"limits"`
	ResultStatus      core.LeaseStatus `json:"result_status" db:"result_status"`
	StatusDescription string           `json:"status_description" db:"status_description"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
}

// Custom types for JSONB columns

type CookieList []core.Cookie

func (c CookieList) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal([]core.Cookie(c))
}

func (c *CookieList) Scan(value interface{}) error {
	data, ok := jsonBytes(value)
	if !ok {
		*c = nil
		return nil
	}
	return json.Unmarshal(data, (*[]core.Cookie)(c))
}

type CountMap map[string]int

func (m CountMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(map[string]int(m))
}

func (m *CountMap) Scan(value interface{}) error {
	data, ok := jsonBytes(value)
	if !ok {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, (*map[string]int)(m))
}

func jsonBytes(value interface{}) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	default:
		return nil, false
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
