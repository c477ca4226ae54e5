// Package spoke implements the hub-side registry of national and
// coalition spoke instances: lifecycle state machine, certificate
// binding, token minting, and heartbeat tracking.
package spoke

import (
	"time"

	"github.com/coalition-io/fedhub/pkg/clearance"
	"github.com/coalition-io/fedhub/pkg/trust"
)

// Status is the spoke lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked" // terminal
)

// RateLimit is the per-spoke inbound call budget.
type RateLimit struct {
	RequestsPerMinute int `bson:"rpm" json:"rpm"`
	Burst             int `bson:"burst" json:"burst"`
}

// HeartbeatStats carries the health signals a spoke reports with each
// heartbeat.
type HeartbeatStats struct {
	LatencyMs     int64 `bson:"latencyMs" json:"latencyMs"`
	OPALConnected bool  `bson:"opalConnected" json:"opalConnected"`
}

// Spoke is the per-instance registry record.
type Spoke struct {
	SpokeID                string           `bson:"spokeId" json:"spokeId"`
	InstanceCode           string           `bson:"instanceCode" json:"instanceCode"`
	Name                   string           `bson:"name" json:"name"`
	BaseURL                string           `bson:"baseUrl" json:"baseUrl"`
	APIURL                 string           `bson:"apiUrl" json:"apiUrl"`
	IdPURL                 string           `bson:"idpUrl" json:"idpUrl"`
	CertificatePEM         string           `bson:"certificatePem" json:"certificatePem"`
	CertificateFingerprint string           `bson:"certificateFingerprint" json:"certificateFingerprint"`
	ContactEmail           string           `bson:"contactEmail" json:"contactEmail"`
	Status                 Status           `bson:"status" json:"status"`
	TrustLevel             trust.TrustLevel `bson:"trustLevel,omitempty" json:"trustLevel,omitempty"`
	MaxClassification      clearance.Level  `bson:"maxClassificationAllowed" json:"maxClassificationAllowed"`
	AllowedPolicyScopes    []string         `bson:"allowedPolicyScopes" json:"allowedPolicyScopes"`
	RateLimit              RateLimit        `bson:"rateLimit" json:"rateLimit"`
	AuditRetentionDays     int              `bson:"auditRetentionDays" json:"auditRetentionDays"`
	ApprovedBy             string           `bson:"approvedBy,omitempty" json:"approvedBy,omitempty"`
	ApprovedAt             time.Time        `bson:"approvedAt,omitempty" json:"approvedAt,omitempty"`
	StatusReason           string           `bson:"statusReason,omitempty" json:"statusReason,omitempty"`
	LastHeartbeat          time.Time        `bson:"lastHeartbeat,omitempty" json:"lastHeartbeat,omitempty"`
	LastHeartbeatStats     *HeartbeatStats  `bson:"lastHeartbeatStats,omitempty" json:"lastHeartbeatStats,omitempty"`
	CreatedAt              time.Time        `bson:"createdAt" json:"createdAt"`
	UpdatedAt              time.Time        `bson:"updatedAt" json:"updatedAt"`
}

// Token is one opaque spoke credential. Scopes are frozen at mint.
type Token struct {
	Token     string    `bson:"token" json:"token"`
	SpokeID   string    `bson:"spokeId" json:"spokeId"`
	Scopes    []string  `bson:"scopes" json:"scopes"`
	IssuedAt  time.Time `bson:"issuedAt" json:"issuedAt"`
	ExpiresAt time.Time `bson:"expiresAt" json:"expiresAt"`
}

// RegisterRequest is the admin-facing registration payload.
type RegisterRequest struct {
	InstanceCode   string `json:"instanceCode"`
	Name           string `json:"name"`
	BaseURL        string `json:"baseUrl"`
	APIURL         string `json:"apiUrl"`
	IdPURL         string `json:"idpUrl"`
	CertificatePEM string `json:"certificatePem"`
	ContactEmail   string `json:"contactEmail"`
}

// Grant carries the capabilities conferred at approval.
type Grant struct {
	TrustLevel        trust.TrustLevel `json:"trustLevel"`
	MaxClassification clearance.Level  `json:"maxClassification"`
	AllowedScopes     []string         `json:"allowedScopes"`
}

// ValidationResult is the outcome of a token check. Reason is set
// whenever Valid is false.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Reason string   `json:"reason,omitempty"`
	Spoke  *Spoke   `json:"spoke,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// EventType enumerates spoke lifecycle events consumed by the policy
// distribution side (bundle rebuild, trusted-issuer publish).
type EventType string

const (
	EventApproved  EventType = "spokeApproved"
	EventSuspended EventType = "spokeSuspended"
	EventRevoked   EventType = "spokeRevoked"
)

// Event is emitted after a lifecycle transition is durably committed.
type Event struct {
	Type         EventType
	SpokeID      string
	InstanceCode string
	Reason       string
	At           time.Time
}
