package feeding

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a feeding event.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further automated transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// LinkStatus describes the observed state of the device or the network path to it.
// The set is closed; unknown strings parse to LinkUnknown.
type LinkStatus string

const (
	LinkConnected     LinkStatus = "Connected"
	LinkDisconnected  LinkStatus = "Disconnected"
	LinkPoor          LinkStatus = "Poor Connection"
	LinkUnknown       LinkStatus = "Unknown"
	LinkError         LinkStatus = "Error"
	LinkTestMode      LinkStatus = "Test Mode"
	LinkNotApplicable LinkStatus = "N/A"
)

var linkStatuses = []LinkStatus{
	LinkConnected, LinkDisconnected, LinkPoor, LinkUnknown, LinkError, LinkTestMode, LinkNotApplicable,
}

// Valid reports whether l belongs to the closed LinkStatus set.
func (l LinkStatus) Valid() bool {
	for _, v := range linkStatuses {
		if v == l {
			return true
		}
	}
	return false
}

// ParseLinkStatus maps a stored value back into the enumeration (case-insensitive).
func ParseLinkStatus(s string) LinkStatus {
	s = strings.TrimSpace(s)
	for _, v := range linkStatuses {
		if strings.EqualFold(string(v), s) {
			return v
		}
	}
	return LinkUnknown
}

const DefaultMaxRetries = 3

// Event is a single intended dispense of feed.
type Event struct {
	ID            string     `json:"id"`
	ZoneID        string     `json:"zone_id"`
	FeedID        string     `json:"feed_id"`
	Quantity      float64    `json:"quantity"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	Immediate     bool       `json:"immediate"`
	Status        Status     `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	MaxRetries    int        `json:"max_retries"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ErrorDetails  string     `json:"error_details,omitempty"`
	DeviceStatus  LinkStatus `json:"device_status"`
	NetworkStatus LinkStatus `json:"network_status"`
	StockReduced  bool       `json:"stock_reduced"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Normalize fills defaults for a freshly created event.
func (e *Event) Normalize() {
	if e.Status == "" {
		e.Status = StatusScheduled
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = DefaultMaxRetries
	}
	if !e.DeviceStatus.Valid() {
		e.DeviceStatus = LinkUnknown
	}
	if !e.NetworkStatus.Valid() {
		e.NetworkStatus = LinkUnknown
	}
}

// RetriesLeft reports whether another automated attempt is allowed.
func (e Event) RetriesLeft() bool { return e.AttemptCount < e.MaxRetries }

// Patch is a field-level update. Nil fields are left untouched.
//
// IfStatus turns the update into a compare-and-swap: it only applies when the
// stored status equals IfStatus, otherwise the store returns ErrConflict.
type Patch struct {
	IfStatus Status

	Status        *Status
	ScheduledTime *time.Time
	AttemptCount  *int
	LastAttemptAt *time.Time
	FailureReason *string
	ErrorDetails  *string
	DeviceStatus  *LinkStatus
	NetworkStatus *LinkStatus
	StockReduced  *bool
	ExecutedAt    *time.Time
}

// Apply merges the patch into e. The IfStatus guard is the caller's job.
func (p Patch) Apply(e *Event) {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.ScheduledTime != nil {
		e.ScheduledTime = *p.ScheduledTime
	}
	if p.AttemptCount != nil {
		e.AttemptCount = *p.AttemptCount
	}
	if p.LastAttemptAt != nil {
		t := *p.LastAttemptAt
		e.LastAttemptAt = &t
	}
	if p.FailureReason != nil {
		e.FailureReason = *p.FailureReason
	}
	if p.ErrorDetails != nil {
		e.ErrorDetails = *p.ErrorDetails
	}
	if p.DeviceStatus != nil {
		e.DeviceStatus = *p.DeviceStatus
	}
	if p.NetworkStatus != nil {
		e.NetworkStatus = *p.NetworkStatus
	}
	if p.StockReduced != nil {
		e.StockReduced = *p.StockReduced
	}
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		e.ExecutedAt = &t
	}
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T { return &v }

// Outcome is what the emitter is told about.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)
