package domain

import "time"

// EventKind distinguishes logins from transactions.
type EventKind string

const (
	KindLogin       EventKind = "login"
	KindTransaction EventKind = "transaction"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	return k == KindLogin || k == KindTransaction
}

// EventStatus is the outcome of an event.
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusFailed  EventStatus = "failed"
	StatusBlocked EventStatus = "blocked"
)

// Valid reports whether s is a known status.
func (s EventStatus) Valid() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusBlocked
}

// Location is a resolved geolocation for an IP address.
type Location struct {
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DeviceTraits are the client-reported signals a device fingerprint is derived from.
// Numeric traits are pointers so "not reported" differs from zero.
type DeviceTraits struct {
	FingerprintID       string   `json:"fingerprint_id,omitempty"`
	UserAgent           string   `json:"user_agent,omitempty"`
	ScreenResolution    string   `json:"screen_resolution,omitempty"`
	Timezone            string   `json:"timezone,omitempty"`
	Language            string   `json:"language,omitempty"`
	Platform            string   `json:"platform,omitempty"`
	HardwareConcurrency *int     `json:"hardware_concurrency,omitempty"`
	DeviceMemory        *float64 `json:"device_memory,omitempty"`
	ColorDepth          *int     `json:"color_depth,omitempty"`
	PixelRatio          *float64 `json:"pixel_ratio,omitempty"`
	CanvasFingerprint   string   `json:"canvas_fingerprint,omitempty"`
	WebGLVendor         string   `json:"webgl_vendor,omitempty"`
	WebGLRenderer       string   `json:"webgl_renderer,omitempty"`
	TouchSupport        bool     `json:"touch_support,omitempty"`
}

// DeviceInfo is the parsed description of a device.
type DeviceInfo struct {
	Name             string         `json:"device_name"`
	Browser          string         `json:"browser"`
	BrowserVersion   string         `json:"browser_version"`
	OS               string         `json:"os"`
	OSVersion        string         `json:"os_version"`
	Type             string         `json:"device_type"` // mobile, tablet, desktop
	IsBot            bool           `json:"is_bot"`
	ScreenResolution string         `json:"screen_resolution"`
	Timezone         string         `json:"timezone"`
	Language         string         `json:"language"`
	Platform         string         `json:"platform"`
	Risk             RiskIndicators `json:"risk_indicators"`
}

// RiskIndicators are device-level signals consumed by the risk scorer.
type RiskIndicators struct {
	IsBot            bool `json:"is_bot"`
	IsHeadless       bool `json:"is_headless"`
	HasTouch         bool `json:"has_touch"`
	ScreenAnomaly    bool `json:"screen_anomaly"`
	TimezoneMismatch bool `json:"timezone_mismatch"`
}

// Device type classifications.
const (
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceDesktop = "desktop"
)

// LoginEvent is an inbound login attempt.
// ActorID is empty when the supplied email did not match an account.
type LoginEvent struct {
	ActorID   string
	Email     string
	IPAddress string
	Traits    DeviceTraits
	Outcome   EventStatus
}

// TransactionEvent is an inbound transaction for a known actor.
type TransactionEvent struct {
	ActorID     string
	IPAddress   string
	Traits      DeviceTraits
	Amount      float64
	Category    string
	Description string
}

// Event is the durable, append-only record of a login or transaction.
type Event struct {
	ID         string      `json:"id"`
	ActorID    *string     `json:"actorId"`
	Kind       EventKind   `json:"kind"`
	Status     EventStatus `json:"status"`
	OccurredAt time.Time   `json:"occurredAt"`
	IPAddress  string      `json:"ipAddress"`
	Location   *Location   `json:"location"`
	DeviceID   string      `json:"deviceId"`
	DeviceInfo *DeviceInfo `json:"deviceInfo,omitempty"`

	// PreviousAt is the timestamp of the actor's previous comparable event.
	PreviousAt *time.Time `json:"previousAt,omitempty"`

	// Login fields
	Email         string `json:"email,omitempty"`
	LoginAttempts int64  `json:"loginAttempts,omitempty"`

	// Transaction fields
	Amount         float64  `json:"amount,omitempty"`
	Category       string   `json:"category,omitempty"`
	Description    string   `json:"description,omitempty"`
	MerchantID     string   `json:"merchantId,omitempty"`
	ElapsedSeconds *float64 `json:"elapsedSeconds,omitempty"`

	// Scoring
	RiskScore     int            `json:"riskScore"`
	RuleScore     int            `json:"ruleScore"`
	ExternalScore *int           `json:"externalScore,omitempty"`
	IsAnomaly     bool           `json:"isAnomaly"`
	Reasons       map[string]any `json:"reasons"`

	// Skipped lists signals that could not be evaluated. Not persisted.
	Skipped []string `json:"skipped,omitempty"`
}

// Actor returns the actor ID or "" for an anonymous event.
func (e *Event) Actor() string {
	if e.ActorID == nil {
		return ""
	}
	return *e.ActorID
}

// DeviceSummary aggregates an actor's events per device.
type DeviceSummary struct {
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastSeen   time.Time `json:"lastSeen"`
	UsageCount int64     `json:"usageCount"`
	Cities     []string  `json:"cities"`
}

// ActorStats answers the stats query for an actor.
type ActorStats struct {
	TotalLogins     int64      `json:"totalLogins"`
	FailedLogins30d int64      `json:"failedLogins30d"`
	UniqueDevices   int64      `json:"uniqueDevices"`
	UniqueLocations int64      `json:"uniqueLocations"`
	LastLogin       *time.Time `json:"lastLogin"`
	LastDeviceID    string     `json:"lastDeviceId,omitempty"`
	LastIP          string     `json:"lastIp,omitempty"`
}

// AmountBaseline summarizes an actor's historical amounts in one category.
type AmountBaseline struct {
	Count  int64   `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
}
