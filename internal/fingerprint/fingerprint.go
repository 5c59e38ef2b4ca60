// Package fingerprint derives stable device identities from client-reported traits.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/mssola/useragent"
	"github.com/opensource-finance/linklock/internal/domain"
)

const (
	// DevicePrefix tags every derived device ID.
	DevicePrefix = "device-"

	// idHexLen is the number of hex digest characters kept in a device ID.
	idHexLen = 16

	unknown = "unknown"
)

// Screen bounds outside of which a resolution is considered anomalous.
const (
	minScreenWidth  = 800
	minScreenHeight = 600
	maxScreenWidth  = 7680
	maxScreenHeight = 4320
)

// Resolve computes the device ID and parsed device info for a trait set.
// It is a pure function: identical traits always yield identical output.
func Resolve(traits domain.DeviceTraits) (string, *domain.DeviceInfo) {
	return DeviceID(traits), Describe(traits)
}

// DeviceID hashes the ordered trait list into a short tagged identifier.
// A change to any single trait yields a different ID.
func DeviceID(traits domain.DeviceTraits) string {
	sum := sha256.Sum256([]byte(strings.Join(traitVector(traits), "|")))
	return DevicePrefix + hex.EncodeToString(sum[:])[:idHexLen]
}

// traitVector is the fixed, ordered list of traits the ID is computed over.
// Missing traits contribute an empty string.
func traitVector(t domain.DeviceTraits) []string {
	return []string{
		t.FingerprintID,
		t.UserAgent,
		t.ScreenResolution,
		t.Timezone,
		t.Language,
		t.Platform,
		formatInt(t.HardwareConcurrency),
		formatFloat(t.DeviceMemory),
		formatInt(t.ColorDepth),
		formatFloat(t.PixelRatio),
		t.CanvasFingerprint,
		t.WebGLVendor,
		t.WebGLRenderer,
	}
}

// Describe parses the user agent and derives device-level risk indicators.
func Describe(traits domain.DeviceTraits) *domain.DeviceInfo {
	ua := useragent.New(traits.UserAgent)

	browser, browserVersion := ua.Browser()
	if browser == "" {
		browser = "Other"
	}
	osInfo := ua.OSInfo()
	osName := osInfo.Name
	if osName == "" {
		osName = "Other"
	}

	isBot := ua.Bot()
	screenAnomaly := IsScreenAnomaly(traits.ScreenResolution)

	info := &domain.DeviceInfo{
		Name:             browser + " on " + osName,
		Browser:          browser,
		BrowserVersion:   browserVersion,
		OS:               osName,
		OSVersion:        osInfo.Version,
		Type:             deviceType(ua, traits.UserAgent),
		IsBot:            isBot,
		ScreenResolution: orUnknown(traits.ScreenResolution),
		Timezone:         orUnknown(traits.Timezone),
		Language:         orUnknown(traits.Language),
		Platform:         orUnknown(traits.Platform),
		Risk: domain.RiskIndicators{
			IsBot:         isBot,
			IsHeadless:    strings.Contains(strings.ToLower(traits.UserAgent), "headless"),
			HasTouch:      traits.TouchSupport,
			ScreenAnomaly: screenAnomaly,
			// timezone-vs-geolocation comparison needs a resolved location
			TimezoneMismatch: false,
		},
	}
	return info
}

// IsScreenAnomaly reports whether a "<width>x<height>" resolution is too
// small for genuine use or larger than 8K. Unparsable input is not anomalous.
func IsScreenAnomaly(resolution string) bool {
	w, h, ok := parseResolution(resolution)
	if !ok {
		return false
	}
	return w < minScreenWidth || h < minScreenHeight || w > maxScreenWidth || h > maxScreenHeight
}

func parseResolution(resolution string) (int, int, bool) {
	ws, hs, found := strings.Cut(strings.ToLower(strings.TrimSpace(resolution)), "x")
	if !found {
		return 0, 0, false
	}
	w, err := strconv.Atoi(strings.TrimSpace(ws))
	if err != nil {
		return 0, 0, false
	}
	h, err := strconv.Atoi(strings.TrimSpace(hs))
	if err != nil {
		return 0, 0, false
	}
	return w, h, true
}

func deviceType(ua *useragent.UserAgent, raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "ipad"), strings.Contains(lower, "tablet"),
		strings.Contains(lower, "android") && !strings.Contains(lower, "mobile"):
		return domain.DeviceTablet
	case ua.Mobile():
		return domain.DeviceMobile
	default:
		return domain.DeviceDesktop
	}
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}
