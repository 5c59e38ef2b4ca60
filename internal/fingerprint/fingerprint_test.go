package fingerprint

import (
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/opensource-finance/linklock/internal/domain"
)

const (
	chromeWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	safariIPhone  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	safariIPad    = "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	googlebot     = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
	headless      = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36"
)

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func desktopTraits() domain.DeviceTraits {
	return domain.DeviceTraits{
		FingerprintID:       "fp-123",
		UserAgent:           chromeWindows,
		ScreenResolution:    "1920x1080",
		Timezone:            "Asia/Karachi",
		Language:            "en-US",
		Platform:            "Win32",
		HardwareConcurrency: intPtr(8),
		DeviceMemory:        floatPtr(8),
		ColorDepth:          intPtr(24),
		PixelRatio:          floatPtr(1.25),
		CanvasFingerprint:   "canvas-abc",
		WebGLVendor:         "Google Inc.",
		WebGLRenderer:       "ANGLE (NVIDIA)",
	}
}

func TestDeviceID(t *testing.T) {
	t.Run("Format", func(t *testing.T) {
		id := DeviceID(desktopTraits())
		if !strings.HasPrefix(id, DevicePrefix) {
			t.Errorf("expected prefix %q, got %s", DevicePrefix, id)
		}
		if len(id) != len(DevicePrefix)+16 {
			t.Errorf("expected 16 hex chars after prefix, got %s", id)
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		if DeviceID(desktopTraits()) != DeviceID(desktopTraits()) {
			t.Error("expected identical traits to yield identical IDs")
		}
	})

	t.Run("EmptyTraits", func(t *testing.T) {
		id, info := Resolve(domain.DeviceTraits{})
		if !strings.HasPrefix(id, DevicePrefix) {
			t.Errorf("expected tagged ID for empty traits, got %s", id)
		}
		if info.ScreenResolution != "unknown" {
			t.Errorf("expected unknown resolution, got %s", info.ScreenResolution)
		}
		if info.Type != domain.DeviceDesktop {
			t.Errorf("expected desktop for empty UA, got %s", info.Type)
		}
	})

	t.Run("NumericTraitsChangeID", func(t *testing.T) {
		base := desktopTraits()
		changed := desktopTraits()
		changed.PixelRatio = floatPtr(2)
		if DeviceID(base) == DeviceID(changed) {
			t.Error("expected pixel ratio change to alter the ID")
		}

		missing := desktopTraits()
		missing.HardwareConcurrency = nil
		if DeviceID(base) == DeviceID(missing) {
			t.Error("expected missing hardware concurrency to alter the ID")
		}
	})

	t.Run("TouchSupportNotHashed", func(t *testing.T) {
		touch := desktopTraits()
		touch.TouchSupport = true
		if DeviceID(desktopTraits()) != DeviceID(touch) {
			t.Error("touch support is an indicator, not part of the identity")
		}
	})
}

func TestDeviceIDProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same traits yield the same device ID", prop.ForAll(
		func(ua, screen, tz, lang string, cores int) bool {
			traits := domain.DeviceTraits{
				UserAgent:           ua,
				ScreenResolution:    screen,
				Timezone:            tz,
				Language:            lang,
				HardwareConcurrency: &cores,
			}
			copyTraits := traits
			return DeviceID(traits) == DeviceID(copyTraits)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(1, 64),
	))

	properties.Property("changing one string trait changes the device ID", prop.ForAll(
		func(field int, value, suffix string) bool {
			base := desktopTraits()
			changed := desktopTraits()

			v := reflect.ValueOf(&changed).Elem()
			stringFields := stringFieldIndexes()
			f := v.Field(stringFields[field%len(stringFields)])
			f.SetString(f.String() + value + "x" + suffix)

			return DeviceID(base) != DeviceID(changed)
		},
		gen.IntRange(0, 100),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// stringFieldIndexes lists the hashed string traits of DeviceTraits.
func stringFieldIndexes() []int {
	typ := reflect.TypeOf(domain.DeviceTraits{})
	var idx []int
	for i := 0; i < typ.NumField(); i++ {
		if typ.Field(i).Type.Kind() == reflect.String {
			idx = append(idx, i)
		}
	}
	return idx
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name       string
		ua         string
		wantType   string
		wantBot    bool
		wantHeadls bool
	}{
		{"DesktopChrome", chromeWindows, domain.DeviceDesktop, false, false},
		{"IPhone", safariIPhone, domain.DeviceMobile, false, false},
		{"IPad", safariIPad, domain.DeviceTablet, false, false},
		{"Googlebot", googlebot, domain.DeviceDesktop, true, false},
		{"Headless", headless, domain.DeviceDesktop, false, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info := Describe(domain.DeviceTraits{UserAgent: tc.ua, ScreenResolution: "1920x1080"})
			if info.Type != tc.wantType {
				t.Errorf("expected type %s, got %s", tc.wantType, info.Type)
			}
			if info.IsBot != tc.wantBot || info.Risk.IsBot != tc.wantBot {
				t.Errorf("expected bot=%v, got %v", tc.wantBot, info.IsBot)
			}
			if info.Risk.IsHeadless != tc.wantHeadls {
				t.Errorf("expected headless=%v, got %v", tc.wantHeadls, info.Risk.IsHeadless)
			}
		})
	}

	t.Run("Label", func(t *testing.T) {
		info := Describe(desktopTraits())
		if !strings.HasPrefix(info.Name, "Chrome on ") {
			t.Errorf("expected 'Chrome on ...' label, got %s", info.Name)
		}
		if !strings.HasPrefix(info.OS, "Windows") {
			t.Errorf("expected Windows OS, got %s", info.OS)
		}
		if info.BrowserVersion == "" {
			t.Error("expected parsed browser version")
		}
	})

	t.Run("TouchAndScreenIndicators", func(t *testing.T) {
		traits := desktopTraits()
		traits.TouchSupport = true
		traits.ScreenResolution = "320x480"
		info := Describe(traits)
		if !info.Risk.HasTouch {
			t.Error("expected touch indicator")
		}
		if !info.Risk.ScreenAnomaly {
			t.Error("expected screen anomaly indicator")
		}
	})
}

func TestIsScreenAnomaly(t *testing.T) {
	tests := []struct {
		resolution string
		want       bool
	}{
		{"320x480", true},
		{"1920x1080", false},
		{"bogus", false},
		{"", false},
		{"800x600", false},
		{"799x600", true},
		{"7680x4320", false},
		{"7681x4320", true},
		{"3840x4321", true},
		{"1920X1080", false},
		{"axb", false},
	}

	for _, tc := range tests {
		t.Run(tc.resolution, func(t *testing.T) {
			if got := IsScreenAnomaly(tc.resolution); got != tc.want {
				t.Errorf("IsScreenAnomaly(%q): expected %v, got %v", tc.resolution, tc.want, got)
			}
		})
	}
}
