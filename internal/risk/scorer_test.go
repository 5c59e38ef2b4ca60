package risk

import (
	"fmt"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/opensource-finance/linklock/internal/domain"
)

var (
	lahore  = &domain.Location{Country: "Pakistan", City: "Lahore", Latitude: 31.5, Longitude: 74.3}
	karachi = &domain.Location{Country: "Pakistan", City: "Karachi", Latitude: 24.86, Longitude: 67.0}
	// roughly 2000 km from Lahore
	dubai = &domain.Location{Country: "United Arab Emirates", City: "Dubai", Latitude: 25.2, Longitude: 55.27}
)

func desktop() *domain.DeviceInfo {
	return &domain.DeviceInfo{Name: "Chrome on Windows", Type: domain.DeviceDesktop}
}

func TestScoreScenarios(t *testing.T) {
	scorer := NewScorer(domain.DefaultScoringConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("FirstEverLogin", func(t *testing.T) {
		a := scorer.Score(&Input{
			Kind:              domain.KindLogin,
			Now:               now,
			Location:          lahore,
			DeviceID:          "device-new",
			DeviceInfo:        desktop(),
			KnownDevices:      []string{},
			RecentAttempts:    1,
			AttemptsEvaluated: true,
		})
		if a.RiskScore != 30 {
			t.Errorf("expected 30, got %d", a.RiskScore)
		}
		if a.IsAnomaly {
			t.Error("expected first login not to be anomalous")
		}
		if a.Reasons[SignalNewDevice] != true {
			t.Errorf("expected new_device reason, got %v", a.Reasons)
		}
		if !slices.Contains(a.Skipped, SignalImpossibleTravel) {
			t.Errorf("expected impossible_travel skipped, got %v", a.Skipped)
		}
	})

	t.Run("ImpossibleTravelOnNewDevice", func(t *testing.T) {
		prev := &domain.Event{OccurredAt: now.Add(-5 * time.Minute), Location: lahore}
		a := scorer.Score(&Input{
			Kind:              domain.KindLogin,
			Now:               now,
			Location:          dubai,
			DeviceID:          "device-new",
			DeviceInfo:        desktop(),
			KnownDevices:      []string{"device-home"},
			Previous:          prev,
			RecentAttempts:    1,
			AttemptsEvaluated: true,
		})
		if a.RiskScore != 70 {
			t.Errorf("expected 70, got %d (%v)", a.RiskScore, a.Reasons)
		}
		if !a.IsAnomaly {
			t.Error("expected anomaly")
		}
		detail, ok := a.Reasons[SignalImpossibleTravel].(map[string]any)
		if !ok {
			t.Fatalf("expected impossible_travel detail, got %v", a.Reasons)
		}
		if d := detail["distance_km"].(float64); d < 1900 || d > 2100 {
			t.Errorf("expected ~2000 km, got %.1f", d)
		}
		if _, ok := detail["speed_kmh"]; !ok {
			t.Error("expected speed in detail")
		}
	})

	t.Run("KnownDeviceHomeLogin", func(t *testing.T) {
		prev := &domain.Event{OccurredAt: now.Add(-24 * time.Hour), Location: lahore}
		a := scorer.Score(&Input{
			Kind:              domain.KindLogin,
			Now:               now,
			Location:          lahore,
			DeviceID:          "device-home",
			DeviceInfo:        desktop(),
			KnownDevices:      []string{"device-home"},
			Previous:          prev,
			RecentAttempts:    2,
			AttemptsEvaluated: true,
		})
		if a.RiskScore != 0 || a.IsAnomaly || len(a.Reasons) != 0 {
			t.Errorf("expected clean assessment, got %+v", a)
		}
		if len(a.Skipped) != 0 {
			t.Errorf("expected nothing skipped, got %v", a.Skipped)
		}
	})

	t.Run("PlausibleTravel", func(t *testing.T) {
		// Lahore to Karachi in two hours is ~514 km/h
		prev := &domain.Event{OccurredAt: now.Add(-2 * time.Hour), Location: lahore}
		a := scorer.Score(&Input{
			Kind:         domain.KindLogin,
			Now:          now,
			Location:     karachi,
			DeviceID:     "device-home",
			KnownDevices: []string{"device-home"},
			Previous:     prev,
		})
		if _, fired := a.Reasons[SignalImpossibleTravel]; fired {
			t.Errorf("expected plausible travel, got %v", a.Reasons)
		}
	})

	t.Run("ZeroElapsedFarAway", func(t *testing.T) {
		prev := &domain.Event{OccurredAt: now, Location: lahore}
		a := scorer.Score(&Input{Kind: domain.KindLogin, Now: now, Location: dubai, Previous: prev})
		detail, ok := a.Reasons[SignalImpossibleTravel].(map[string]any)
		if !ok {
			t.Fatalf("expected impossible travel at zero elapsed time, got %v", a.Reasons)
		}
		if _, ok := detail["speed_kmh"]; ok {
			t.Error("expected infinite speed to be omitted")
		}
	})

	t.Run("NearbyJitterIgnored", func(t *testing.T) {
		near := &domain.Location{Country: "Pakistan", City: "Lahore", Latitude: 31.6, Longitude: 74.4}
		prev := &domain.Event{OccurredAt: now.Add(-time.Second), Location: lahore}
		a := scorer.Score(&Input{Kind: domain.KindLogin, Now: now, Location: near, Previous: prev})
		if _, fired := a.Reasons[SignalImpossibleTravel]; fired {
			t.Errorf("expected jitter below minimum distance to be ignored, got %v", a.Reasons)
		}
	})

	t.Run("RapidSuccession", func(t *testing.T) {
		for _, tc := range []struct {
			attempts int64
			fired    bool
		}{{5, false}, {6, true}} {
			a := scorer.Score(&Input{Kind: domain.KindLogin, Now: now, RecentAttempts: tc.attempts, AttemptsEvaluated: true})
			if _, fired := a.Reasons[SignalRapidSuccession]; fired != tc.fired {
				t.Errorf("attempts=%d: expected fired=%v, got %v", tc.attempts, tc.fired, a.Reasons)
			}
		}
	})

	t.Run("DeviceIndicators", func(t *testing.T) {
		info := desktop()
		info.Risk = domain.RiskIndicators{IsBot: true, IsHeadless: true, ScreenAnomaly: true}
		a := scorer.Score(&Input{Kind: domain.KindLogin, Now: now, DeviceInfo: info})
		if a.RiskScore != 60 {
			t.Errorf("expected 25+25+10=60, got %d", a.RiskScore)
		}
		for _, s := range []string{SignalBot, SignalHeadless, SignalScreenAnomaly} {
			if a.Reasons[s] != true {
				t.Errorf("expected %s reason, got %v", s, a.Reasons)
			}
		}
	})

	t.Run("ClampedTo100", func(t *testing.T) {
		info := desktop()
		info.Risk = domain.RiskIndicators{IsBot: true, IsHeadless: true, ScreenAnomaly: true}
		prev := &domain.Event{OccurredAt: now.Add(-time.Minute), Location: lahore}
		a := scorer.Score(&Input{
			Kind:              domain.KindLogin,
			Now:               now,
			Location:          dubai,
			DeviceID:          "x",
			DeviceInfo:        info,
			KnownDevices:      []string{},
			Previous:          prev,
			RecentAttempts:    50,
			AttemptsEvaluated: true,
		})
		if a.RiskScore != 100 {
			t.Errorf("expected clamp to 100, got %d", a.RiskScore)
		}
		if len(a.Reasons) != 6 {
			t.Errorf("expected every fired signal recorded, got %v", a.Reasons)
		}
	})

	t.Run("AllInputsMissing", func(t *testing.T) {
		a := scorer.Score(&Input{Kind: domain.KindTransaction, Now: now, Amount: 10})
		if a.RiskScore != 0 {
			t.Errorf("expected 0, got %d", a.RiskScore)
		}
		want := []string{SignalNewDevice, SignalImpossibleTravel, SignalRapidSuccession,
			SignalBot, SignalHeadless, SignalScreenAnomaly, SignalUnusualAmount}
		if !slices.Equal(a.Skipped, want) {
			t.Errorf("expected skipped %v, got %v", want, a.Skipped)
		}
	})
}

func TestUnusualAmount(t *testing.T) {
	scorer := NewScorer(domain.DefaultScoringConfig())

	tests := []struct {
		name     string
		amount   float64
		baseline *domain.AmountBaseline
		fired    bool
		skipped  bool
	}{
		{"NoBaseline", 1000, nil, false, true},
		{"NoHistory", 1000, &domain.AmountBaseline{}, false, true},
		{"SmallSampleBelowMultiple", 250, &domain.AmountBaseline{Count: 2, Mean: 100}, false, false},
		{"SmallSampleAboveMultiple", 301, &domain.AmountBaseline{Count: 2, Mean: 100}, true, false},
		{"StdDevBelow", 159, &domain.AmountBaseline{Count: 10, Mean: 100, StdDev: 20}, false, false},
		{"StdDevAbove", 161, &domain.AmountBaseline{Count: 10, Mean: 100, StdDev: 20}, true, false},
		{"FlatHistoryFallsBackToMultiple", 150, &domain.AmountBaseline{Count: 10, Mean: 100}, false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := scorer.Score(&Input{Kind: domain.KindTransaction, Now: time.Now(), Amount: tc.amount, Baseline: tc.baseline})
			_, fired := a.Reasons[SignalUnusualAmount]
			if fired != tc.fired {
				t.Errorf("expected fired=%v, got %v", tc.fired, a.Reasons)
			}
			if slices.Contains(a.Skipped, SignalUnusualAmount) != tc.skipped {
				t.Errorf("expected skipped=%v, got %v", tc.skipped, a.Skipped)
			}
		})
	}

	t.Run("LoginsIgnoreAmount", func(t *testing.T) {
		a := scorer.Score(&Input{Kind: domain.KindLogin, Amount: 1e9, Baseline: &domain.AmountBaseline{Count: 10, Mean: 1}})
		if slices.Contains(a.Skipped, SignalUnusualAmount) {
			t.Error("expected unusual amount not to apply to logins")
		}
		if _, fired := a.Reasons[SignalUnusualAmount]; fired {
			t.Error("expected unusual amount not to fire for logins")
		}
	})
}

func TestCustomRules(t *testing.T) {
	scorer := NewScorer(domain.DefaultScoringConfig())

	a := scorer.Score(&Input{
		Kind: domain.KindLogin,
		Now:  time.Now(),
		Rules: []domain.RuleResult{
			{RuleID: "night", SubRuleRef: domain.RuleOutcomeFail, Score: 1, Weight: 15, Reason: "login at night"},
			{RuleID: "half", SubRuleRef: domain.RuleOutcomeReview, Score: 0.5, Weight: 30, Reason: "partial"},
			{RuleID: "quiet", SubRuleRef: domain.RuleOutcomePass, Score: 0, Weight: 50},
			{RuleID: "broken", SubRuleRef: domain.RuleOutcomeError, Score: 1, Weight: 50},
		},
	})

	if a.RiskScore != 30 {
		t.Errorf("expected 15+15=30, got %d", a.RiskScore)
	}
	if a.Reasons["rule:night"] != "login at night" {
		t.Errorf("expected rule reason, got %v", a.Reasons)
	}
	if _, ok := a.Reasons["rule:broken"]; ok {
		t.Error("expected errored rule to contribute nothing")
	}
}

func TestRuleScoreBounds(t *testing.T) {
	scorer := NewScorer(domain.DefaultScoringConfig())

	tests := []struct {
		name  string
		score float64
		want  int
	}{
		{"MaxFloat", math.MaxFloat64, 100},
		{"Infinite", math.Inf(1), 100},
		{"NaN", math.NaN(), 0},
		{"Small", 0.4, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := scorer.Score(&Input{
				Kind: domain.KindLogin,
				Now:  time.Now(),
				Rules: []domain.RuleResult{
					{RuleID: "raw", SubRuleRef: domain.RuleOutcomeFail, Score: tc.score, Weight: 1},
				},
			})
			if a.RuleScore != tc.want {
				t.Errorf("expected %d, got %d", tc.want, a.RuleScore)
			}
		})
	}

	t.Run("ManyRulesSaturate", func(t *testing.T) {
		var results []domain.RuleResult
		for i := range 50 {
			results = append(results, domain.RuleResult{
				RuleID:     fmt.Sprintf("r%d", i),
				SubRuleRef: domain.RuleOutcomeFail,
				Score:      math.MaxFloat64,
				Weight:     math.MaxFloat64,
			})
		}
		a := scorer.Score(&Input{Kind: domain.KindLogin, Now: time.Now(), Rules: results})
		if a.RiskScore != 100 || !a.IsAnomaly {
			t.Errorf("expected flagged risk 100, got %d", a.RiskScore)
		}
	})
}

func TestMerge(t *testing.T) {
	scorer := NewScorer(domain.DefaultScoringConfig())

	tests := []struct {
		name     string
		rule     int
		external int
		want     int
		anomaly  bool
	}{
		{"ExternalHigher", 30, 80, 80, true},
		{"RuleHigher", 70, 10, 70, true},
		{"BothLow", 20, 40, 40, false},
		{"ExternalClamped", 0, 250, 100, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := scorer.Merge(&Assessment{RuleScore: tc.rule, RiskScore: tc.rule}, tc.external)
			if a.RiskScore != tc.want {
				t.Errorf("expected %d, got %d", tc.want, a.RiskScore)
			}
			if a.IsAnomaly != tc.anomaly {
				t.Errorf("expected anomaly=%v, got %v", tc.anomaly, a.IsAnomaly)
			}
			if a.ExternalScore == nil {
				t.Error("expected external score recorded")
			}
			if a.RuleScore != tc.rule {
				t.Errorf("expected rule score kept at %d, got %d", tc.rule, a.RuleScore)
			}
		})
	}
}

func TestFacts(t *testing.T) {
	now := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	info := desktop()
	info.Risk.IsHeadless = true

	f := Facts(&Input{
		Kind:           domain.KindTransaction,
		Status:         domain.StatusSuccess,
		Now:            now,
		Location:       dubai,
		DeviceID:       "device-home",
		DeviceInfo:     info,
		KnownDevices:   []string{"device-home"},
		Previous:       &domain.Event{OccurredAt: now.Add(-time.Hour), Location: lahore},
		RecentAttempts: 3,
		Amount:         42,
		Category:       "travel",
	})

	if !f.KnownDevice || !f.IsHeadless || f.DeviceType != domain.DeviceDesktop {
		t.Errorf("unexpected device facts: %+v", f)
	}
	if f.Country != "United Arab Emirates" || f.PreviousCountry != "Pakistan" {
		t.Errorf("unexpected countries: %q %q", f.Country, f.PreviousCountry)
	}
	if f.Hour != 3 {
		t.Errorf("expected hour 3, got %d", f.Hour)
	}
	if f.DistanceKm < 1900 || math.Abs(f.SpeedKmh-f.DistanceKm) > 1e-6 {
		t.Errorf("expected speed equal to distance over one hour, got %.1f km and %.1f km/h", f.DistanceKm, f.SpeedKmh)
	}
}

func TestFactsWithoutDeviceHistory(t *testing.T) {
	f := Facts(&Input{Kind: domain.KindLogin, Now: time.Now(), DeviceID: "device-home"})
	if !f.KnownDevice {
		t.Error("expected unread history to count as a known device")
	}

	f = Facts(&Input{Kind: domain.KindLogin, Now: time.Now(), DeviceID: "device-new", KnownDevices: []string{}})
	if f.KnownDevice {
		t.Error("expected an empty history to make the device unknown")
	}
}

func TestScoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	scorer := NewScorer(domain.DefaultScoringConfig())

	properties.Property("score stays within [0,100] and flags at threshold", prop.ForAll(
		func(attempts int64, bot, headless, screen, newDevice bool, minutes int, amount float64) bool {
			now := time.Now()
			known := []string{"d"}
			if newDevice {
				known = []string{}
			}
			a := scorer.Score(&Input{
				Kind:              domain.KindTransaction,
				Now:               now,
				Location:          dubai,
				DeviceID:          "d",
				DeviceInfo:        &domain.DeviceInfo{Risk: domain.RiskIndicators{IsBot: bot, IsHeadless: headless, ScreenAnomaly: screen}},
				KnownDevices:      known,
				Previous:          &domain.Event{OccurredAt: now.Add(-time.Duration(minutes) * time.Minute), Location: lahore},
				RecentAttempts:    attempts,
				AttemptsEvaluated: true,
				Amount:            amount,
				Baseline:          &domain.AmountBaseline{Count: 3, Mean: 100},
			})
			if a.RiskScore < 0 || a.RiskScore > 100 {
				return false
			}
			return a.IsAnomaly == (a.RiskScore >= 50)
		},
		gen.Int64Range(0, 20),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
		gen.IntRange(0, 6000),
		gen.Float64Range(0, 10000),
	))

	properties.Property("adding a fired signal never lowers the score", prop.ForAll(
		func(attempts int64) bool {
			base := &Input{Kind: domain.KindLogin, RecentAttempts: attempts, AttemptsEvaluated: true, KnownDevices: []string{"d"}, DeviceID: "d"}
			withNew := *base
			withNew.KnownDevices = []string{}
			return scorer.Score(&withNew).RiskScore >= scorer.Score(base).RiskScore
		},
		gen.Int64Range(0, 20),
	))

	properties.TestingRun(t)
}
