// Package risk turns the signals gathered for a login or transaction into a
// bounded risk score.
//
// The scorer is a pure function of its input. Callers gather history
// (known devices, the previous event, the attempt window, the amount
// baseline) and leave a field unset when it could not be read; the
// corresponding signal is then reported as skipped and contributes zero.
package risk

import (
	"math"
	"slices"
	"time"

	"github.com/opensource-finance/linklock/internal/domain"
	"github.com/opensource-finance/linklock/internal/geo"
	"github.com/opensource-finance/linklock/internal/rules"
)

// Signal names used as reason keys.
const (
	SignalNewDevice        = "new_device"
	SignalImpossibleTravel = "impossible_travel"
	SignalRapidSuccession  = "rapid_succession"
	SignalBot              = "bot"
	SignalHeadless         = "headless"
	SignalScreenAnomaly    = "screen_anomaly"
	SignalUnusualAmount    = "unusual_amount"

	// RulePrefix prefixes the reason key of a fired custom rule.
	RulePrefix = "rule:"
)

// Input is everything the scorer looks at for one event.
type Input struct {
	Kind       domain.EventKind
	Status     domain.EventStatus
	Now        time.Time
	Location   *domain.Location
	DeviceID   string
	DeviceInfo *domain.DeviceInfo

	// KnownDevices is nil when the device history could not be read.
	KnownDevices []string

	// Previous is the actor's previous comparable event, if any.
	Previous *domain.Event

	RecentAttempts    int64
	AttemptsEvaluated bool

	// Transactions only. Baseline is nil when it could not be read.
	Amount   float64
	Category string
	Baseline *domain.AmountBaseline

	// Rules are custom rule results evaluated against Facts(input).
	Rules []domain.RuleResult
}

// Assessment is the scorer's verdict.
type Assessment struct {
	RiskScore     int            `json:"riskScore"`
	RuleScore     int            `json:"ruleScore"`
	ExternalScore *int           `json:"externalScore,omitempty"`
	IsAnomaly     bool           `json:"isAnomaly"`
	Reasons       map[string]any `json:"reasons"`
	Skipped       []string       `json:"skipped,omitempty"`
}

// Travel describes the move from the previous event's location.
type Travel struct {
	DistanceKm float64
	// SpeedKmh is +Inf when no time elapsed between the events.
	SpeedKmh       float64
	ElapsedSeconds float64
}

// Scorer computes risk assessments.
type Scorer struct {
	cfg domain.ScoringConfig
}

// NewScorer creates a scorer with the given weights and thresholds.
func NewScorer(cfg domain.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() domain.ScoringConfig {
	return s.cfg
}

// Score evaluates every signal and sums the weights of those that fired.
func (s *Scorer) Score(in *Input) *Assessment {
	a := &Assessment{Reasons: make(map[string]any)}
	total := 0

	fire := func(signal string, weight int, detail any) {
		total = clamp(total + clamp(weight))
		a.Reasons[signal] = detail
	}
	skip := func(signal string) {
		a.Skipped = append(a.Skipped, signal)
	}

	// new device
	if in.KnownDevices == nil {
		skip(SignalNewDevice)
	} else if !slices.Contains(in.KnownDevices, in.DeviceID) {
		fire(SignalNewDevice, s.cfg.NewDeviceWeight, true)
	}

	// impossible travel
	if t, ok := TravelFrom(in.Previous, in.Location, in.Now); !ok {
		skip(SignalImpossibleTravel)
	} else if t.DistanceKm >= s.cfg.MinTravelDistanceKm && t.SpeedKmh > s.cfg.MaxTravelSpeedKmh {
		detail := map[string]any{
			"distance_km":     round1(t.DistanceKm),
			"elapsed_seconds": round1(t.ElapsedSeconds),
		}
		if !math.IsInf(t.SpeedKmh, 1) {
			detail["speed_kmh"] = round1(t.SpeedKmh)
		}
		fire(SignalImpossibleTravel, s.cfg.ImpossibleTravelWeight, detail)
	}

	// rapid succession
	if !in.AttemptsEvaluated {
		skip(SignalRapidSuccession)
	} else if in.RecentAttempts > s.cfg.RapidAttemptThreshold {
		fire(SignalRapidSuccession, s.cfg.RapidSuccessionWeight, map[string]any{
			"attempts": in.RecentAttempts,
		})
	}

	// device indicators
	if in.DeviceInfo == nil {
		skip(SignalBot)
		skip(SignalHeadless)
		skip(SignalScreenAnomaly)
	} else {
		risk := in.DeviceInfo.Risk
		if risk.IsBot || in.DeviceInfo.IsBot {
			fire(SignalBot, s.cfg.BotWeight, true)
		}
		if risk.IsHeadless {
			fire(SignalHeadless, s.cfg.HeadlessWeight, true)
		}
		if risk.ScreenAnomaly {
			fire(SignalScreenAnomaly, s.cfg.ScreenAnomalyWeight, true)
		}
	}

	// unusual amount
	if in.Kind == domain.KindTransaction {
		if fired, detail, ok := s.unusualAmount(in.Amount, in.Baseline); !ok {
			skip(SignalUnusualAmount)
		} else if fired {
			fire(SignalUnusualAmount, s.cfg.UnusualAmountWeight, detail)
		}
	}

	for _, r := range in.Rules {
		if !r.Fired() {
			continue
		}
		fire(RulePrefix+r.RuleID, rulePoints(r.Score*r.Weight), r.Reason)
	}

	a.RuleScore = clamp(total)
	a.RiskScore = a.RuleScore
	a.IsAnomaly = a.RiskScore >= s.cfg.FlagThreshold
	return a
}

// unusualAmount reports whether amount is an outlier against the baseline.
// ok is false when there is no usable history.
func (s *Scorer) unusualAmount(amount float64, b *domain.AmountBaseline) (fired bool, detail map[string]any, ok bool) {
	if b == nil || b.Count == 0 {
		return false, nil, false
	}

	var limit float64
	if b.Count >= s.cfg.AmountMinSamples && b.StdDev > 0 {
		limit = b.Mean + s.cfg.AmountStdDevs*b.StdDev
	} else {
		limit = s.cfg.AmountMeanMultiple * b.Mean
	}

	if amount <= limit {
		return false, nil, true
	}
	return true, map[string]any{
		"amount":  amount,
		"mean":    round1(b.Mean),
		"std_dev": round1(b.StdDev),
		"limit":   round1(limit),
		"samples": b.Count,
	}, true
}

// Merge folds an external scorer's 0..100 output into an assessment.
// The final score is the larger of the rule-based and external scores.
func (s *Scorer) Merge(a *Assessment, external int) *Assessment {
	ext := clamp(external)
	a.ExternalScore = &ext
	a.RiskScore = max(a.RuleScore, ext)
	a.IsAnomaly = a.RiskScore >= s.cfg.FlagThreshold
	return a
}

// TravelFrom computes the move between the previous event and loc.
// ok is false when either location is unknown.
func TravelFrom(prev *domain.Event, loc *domain.Location, now time.Time) (Travel, bool) {
	if prev == nil || prev.Location == nil || loc == nil {
		return Travel{}, false
	}

	t := Travel{
		DistanceKm:     geo.DistanceKm(prev.Location, loc),
		ElapsedSeconds: now.Sub(prev.OccurredAt).Seconds(),
	}
	if t.ElapsedSeconds <= 0 {
		t.SpeedKmh = math.Inf(1)
		if t.DistanceKm == 0 {
			t.SpeedKmh = 0
		}
		return t, true
	}
	t.SpeedKmh = t.DistanceKm / (t.ElapsedSeconds / 3600)
	return t, true
}

// Facts builds the custom rule context for in.
func Facts(in *Input) *rules.Facts {
	f := &rules.Facts{
		Kind:           in.Kind,
		Status:         in.Status,
		Amount:         in.Amount,
		Category:       in.Category,
		KnownDevice:    in.KnownDevices == nil || slices.Contains(in.KnownDevices, in.DeviceID),
		RecentAttempts: in.RecentAttempts,
		Hour:           in.Now.UTC().Hour(),
	}
	if in.DeviceInfo != nil {
		f.DeviceType = in.DeviceInfo.Type
		f.IsBot = in.DeviceInfo.IsBot || in.DeviceInfo.Risk.IsBot
		f.IsHeadless = in.DeviceInfo.Risk.IsHeadless
		f.ScreenAnomaly = in.DeviceInfo.Risk.ScreenAnomaly
	}
	if in.Location != nil {
		f.Country = in.Location.Country
	}
	if in.Previous != nil && in.Previous.Location != nil {
		f.PreviousCountry = in.Previous.Location.Country
	}
	if t, ok := TravelFrom(in.Previous, in.Location, in.Now); ok {
		f.DistanceKm = t.DistanceKm
		f.SpeedKmh = math.Min(t.SpeedKmh, math.MaxFloat64)
	}
	return f
}

// rulePoints converts a weighted rule score to points in [0, 100]. The
// product is bounded before conversion because CEL output is unbounded.
func rulePoints(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Round(min(max(v, 0), 100)))
}

func clamp(score int) int {
	return min(max(score, 0), 100)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
