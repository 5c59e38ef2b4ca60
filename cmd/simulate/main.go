// Scenario driver for exercising LinkLock detection end to end.
//
// Usage:
//
//	go run ./cmd/simulate -write-geo geo.json
//	LINKLOCK_GEO_STATIC_FILE=geo.json go run ./cmd/linklock
//	go run ./cmd/simulate -url http://localhost:8080 -actors 200
//
// This tool:
//  1. Generates synthetic actors, each following one scenario
//     (home logins, new device, impossible travel, failed-login burst, bot)
//  2. Replays each actor's events against a running server
//  3. Compares the server's anomaly flag with the scenario's expected label
//  4. Reports precision, recall, F1-score and the confusion matrix
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// City is a synthetic location served by the static resolver.
type City struct {
	IP        string  `json:"-"`
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

var cities = []City{
	{IP: "203.0.113.10", Country: "PK", City: "Lahore", Latitude: 31.52, Longitude: 74.36},
	{IP: "198.51.100.20", Country: "AE", City: "Dubai", Latitude: 25.20, Longitude: 55.27},
	{IP: "192.0.2.30", Country: "GB", City: "London", Latitude: 51.51, Longitude: -0.13},
	{IP: "203.0.113.40", Country: "US", City: "New York", Latitude: 40.71, Longitude: -74.01},
	{IP: "198.51.100.50", Country: "SG", City: "Singapore", Latitude: 1.35, Longitude: 103.82},
}

// Device is the trait payload sent with each event.
type Device struct {
	UserAgent        string `json:"user_agent"`
	ScreenResolution string `json:"screen_resolution,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	Language         string `json:"language,omitempty"`
	Platform         string `json:"platform,omitempty"`
	TouchSupport     bool   `json:"touch_support,omitempty"`
}

var (
	laptop = Device{
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ScreenResolution: "1920x1080",
		Timezone:         "Asia/Karachi",
		Language:         "en-US",
		Platform:         "Win32",
	}
	phone = Device{
		UserAgent:        "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
		ScreenResolution: "1170x2532",
		Timezone:         "Asia/Dubai",
		Language:         "en-US",
		Platform:         "iPhone",
		TouchSupport:     true,
	}
	headless = Device{
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36",
		ScreenResolution: "0x0",
		Platform:         "Linux x86_64",
	}
)

// Step is one event in a scenario.
type Step struct {
	City    City
	Device  Device
	Outcome string

	// Anomalous is the expected label for this step.
	Anomalous bool
}

// Scenario is a named sequence of events for one actor.
type Scenario struct {
	Name  string
	Steps []Step
}

// LoginRequest mirrors the server's POST /logins body.
type LoginRequest struct {
	Email   string `json:"email"`
	Outcome string `json:"outcome"`
	Device  Device `json:"device"`
}

// EventResponse is the part of the server response the driver reads.
type EventResponse struct {
	Event struct {
		ID        string         `json:"id"`
		RiskScore int            `json:"riskScore"`
		IsAnomaly bool           `json:"isAnomaly"`
		Reasons   map[string]any `json:"reasons"`
	} `json:"event"`
}

// Metrics tracks simulation results
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalEvents int64
	TotalErrors int64

	ProcessingTimeMs int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "LinkLock base URL")
	actors := flag.Int("actors", 100, "Number of synthetic actors")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	writeGeo := flag.String("write-geo", "", "Write the static geolocation file for the synthetic cities and exit")
	verbose := flag.Bool("verbose", false, "Print each event result")
	flag.Parse()

	if *writeGeo != "" {
		if err := writeGeoFile(*writeGeo); err != nil {
			fmt.Printf("ERROR: failed to write geo file: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %d cities to %s\n", len(cities), *writeGeo)
		return
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|            LINKLOCK SIMULATION - Synthetic Actors             |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nLinkLock URL: %s\n", *baseURL)
	fmt.Printf("Actors:       %d\n", *actors)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: LinkLock not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure LinkLock is running with the synthetic geo file:")
		fmt.Println("  go run ./cmd/simulate -write-geo geo.json")
		fmt.Println("  LINKLOCK_GEO_STATIC_FILE=geo.json go run ./cmd/linklock")
		os.Exit(1)
	}
	fmt.Println("LinkLock is healthy")

	runID := uuid.NewString()[:8]
	startTime := time.Now()
	metrics := run(*baseURL, runID, *actors, *workers, *verbose)
	printResults(metrics, time.Since(startTime))
}

func writeGeoFile(path string) error {
	entries := make(map[string]City, len(cities))
	for _, c := range cities {
		entries[c.IP] = c
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// buildScenario picks the scenario for actor n. Labels follow the default
// scoring weights and flag threshold.
func buildScenario(n int) Scenario {
	home := cities[n%len(cities)]
	away := cities[(n+2)%len(cities)]

	switch n % 5 {
	case 0:
		return Scenario{Name: "home", Steps: []Step{
			{City: home, Device: laptop, Outcome: "success"},
			{City: home, Device: laptop, Outcome: "success"},
			{City: home, Device: laptop, Outcome: "success"},
		}}
	case 1:
		return Scenario{Name: "new-device", Steps: []Step{
			{City: home, Device: laptop, Outcome: "success"},
			{City: home, Device: phone, Outcome: "success"},
		}}
	case 2:
		return Scenario{Name: "impossible-travel", Steps: []Step{
			{City: home, Device: laptop, Outcome: "success"},
			{City: away, Device: phone, Outcome: "success", Anomalous: true},
		}}
	case 3:
		steps := []Step{{City: home, Device: laptop, Outcome: "success"}}
		for i := range 6 {
			steps = append(steps, Step{City: home, Device: laptop, Outcome: "failed", Anomalous: i == 5})
		}
		return Scenario{Name: "burst", Steps: steps}
	default:
		return Scenario{Name: "bot", Steps: []Step{
			{City: home, Device: headless, Outcome: "success", Anomalous: true},
		}}
	}
}

func run(baseURL, runID string, actors, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan int, 100)
	var wg sync.WaitGroup

	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for n := range work {
				actorID := fmt.Sprintf("sim-%s-%05d", runID, n)
				sc := buildScenario(n)

				// Steps for one actor run in order; travel and bursts depend on it.
				for i, step := range sc.Steps {
					start := time.Now()
					result, err := sendLogin(client, baseURL, actorID, step)
					atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
					atomic.AddInt64(&metrics.TotalEvents, 1)

					if err != nil {
						atomic.AddInt64(&metrics.TotalErrors, 1)
						if verbose {
							fmt.Printf("ERROR: %s step %d -> %v\n", actorID, i, err)
						}
						continue
					}

					predicted := result.Event.IsAnomaly
					actual := step.Anomalous
					switch {
					case predicted && actual:
						atomic.AddInt64(&metrics.TruePositives, 1)
					case predicted && !actual:
						atomic.AddInt64(&metrics.FalsePositives, 1)
					case !predicted && !actual:
						atomic.AddInt64(&metrics.TrueNegatives, 1)
					default:
						atomic.AddInt64(&metrics.FalseNegatives, 1)
					}

					if verbose {
						mark := "ok"
						if predicted != actual {
							mark = "MISS"
						}
						fmt.Printf("%-4s %s | %-17s | step %d | %-10s | score %3d | %v\n",
							mark, actorID, sc.Name, i, step.City.City, result.Event.RiskScore, keys(result.Event.Reasons))
					}
				}
			}
		}()
	}

	for n := range actors {
		work <- n
	}
	close(work)

	wg.Wait()
	return metrics
}

func sendLogin(client *http.Client, baseURL, actorID string, step Step) (*EventResponse, error) {
	body, err := json.Marshal(LoginRequest{
		Email:   actorID + "@example.com",
		Outcome: step.Outcome,
		Device:  step.Device,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/logins", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", actorID)
	req.Header.Set("X-Forwarded-For", step.City.IP)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EventResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                      SIMULATION RESULTS                       |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nEVENTS\n")
	fmt.Printf("   Total Sent:  %d\n", m.TotalEvents)
	fmt.Printf("   Errors:      %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Printf("                     Predicted\n")
	fmt.Printf("                  Flagged   Clean\n")
	fmt.Printf("   Actual Anomaly  %6d  %6d\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("   Actual Normal   %6d  %6d\n", m.FalsePositives, m.TrueNegatives)

	precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:   %.2f%%\n", 100*precision)
	fmt.Printf("   Recall:      %.2f%%\n", 100*recall)
	fmt.Printf("   F1-Score:    %.4f\n", f1)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Duration:    %v\n", duration.Round(time.Millisecond))
	if m.TotalEvents > 0 {
		fmt.Printf("   Avg Latency: %.2fms\n", float64(m.ProcessingTimeMs)/float64(m.TotalEvents))
		fmt.Printf("   Throughput:  %.1f events/s\n", float64(m.TotalEvents)/duration.Seconds())
	}
	fmt.Println()
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
