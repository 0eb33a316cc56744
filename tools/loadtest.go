package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

var (
	requestCount  int64
	successCount  int64
	failCount     int64
	anomalyCount  int64
	totalLatency  int64 // nanoseconds
	minLatency    int64 = 1 << 62
	maxLatency    int64
	latencies     []int64
	latenciesLock sync.Mutex
)

var (
	satelliteIDs = []string{"SAT001", "SAT002", "SAT003"}
	commandCodes = []string{"CMD_001", "CMD_002", "CMD_003", "CMD_004", "CMD_005"}
)

type loadOptions struct {
	baseURL     string
	threads     int
	connections int
	duration    time.Duration
	batchSize   int
	anomalyRate float64
	trainSize   int
	seed        int64
}

func main() {
	opts := loadOptions{}

	cmd := &cobra.Command{
		Use:   "loadtest <base-url>",
		Short: "Send synthetic satellite telemetry batches to the threat engine",
		Example: "  go run tools/loadtest.go http://localhost:8080 --threads 4 --connections 100 --duration 30s\n" +
			"  go run tools/loadtest.go http://localhost:8080 --train 2000",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.baseURL = strings.TrimRight(args[0], "/")
			if err := opts.validate(); err != nil {
				return err
			}
			return run(opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.threads, "threads", 4, "number of worker threads")
	f.IntVar(&opts.connections, "connections", 100, "concurrent connections across all threads")
	f.DurationVar(&opts.duration, "duration", 30*time.Second, "test duration")
	f.IntVar(&opts.batchSize, "batch-size", 50, "readings per /batch request")
	f.Float64Var(&opts.anomalyRate, "anomaly-rate", 0.05, "fraction of injected anomalous readings")
	f.IntVar(&opts.trainSize, "train", 0, "post a training corpus of this many readings to /train first")
	f.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "random seed for generated telemetry")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (o loadOptions) validate() error {
	switch {
	case o.threads < 1:
		return fmt.Errorf("--threads must be at least 1, got %d", o.threads)
	case o.connections < 1:
		return fmt.Errorf("--connections must be at least 1, got %d", o.connections)
	case o.batchSize < 1:
		return fmt.Errorf("--batch-size must be at least 1, got %d", o.batchSize)
	case o.duration <= 0:
		return fmt.Errorf("--duration must be positive, got %v", o.duration)
	case o.anomalyRate < 0 || o.anomalyRate > 1:
		return fmt.Errorf("--anomaly-rate must be within [0, 1], got %.2f", o.anomalyRate)
	case o.trainSize < 0:
		return fmt.Errorf("--train must not be negative, got %d", o.trainSize)
	}
	return nil
}

func run(opts loadOptions) error {
	if opts.trainSize > 0 {
		gen := newGenerator(opts.seed, opts.anomalyRate)
		if err := train(opts.baseURL, gen.batch(opts.trainSize)); err != nil {
			return err
		}
	}

	fmt.Printf("Load Test Configuration:\n")
	fmt.Printf("  URL:          %s/batch\n", opts.baseURL)
	fmt.Printf("  Threads:      %d\n", opts.threads)
	fmt.Printf("  Connections:  %d\n", opts.connections)
	fmt.Printf("  Batch size:   %d\n", opts.batchSize)
	fmt.Printf("  Anomaly rate: %.2f\n", opts.anomalyRate)
	fmt.Printf("  Duration:     %v\n\n", opts.duration)

	latencies = make([]int64, 0, 10000)
	startTime := time.Now()
	endTime := startTime.Add(opts.duration)

	workersPerThread := opts.connections / opts.threads
	if workersPerThread == 0 {
		workersPerThread = 1
	}

	var wg sync.WaitGroup
	for t := 0; t < opts.threads; t++ {
		for c := 0; c < workersPerThread; c++ {
			wg.Add(1)
			gen := newGenerator(opts.seed+int64(t*workersPerThread+c), opts.anomalyRate)
			go func() {
				defer wg.Done()
				worker(opts.baseURL+"/batch", gen, opts.batchSize, endTime)
			}()
		}
	}

	wg.Wait()
	printResults(time.Since(startTime))
	return nil
}

type reading struct {
	Timestamp      time.Time `json:"timestamp"`
	DeviceID       string    `json:"device_id"`
	Temperature    float64   `json:"temperature"`
	Voltage        float64   `json:"voltage"`
	CommandCode    string    `json:"command_code"`
	SignalStrength float64   `json:"signal_strength"`
}

// generator produces time-ordered telemetry with injected anomalies:
// overheating, voltage drop, a spoofed command and a signal drop at once.
type generator struct {
	rng         *rand.Rand
	anomalyRate float64
	now         time.Time
}

func newGenerator(seed int64, anomalyRate float64) *generator {
	return &generator{
		rng:         rand.New(rand.NewSource(seed)),
		anomalyRate: anomalyRate,
		now:         time.Now().UTC(),
	}
}

func (g *generator) uniform(lo, hi float64) float64 {
	return float64(int((lo+g.rng.Float64()*(hi-lo))*100)) / 100
}

func (g *generator) batch(n int) []reading {
	out := make([]reading, n)
	for i := range out {
		r := reading{
			Timestamp:      g.now,
			DeviceID:       satelliteIDs[g.rng.Intn(len(satelliteIDs))],
			Temperature:    g.uniform(20, 90),
			Voltage:        g.uniform(3, 15),
			CommandCode:    commandCodes[g.rng.Intn(len(commandCodes))],
			SignalStrength: g.uniform(50, 100),
		}
		if g.rng.Float64() < g.anomalyRate {
			r.Temperature = g.uniform(100, 150)
			r.Voltage = g.uniform(0.1, 2)
			r.CommandCode = "CMD_X99"
			r.SignalStrength = g.uniform(0, 10)
		}
		out[i] = r
		g.now = g.now.Add(5 * time.Second)
	}
	return out
}

func post(client *http.Client, url string, readings []reading) (*http.Response, error) {
	body, err := json.Marshal(map[string]interface{}{"readings": readings})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

func train(baseURL string, corpus []reading) error {
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := post(client, baseURL+"/train", corpus)
	if err != nil {
		return fmt.Errorf("train request: %w", err)
	}
	defer resp.Body.Close()

	var summary map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return fmt.Errorf("decode train response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("train failed with %d: %v", resp.StatusCode, summary["error"])
	}
	fmt.Printf("Model trained on %d readings (threshold %.4f)\n\n", len(corpus), summary["threshold"])
	return nil
}

func worker(url string, gen *generator, batchSize int, endTime time.Time) {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	for time.Now().Before(endTime) {
		sendBatch(client, url, gen.batch(batchSize))
	}
}

func sendBatch(client *http.Client, url string, batch []reading) {
	start := time.Now()
	resp, err := post(client, url, batch)
	latency := time.Since(start)

	atomic.AddInt64(&requestCount, 1)

	if err != nil || resp.StatusCode != http.StatusOK {
		atomic.AddInt64(&failCount, 1)
		if resp != nil {
			resp.Body.Close()
		}
		return
	}

	var result struct {
		Anomalies int `json:"anomalies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		atomic.AddInt64(&anomalyCount, int64(result.Anomalies))
	}
	resp.Body.Close()
	atomic.AddInt64(&successCount, 1)

	latencyNs := latency.Nanoseconds()
	atomic.AddInt64(&totalLatency, latencyNs)

	for {
		oldMin := atomic.LoadInt64(&minLatency)
		if latencyNs >= oldMin || atomic.CompareAndSwapInt64(&minLatency, oldMin, latencyNs) {
			break
		}
	}

	for {
		oldMax := atomic.LoadInt64(&maxLatency)
		if latencyNs <= oldMax || atomic.CompareAndSwapInt64(&maxLatency, oldMax, latencyNs) {
			break
		}
	}

	latenciesLock.Lock()
	latencies = append(latencies, latencyNs)
	latenciesLock.Unlock()
}

func percentile(sorted []int64, p int) time.Duration {
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		return 0
	}
	return time.Duration(sorted[idx])
}

func printResults(duration time.Duration) {
	total := atomic.LoadInt64(&requestCount)
	success := atomic.LoadInt64(&successCount)
	failed := atomic.LoadInt64(&failCount)
	anomalies := atomic.LoadInt64(&anomalyCount)
	totalLat := atomic.LoadInt64(&totalLatency)

	avgLatency := time.Duration(0)
	if success > 0 {
		avgLatency = time.Duration(totalLat / success)
	}

	latenciesLock.Lock()
	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	latenciesLock.Unlock()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	fmt.Println("\n==========================================")
	fmt.Println("Load Test Results")
	fmt.Println("==========================================")
	fmt.Printf("Duration:        %v\n", duration)
	fmt.Printf("Total Batches:   %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Failed:          %d\n", failed)
	if total > 0 {
		fmt.Printf("Success Rate:    %.2f%%\n", float64(success)/float64(total)*100)
	}
	fmt.Printf("Batches/sec:     %.2f\n", float64(total)/duration.Seconds())
	fmt.Printf("Anomalies:       %d\n", anomalies)
	fmt.Println("\nLatency Statistics:")
	if success > 0 {
		fmt.Printf("  Min:           %v\n", time.Duration(atomic.LoadInt64(&minLatency)))
		fmt.Printf("  Max:           %v\n", time.Duration(atomic.LoadInt64(&maxLatency)))
	}
	fmt.Printf("  Average:       %v\n", avgLatency)
	if len(sorted) > 0 {
		fmt.Printf("  p50:           %v\n", percentile(sorted, 50))
		fmt.Printf("  p95:           %v\n", percentile(sorted, 95))
		fmt.Printf("  p99:           %v\n", percentile(sorted, 99))
	}
	fmt.Println("==========================================")
}
