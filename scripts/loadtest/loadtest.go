// Command loadtest drives a clustermap cluster over its HTTP API. Requests
// are spread round-robin over every target node so replication and
// owner forwarding are exercised together.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Configuration options
var (
	targets        []string
	mapName        string
	numThreads     int
	duration       time.Duration
	readRatio      float64
	casRatio       float64
	keyCount       int
	valueSize      int
	reportInterval time.Duration
	outputFile     string
	requestsPerSec int
)

type opKind string

const (
	opGet         opKind = "get"
	opPut         opKind = "put"
	opPutIfAbsent opKind = "put_if_absent"
)

// Stats aggregates request outcomes and latencies
type Stats struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64

	mu          sync.Mutex
	latencies   []int64 // microseconds
	statusCodes map[int]int64
	perOp       map[opKind]int64
	start       time.Time
	end         time.Time
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make([]int64, 0, 1<<16),
		statusCodes: make(map[int]int64),
		perOp:       make(map[opKind]int64),
		start:       time.Now(),
	}
}

func (s *Stats) Record(op opKind, status int, latency time.Duration) {
	atomic.AddInt64(&s.TotalRequests, 1)
	// 404 on a read and 409 on a put-if-absent are answers, not failures
	if status >= 200 && status < 300 || status == http.StatusNotFound || status == http.StatusConflict {
		atomic.AddInt64(&s.SuccessRequests, 1)
	} else {
		atomic.AddInt64(&s.FailedRequests, 1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, latency.Microseconds())
	s.statusCodes[status]++
	s.perOp[op]++
}

func (s *Stats) percentile(p float64) float64 {
	if len(s.latencies) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(s.latencies)))) - 1
	if idx < 0 {
		idx = 0
	}
	return float64(s.latencies[idx]) / 1000.0
}

// Summary finalizes the run and returns the metrics in report order
func (s *Stats) Summary() [][2]string {
	s.end = time.Now()
	elapsed := s.end.Sub(s.start).Seconds()

	s.mu.Lock()
	defer s.mu.Unlock()
	sort.Slice(s.latencies, func(i, j int) bool { return s.latencies[i] < s.latencies[j] })

	total := atomic.LoadInt64(&s.TotalRequests)
	failed := atomic.LoadInt64(&s.FailedRequests)
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(failed) / float64(total) * 100
	}

	rows := [][2]string{
		{"duration_seconds", fmt.Sprintf("%.2f", elapsed)},
		{"total_requests", fmt.Sprint(total)},
		{"successful_requests", fmt.Sprint(atomic.LoadInt64(&s.SuccessRequests))},
		{"failed_requests", fmt.Sprint(failed)},
		{"requests_per_second", fmt.Sprintf("%.2f", float64(total)/elapsed)},
		{"error_rate", fmt.Sprintf("%.2f", errorRate)},
		{"p50_latency_ms", fmt.Sprintf("%.2f", s.percentile(0.50))},
		{"p90_latency_ms", fmt.Sprintf("%.2f", s.percentile(0.90))},
		{"p99_latency_ms", fmt.Sprintf("%.2f", s.percentile(0.99))},
	}
	for _, op := range []opKind{opGet, opPut, opPutIfAbsent} {
		rows = append(rows, [2]string{string(op) + "_requests", fmt.Sprint(s.perOp[op])})
	}
	codes := make([]int, 0, len(s.statusCodes))
	for code := range s.statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		rows = append(rows, [2]string{fmt.Sprintf("status_code_%d", code), fmt.Sprint(s.statusCodes[code])})
	}
	return rows
}

func writeCSV(filename string, rows [][2]string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", filename, err)
	}
	var buf bytes.Buffer
	buf.WriteString("metric,value\n")
	for _, r := range rows {
		fmt.Fprintf(&buf, "%s,%s\n", r[0], r[1])
	}
	return os.WriteFile(filename, buf.Bytes(), 0o644)
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func entryURL(target, key string) string {
	return fmt.Sprintf("%s/maps/%s/entries/%s", target, url.PathEscape(mapName), url.PathEscape(key))
}

func valueBody(size int) io.Reader {
	v := uuid.NewString()
	for len(v) < size {
		v += v
	}
	b, _ := json.Marshal(map[string]string{"value": v[:size]})
	return bytes.NewReader(b)
}

func pickOp(r *rand.Rand) opKind {
	x := r.Float64()
	switch {
	case x < readRatio:
		return opGet
	case x < readRatio+casRatio:
		return opPutIfAbsent
	default:
		return opPut
	}
}

func worker(ctx context.Context, id int, stats *Stats, throttle <-chan struct{}) {
	r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	for i := id; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-throttle:
		}

		target := targets[i%len(targets)]
		key := fmt.Sprintf("loadtest-%d", r.Intn(keyCount))
		op := pickOp(r)

		var req *http.Request
		var err error
		switch op {
		case opGet:
			req, err = http.NewRequestWithContext(ctx, http.MethodGet, entryURL(target, key), nil)
		case opPut:
			req, err = http.NewRequestWithContext(ctx, http.MethodPut, entryURL(target, key), valueBody(valueSize))
		case opPutIfAbsent:
			req, err = http.NewRequestWithContext(ctx, http.MethodPost, entryURL(target, key)+"/put-if-absent", valueBody(valueSize))
		}
		if err != nil {
			log.Printf("Error creating request: %v", err)
			continue
		}

		start := time.Now()
		resp, err := httpClient.Do(req)
		latency := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			stats.Record(op, 0, latency)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		stats.Record(op, resp.StatusCode, latency)
	}
}

func reportProgress(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	prev := int64(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := atomic.LoadInt64(&stats.TotalRequests)
			fmt.Printf("[%s] Requests: %d (%.2f/sec), Failed: %d\n",
				time.Now().Format("15:04:05"),
				cur,
				float64(cur-prev)/reportInterval.Seconds(),
				atomic.LoadInt64(&stats.FailedRequests))
			prev = cur
		}
	}
}

// feed fills throttle at the requested rate, or as fast as workers drain it
func feed(ctx context.Context, throttle chan<- struct{}) {
	if requestsPerSec <= 0 {
		for {
			select {
			case <-ctx.Done():
				return
			case throttle <- struct{}{}:
			}
		}
	}

	ticker := time.NewTicker(time.Second / time.Duration(requestsPerSec))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case throttle <- struct{}{}:
			default:
			}
		}
	}
}

func main() {
	urls := flag.String("urls", "http://localhost:5701", "Comma-separated base URLs of the cluster nodes")
	flag.StringVar(&mapName, "map", "loadtest", "Map to write to")
	flag.IntVar(&numThreads, "threads", 8, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.Float64Var(&readRatio, "read-ratio", 0.7, "Fraction of reads")
	flag.Float64Var(&casRatio, "put-if-absent-ratio", 0.1, "Fraction of put-if-absent requests")
	flag.IntVar(&keyCount, "keys", 10000, "Number of unique keys to use")
	flag.IntVar(&valueSize, "value-size", 100, "Size of each value in bytes")
	flag.DurationVar(&reportInterval, "report-interval", time.Second, "Progress report interval")
	flag.StringVar(&outputFile, "output", "loadtest-results.csv", "Output file for results")
	flag.IntVar(&requestsPerSec, "rps", 0, "Target requests per second (0 = unlimited)")
	flag.Parse()

	for _, u := range strings.Split(*urls, ",") {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			targets = append(targets, u)
		}
	}
	if len(targets) == 0 || readRatio+casRatio > 1 || keyCount <= 0 {
		log.Fatal("need at least one target, read-ratio + put-if-absent-ratio <= 1 and keys > 0")
	}

	fmt.Printf("=== Load Test: %d workers against %s for %s ===\n", numThreads, strings.Join(targets, ", "), duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	stats := NewStats()
	throttle := make(chan struct{}, numThreads)
	go feed(ctx, throttle)
	go reportProgress(ctx, stats)

	var wg sync.WaitGroup
	for i := 0; i < numThreads; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			worker(ctx, id, stats, throttle)
		}(i)
	}
	wg.Wait()

	rows := stats.Summary()
	fmt.Println("\n=== Load Test Results ===")
	for _, r := range rows {
		fmt.Printf("%-22s %s\n", r[0], r[1])
	}
	if err := writeCSV(outputFile, rows); err != nil {
		log.Printf("Error writing results to file: %v", err)
	} else {
		fmt.Printf("\nResults written to %s\n", outputFile)
	}
}
