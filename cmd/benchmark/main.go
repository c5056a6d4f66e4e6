package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/fxledger/internal/logger"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	chats       int
	replayRatio float64
	settleRatio float64
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail409       uint64 // Conflicts
	fail503       uint64 // Retryable storage failures
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&chats, "chats", 1000, "Number of seeded chats (bench-1..bench-N)")
	flag.Float64Var(&replayRatio, "replay", 0.1, "Fraction of requests that resend the previous Idempotency-Key")
	flag.Float64Var(&settleRatio, "settle", 0.2, "Fraction of requests that are two-leg exchanges")
}

func main() {
	flag.Parse()
	log := logger.New()
	log.Info().Str("workload", workload).Int("workers", concurrency).Dur("duration", duration).Msg("Starting Benchmark")

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		g.Go(func() error { return worker(ctx, rng) })
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker failed")
	}
	printResults(time.Since(start))
}

func worker(ctx context.Context, rng *rand.Rand) error {
	client := &http.Client{Timeout: 5 * time.Second}
	var last *request

	for ctx.Err() == nil {
		req := last
		if req == nil || rng.Float64() >= replayRatio {
			req = nextRequest(rng)
		}
		last = req

		body, err := json.Marshal(req.payload)
		if err != nil {
			return err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL+req.path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", req.key)

		resp, err := client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		case http.StatusServiceUnavailable:
			atomic.AddUint64(&fail503, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
	return nil
}

type request struct {
	path    string
	key     string
	payload interface{}
}

func nextRequest(rng *rand.Rand) *request {
	chat := pickChat(rng)
	key := uuid.NewString()
	if rng.Float64() < settleRatio {
		return &request{
			path: fmt.Sprintf("/api/v1/chats/%s/exchanges", chat),
			key:  key,
			payload: map[string]interface{}{
				"leg_a": map[string]string{"currency": "USD", "amount": "100", "direction": "deposit"},
				"leg_b": map[string]string{"currency": "RUB", "amount": "9150", "direction": "withdraw"},
			},
		}
	}
	path := "deposits"
	if rng.Intn(2) == 0 {
		path = "withdrawals"
	}
	return &request{
		path:    fmt.Sprintf("/api/v1/chats/%s/%s", chat, path),
		key:     key,
		payload: map[string]string{"currency": "USD", "amount": fmt.Sprintf("%d.%02d", rng.Intn(500)+1, rng.Intn(100))},
	}
}

func pickChat(rng *rand.Rand) string {
	if workload == "hotspot" && rng.Float32() < 0.90 {
		// Hotspot: 90% of traffic goes to two chats
		return fmt.Sprintf("bench-%d", rng.Intn(2)+1)
	}
	return fmt.Sprintf("bench-%d", rng.Intn(chats)+1)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	f503 := atomic.LoadUint64(&fail503)
	fErr := atomic.LoadUint64(&failOther)

	var retryRate float64
	if total > 0 {
		retryRate = float64(f503) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":           workload,
		"duration_sec":       d.Seconds(),
		"total_requests":     total,
		"throughput_tps":     float64(total) / d.Seconds(),
		"success_created":    s201,
		"success_replay":     s200,
		"conflicts":          f409,
		"retryable":          f503,
		"retryable_rate_pct": retryRate,
		"errors":             fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
