package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-availability/internal/api"
	"github.com/hackgods/clinic-availability/internal/auth"
	"github.com/hackgods/clinic-availability/internal/config"
	"github.com/hackgods/clinic-availability/internal/logger"
)

type SimConfig struct {
	APIBaseURL string
	Duration   time.Duration
	Workers    int
	Patients   int
	Specialty  string
	Date       string
	ReadRatio  float64
}

type patient struct {
	id    uuid.UUID
	token string
}

type DataPool struct {
	Patients []patient
	Slots    []uuid.UUID

	mu      sync.Mutex
	winners map[uuid.UUID][]uuid.UUID // slot -> bookings created for it
}

func (dp *DataPool) RecordWin(slotID, bookingID uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.winners[slotID] = append(dp.winners[slotID], bookingID)
}

// DoubleBooked returns the slots that were confirmed more than once.
func (dp *DataPool) DoubleBooked() map[uuid.UUID][]uuid.UUID {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	out := make(map[uuid.UUID][]uuid.UUID)
	for slot, bookings := range dp.winners {
		if len(bookings) > 1 {
			out[slot] = bookings
		}
	}
	return out
}

func (dp *DataPool) Claimed() int {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return len(dp.winners)
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Claim        OperationMetrics
	Search       OperationMetrics
	ListBookings OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(baseCfg, "simulate")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid simulator config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Str("specialty", cfg.Specialty).
		Str("date", cfg.Date).
		Float64("read_ratio", cfg.ReadRatio).
		Msg("simulator starting")

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sim.pool, err = sim.loadDataPool(ctx, auth.NewTokenManager(baseCfg.JWTSecret, baseCfg.JWTTTL))
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}
	log.Info().Int("patients", len(sim.pool.Patients)).Int("slots", len(sim.pool.Slots)).Msg("data pool loaded")

	sim.Run()
	if !sim.PrintReport() {
		os.Exit(1)
	}
}

func loadConfig() SimConfig {
	tomorrow := time.Now().UTC().Add(24 * time.Hour).Format("2006-01-02")
	return SimConfig{
		APIBaseURL: strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:   getDuration("SIM_DURATION", 30*time.Second),
		Workers:    getInt("SIM_WORKERS", 20),
		Patients:   getInt("SIM_PATIENTS", 200),
		Specialty:  getEnv("SIM_SPECIALTY", "Cardiology"),
		Date:       getEnv("SIM_DATE", tomorrow),
		ReadRatio:  getFloat("SIM_READ_RATIO", 0.3),
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Patients <= 0 {
		return fmt.Errorf("SIM_PATIENTS must be > 0")
	}
	if cfg.ReadRatio < 0 || cfg.ReadRatio >= 1 {
		return fmt.Errorf("SIM_READ_RATIO must be in [0, 1)")
	}
	return nil
}

// loadDataPool mints patient tokens and snapshots the slots the API
// currently reports as available for the configured specialty and day.
func (s *Simulator) loadDataPool(ctx context.Context, tokens *auth.TokenManager) (*DataPool, error) {
	dataPool := &DataPool{winners: make(map[uuid.UUID][]uuid.UUID)}

	for i := 0; i < s.config.Patients; i++ {
		id := uuid.New()
		token, err := tokens.Issue(auth.Identity{UserID: id, Role: auth.RolePatient})
		if err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, patient{id: id, token: token})
	}

	resp, err := s.client.Do(s.searchRequest(ctx))
	if err != nil {
		return nil, fmt.Errorf("search slots: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search slots: status %d", resp.StatusCode)
	}

	var found api.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&found); err != nil {
		return nil, fmt.Errorf("decode search: %w", err)
	}
	for _, slot := range found.Slots {
		dataPool.Slots = append(dataPool.Slots, slot.ID)
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no available %s slots on %s; run seed first", s.config.Specialty, s.config.Date)
	}
	return dataPool, nil
}

func (s *Simulator) searchRequest(ctx context.Context) *http.Request {
	q := url.Values{}
	q.Set("specialty", s.config.Specialty)
	q.Set("date", s.config.Date)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+"/slots?"+q.Encode(), nil)
	return req
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if rng.Float64() >= s.config.ReadRatio {
				s.doClaim(ctx, rng)
				continue
			}
			if rng.Intn(2) == 0 {
				s.doSearch(ctx)
			} else {
				s.doListBookings(ctx, rng)
			}
		}
	}
}

func (s *Simulator) doClaim(ctx context.Context, rng *rand.Rand) {
	slotID := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	p := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	body, _ := json.Marshal(api.CreateBookingRequest{SlotID: slotID.String()})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/bookings", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.Claim.Record(latency, false, false)
		}
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		var booking struct {
			ID uuid.UUID `json:"id"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&booking)
		s.pool.RecordWin(slotID, booking.ID)
		s.metrics.Claim.Record(latency, true, false)
	case http.StatusConflict:
		s.metrics.Claim.Record(latency, false, true)
	default:
		s.metrics.Claim.Record(latency, false, false)
	}
}

func (s *Simulator) doSearch(ctx context.Context) {
	start := time.Now()
	resp, err := s.client.Do(s.searchRequest(ctx))
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	} else if ctx.Err() != nil {
		return
	}
	s.metrics.Search.Record(latency, success, false)
}

func (s *Simulator) doListBookings(ctx context.Context, rng *rand.Rand) {
	p := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+"/bookings", nil)
	req.Header.Set("Authorization", "Bearer "+p.token)

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	} else if ctx.Err() != nil {
		return
	}
	s.metrics.ListBookings.Record(latency, success, false)
}

// PrintReport writes the run summary and reports whether every slot was
// confirmed at most once.
func (s *Simulator) PrintReport() bool {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Slots: %d (%d claimed)\n", len(s.pool.Slots), s.pool.Claimed())
	fmt.Println()

	printOperationReport("Claim", &s.metrics.Claim)
	printOperationReport("Search", &s.metrics.Search)
	printOperationReport("List bookings", &s.metrics.ListBookings)

	doubled := s.pool.DoubleBooked()
	if len(doubled) == 0 {
		fmt.Println("Double bookings: none")
		return true
	}
	fmt.Printf("Double bookings: %d slot(s)\n", len(doubled))
	for slot, bookings := range doubled {
		fmt.Printf("  slot %s -> %d bookings\n", slot, len(bookings))
	}
	return false
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
