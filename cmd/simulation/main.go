package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/auth"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/config"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/database"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/idempotency"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/server"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/pkg/response"
)

var skus = []string{"SKU-BOLT-M8", "SKU-PALLET-WRAP", "SKU-CEMENT-50KG", "SKU-GLOVES-L"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks latency and outcomes for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) add(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99 latencies
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95 = rs.durations[int(math.Ceil(float64(len(rs.durations))*0.95))-1]
	p99 = rs.durations[int(math.Ceil(float64(len(rs.durations))*0.99))-1]
	return
}

// duplicateOutcomes counts how the server answered a burst of identical
// submissions sharing one idempotency key
type duplicateOutcomes struct {
	mu          sync.Mutex
	executed    int
	replayed    int
	inProgress  int
	rateLimited int
	other       int
}

func (o *duplicateOutcomes) record(resp *apiResponse) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case resp.status == http.StatusTooManyRequests:
		o.rateLimited++
	case resp.status == http.StatusConflict && resp.code == response.ErrCodeRequestInProgress:
		o.inProgress++
	case resp.replayed:
		o.replayed++
	case resp.status < 300:
		o.executed++
	default:
		o.other++
	}
}

type apiResponse struct {
	status   int
	body     []byte
	code     string
	replayed bool
}

// simulationClient drives the marketplace API as one buyer and one seller
type simulationClient struct {
	baseURL     string
	buyerToken  string
	sellerToken string
	client      *http.Client
	stats       map[string]*routeStats
}

func newSimulationClient(ctx context.Context, baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":       {name: "Authentication"},
			"create":     {name: "Create Order"},
			"transition": {name: "Transition"},
			"payment":    {name: "Payment"},
			"purchase":   {name: "Purchase Detail"},
			"summary":    {name: "Purchase Summary"},
		},
	}

	var err error
	if sc.buyerToken, err = sc.authenticate(ctx, auth.DemoBuyerKey, auth.DemoBuyerSecret); err != nil {
		return nil, fmt.Errorf("failed to authenticate buyer: %w", err)
	}
	if sc.sellerToken, err = sc.authenticate(ctx, auth.DemoSellerKey, auth.DemoSellerSecret); err != nil {
		return nil, fmt.Errorf("failed to authenticate seller: %w", err)
	}
	return sc, nil
}

func (sc *simulationClient) do(ctx context.Context, stat, method, path, token, key string, body []byte) (*apiResponse, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, sc.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if key != "" {
		req.Header.Set(idempotency.HeaderKey, key)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[stat].add(time.Since(start), true)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		sc.stats[stat].add(time.Since(start), true)
		return nil, err
	}
	sc.stats[stat].add(time.Since(start), resp.StatusCode >= 400)

	return &apiResponse{
		status:   resp.StatusCode,
		body:     data,
		code:     gjson.GetBytes(data, "error.code").String(),
		replayed: resp.Header.Get(idempotency.HeaderReplayed) == "true",
	}, nil
}

// authenticate retries on 429 since the token route allows one request per
// six seconds per client IP
func (sc *simulationClient) authenticate(ctx context.Context, key, secret string) (string, error) {
	body, _ := sjson.SetBytes(nil, "api_key", key)
	body, _ = sjson.SetBytes(body, "api_secret", secret)

	for attempt := 0; attempt < 3; attempt++ {
		resp, err := sc.do(ctx, "auth", http.MethodPost, "/api/v1/auth/token", "", "", body)
		if err != nil {
			return "", err
		}
		if resp.status == http.StatusTooManyRequests {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(6 * time.Second):
			}
			continue
		}
		if resp.status != http.StatusCreated {
			return "", fmt.Errorf("unexpected status %d: %s", resp.status, resp.body)
		}
		return gjson.GetBytes(resp.body, "data.jwt_token").String(), nil
	}
	return "", fmt.Errorf("token route still rate limited")
}

func (sc *simulationClient) createOrder(ctx context.Context) (string, error) {
	body, _ := sjson.SetBytes(nil, "seller_id", auth.DemoSellerKey)
	body, _ = sjson.SetBytes(body, "item_sku", skus[rand.Intn(len(skus))])
	body, _ = sjson.SetBytes(body, "quantity", 1+rand.Intn(20))
	body, _ = sjson.SetBytes(body, "unit_price", fmt.Sprintf("%.2f", 20+rand.Float64()*10))

	resp, err := sc.do(ctx, "create", http.MethodPost, "/api/v1/orders", sc.buyerToken, uuid.NewString(), body)
	if err != nil {
		return "", err
	}
	if resp.status != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %d: %s", resp.status, resp.body)
	}
	return gjson.GetBytes(resp.body, "data.order_id").String(), nil
}

func (sc *simulationClient) transition(ctx context.Context, orderID, status string) error {
	body, _ := sjson.SetBytes(nil, "status", status)
	resp, err := sc.do(ctx, "transition", http.MethodPost, "/api/v1/orders/"+orderID+"/transitions", sc.sellerToken, uuid.NewString(), body)
	if err != nil {
		return err
	}
	if resp.status != http.StatusCreated {
		return fmt.Errorf("unexpected status %d: %s", resp.status, resp.body)
	}
	return nil
}

// payDuplicated fires the same payment concurrently under one key
func (sc *simulationClient) payDuplicated(ctx context.Context, orderID string, copies int, outcomes *duplicateOutcomes) error {
	key := uuid.NewString()
	body, _ := sjson.SetBytes(nil, "amount", "1.00")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < copies; i++ {
		g.Go(func() error {
			resp, err := sc.do(gctx, "payment", http.MethodPost, "/api/v1/orders/"+orderID+"/payments", sc.buyerToken, key, body)
			if err != nil {
				return err
			}
			outcomes.record(resp)
			return nil
		})
	}
	return g.Wait()
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	names := make([]string, 0, len(sc.stats))
	for name := range sc.stats {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		stats := sc.stats[name]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// startServer runs the API in process over a scratch database and returns
// its base URL
func startServer(ctx context.Context) (string, error) {
	dir, err := os.MkdirTemp("", "nabd-simulation")
	if err != nil {
		return "", err
	}

	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	cfg.Env = "development"
	cfg.DatabasePath = filepath.Join(dir, "simulation.db")

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		return "", err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}

	srv := &http.Server{Handler: server.NewRouter(cfg, server.NewServices(cfg, db))}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("simulation server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
		os.RemoveAll(dir)
	}()

	return "http://" + listener.Addr().String(), nil
}

func run(ctx context.Context, baseURL string, orders, copies int) error {
	if baseURL == "" {
		var err error
		if baseURL, err = startServer(ctx); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		log.Info().Str("url", baseURL).Msg("started in-process server")
	}

	sc, err := newSimulationClient(ctx, baseURL)
	if err != nil {
		return err
	}

	outcomes := &duplicateOutcomes{}
	for i := 0; i < orders; i++ {
		orderID, err := sc.createOrder(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create order")
			continue
		}
		if err := sc.transition(ctx, orderID, "confirmed"); err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to confirm order")
			continue
		}
		if err := sc.payDuplicated(ctx, orderID, copies, outcomes); err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to submit payments")
			continue
		}

		resp, err := sc.do(ctx, "purchase", http.MethodGet, "/api/v1/purchases/"+orderID, sc.buyerToken, "", nil)
		if err == nil && resp.status == http.StatusOK {
			log.Info().
				Str("order_id", orderID).
				Str("urgency", gjson.GetBytes(resp.body, "data.urgency").String()).
				Str("health", gjson.GetBytes(resp.body, "data.health_status").String()).
				Msg("Order paid")
		}
	}

	if resp, err := sc.do(ctx, "summary", http.MethodGet, "/api/v1/purchases/summary", sc.buyerToken, "", nil); err == nil {
		log.Info().
			Int64("total_orders", gjson.GetBytes(resp.body, "data.total_orders").Int()).
			Str("total_spend", gjson.GetBytes(resp.body, "data.total_spend").String()).
			Msg("Purchase summary")
	}

	sc.printPerformanceStats()

	fmt.Println("\nDuplicate Payment Outcomes")
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("%-20s %10d\n", "Executed", outcomes.executed)
	fmt.Printf("%-20s %10d\n", "Replayed", outcomes.replayed)
	fmt.Printf("%-20s %10d\n", "In progress", outcomes.inProgress)
	fmt.Printf("%-20s %10d\n", "Rate limited", outcomes.rateLimited)
	fmt.Printf("%-20s %10d\n", "Other", outcomes.other)

	if outcomes.executed > orders {
		return fmt.Errorf("%d payments executed for %d orders", outcomes.executed, orders)
	}
	return nil
}

func main() {
	var (
		baseURL string
		orders  int
		copies  int
	)

	cmd := &cobra.Command{
		Use:   "simulation",
		Short: "Submit duplicated payments and report how the idempotency guard answered",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			return run(ctx, baseURL, orders, copies)
		},
	}

	cmd.Flags().StringVar(&baseURL, "addr", "", "Base URL of a running server; empty starts one in process")
	cmd.Flags().IntVar(&orders, "orders", 8, "Orders to create")
	cmd.Flags().IntVar(&copies, "copies", 5, "Concurrent copies of each payment")

	if err := cmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("simulation failed")
	}
}
