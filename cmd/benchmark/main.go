package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/models"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/service"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	secret      string
	accounts    int
	hotEvents   int
)

// Metrics
var (
	totalRequests uint64
	processed     uint64 // 200, first delivery
	duplicates    uint64 // 200, redelivery answered from the event log
	ignored       uint64
	inProgress    uint64 // 500, another worker holds the claim
	rejected      uint64 // 401
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "unique", "Workload type: unique | duplicate")
	flag.StringVar(&secret, "secret", "", "Webhook signing secret (defaults to WEBHOOK_SECRET)")
	flag.IntVar(&accounts, "accounts", 1000, "Number of seeded accounts to target")
	flag.IntVar(&hotEvents, "hot-events", 10, "Distinct event ids redelivered by the duplicate workload")
}

func main() {
	_ = godotenv.Load()
	flag.Parse()
	if secret == "" {
		secret = os.Getenv("WEBHOOK_SECRET")
	}
	signer, err := service.NewSignatureVerifier(secret, 0, nil)
	if err != nil {
		log.Fatalf("Invalid webhook secret: %v", err)
	}
	if workload != "unique" && workload != "duplicate" {
		log.Fatalf("Unknown workload %q", workload)
	}

	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, signer)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, signer *service.SignatureVerifier) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		eventID, account := nextEvent()
		body, _ := json.Marshal(models.WebhookPayload{
			EventType: service.EventPaymentSucceeded,
			EventID:   eventID,
			Data: models.WebhookData{
				CustomerID: "cus_" + account,
				Metadata: map[string]string{
					models.MetaUserID: account,
					models.MetaPlanID: "starter",
				},
			},
		})
		ts, sig := signer.Sign(eventID, time.Now(), body)

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/webhooks/billing", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Webhook-Id", eventID)
		req.Header.Set("Webhook-Timestamp", ts)
		req.Header.Set("Webhook-Signature", sig)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusOK:
			var ack models.WebhookAck
			_ = json.NewDecoder(resp.Body).Decode(&ack)
			switch ack.Outcome {
			case string(service.DeliveryDuplicate):
				atomic.AddUint64(&duplicates, 1)
			case string(service.DeliveryIgnored):
				atomic.AddUint64(&ignored, 1)
			default:
				atomic.AddUint64(&processed, 1)
			}
		case http.StatusInternalServerError:
			var ack models.WebhookAck
			_ = json.NewDecoder(resp.Body).Decode(&ack)
			if strings.Contains(ack.Error, "being processed") {
				atomic.AddUint64(&inProgress, 1)
			} else {
				atomic.AddUint64(&failOther, 1)
			}
		case http.StatusUnauthorized:
			atomic.AddUint64(&rejected, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// nextEvent picks the delivery to send. The unique workload never repeats an
// event id; the duplicate workload hammers a small fixed set of ids so most
// deliveries race an earlier claim.
func nextEvent() (eventID, account string) {
	if workload == "duplicate" {
		n := rand.Intn(hotEvents) + 1
		return fmt.Sprintf("evt_bench_hot_%d", n), seedAccount(n)
	}
	return "evt_bench_" + uuid.NewString(), seedAccount(rand.Intn(accounts) + 1)
}

// seedAccount matches the ids written by the seeder.
func seedAccount(i int) string {
	return fmt.Sprintf("seed_%04d", i)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	p := atomic.LoadUint64(&processed)
	dup := atomic.LoadUint64(&duplicates)
	ign := atomic.LoadUint64(&ignored)
	busy := atomic.LoadUint64(&inProgress)
	f401 := atomic.LoadUint64(&rejected)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var conflictRate float64
	if total > 0 {
		conflictRate = float64(busy) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"processed":         p,
		"duplicates":        dup,
		"ignored":           ign,
		"in_progress":       busy,
		"conflict_rate_pct": conflictRate,
		"rejected":          f401,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
