package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/offer-reservation/internal/adapter/storage"
	"github.com/rl1809/offer-reservation/internal/core/domain"
	"github.com/rl1809/offer-reservation/internal/core/service"
	"github.com/rl1809/offer-reservation/internal/port"
)

const (
	mysqlDSN  = "root:root@tcp(localhost:3306)/offers?parseTime=true&loc=UTC"
	redisAddr = "localhost:6379"
)

func main() {
	initialStock := flag.Int("stock", 20, "units on the offer")
	totalRequests := flag.Int("requests", 50, "concurrent single-unit reservations")
	driver := flag.String("driver", "memory", "store driver: memory or mysql")
	flag.Parse()

	ctx := context.Background()

	store, locks, cleanup := open(ctx, *driver)
	defer cleanup()

	offers := service.NewOfferService(store)
	engine := service.NewReservationService(store, store, locks,
		service.WithLockRetry(50, 5*time.Millisecond, 50*time.Millisecond),
		service.WithLockWaitTimeout(10*time.Second),
	)

	now := time.Now().UTC()
	offer, err := offers.CreateOffer(ctx, service.CreateOfferInput{
		BusinessID:      "stress-bakery",
		Title:           "Stress test bag",
		PricePerUnit:    decimal.RequireFromString("3.50"),
		Quantity:        *initialStock,
		PickupStartTime: now,
		PickupEndTime:   now.Add(time.Hour),
	})
	if err != nil {
		log.Fatalf("failed to create offer: %v", err)
	}

	var successCount atomic.Int32
	var mu sync.Mutex
	failures := make(map[string]int)

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func(customer int) {
			defer wg.Done()

			_, err := engine.CreateReservation(ctx, offer.ID, fmt.Sprintf("customer-%d", customer), 1)
			if err == nil {
				successCount.Add(1)
				return
			}
			mu.Lock()
			failures[domain.Code(err)]++
			mu.Unlock()
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	final, err := store.GetOffer(ctx, offer.ID)
	if err != nil {
		log.Fatalf("failed to reload offer: %v", err)
	}
	confirmed, err := store.ListReservationsByOffer(ctx, offer.ID)
	if err != nil {
		log.Fatalf("failed to list reservations: %v", err)
	}

	success := int(successCount.Load())
	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Driver:           %s\n", *driver)
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	codes := make([]string, 0, len(failures))
	for code := range failures {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Printf("Failed %-24s %d\n", code+":", failures[code])
	}
	fmt.Printf("Remaining:        %d\n", final.QuantityRemaining)
	fmt.Printf("Offer State:      %s\n", final.State)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	ok := true
	expected := min(*initialStock, *totalRequests)
	if success != expected {
		fmt.Printf("FAIL: expected %d reservations, got %d\n", expected, success)
		ok = false
	}
	if len(confirmed) != success || final.QuantityRemaining != *initialStock-success {
		fmt.Printf("FAIL: inventory drifted: %d rows, %d remaining\n", len(confirmed), final.QuantityRemaining)
		ok = false
	}
	if ok {
		fmt.Println("PASS: no oversell, inventory consistent")
		return
	}
	os.Exit(1)
}

func open(ctx context.Context, driver string) (port.Store, port.LockManager, func()) {
	if driver == "memory" {
		return storage.NewMemoryStore(), storage.NewMemoryLocker(nil), func() {}
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping mysql: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}

	return storage.NewMySQLAdapter(db), storage.NewRedisLocker(rdb), func() {
		rdb.Close()
		db.Close()
	}
}
