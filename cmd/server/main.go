package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/offer-reservation/internal/adapter/event"
	"github.com/rl1809/offer-reservation/internal/adapter/handler"
	"github.com/rl1809/offer-reservation/internal/adapter/storage"
	"github.com/rl1809/offer-reservation/internal/clock"
	"github.com/rl1809/offer-reservation/internal/config"
	"github.com/rl1809/offer-reservation/internal/core/service"
	"github.com/rl1809/offer-reservation/internal/logger"
	"github.com/rl1809/offer-reservation/internal/metrics"
	"github.com/rl1809/offer-reservation/internal/port"
	"github.com/rl1809/offer-reservation/internal/tracing"
)

const (
	eventWorkers   = 4
	eventQueueSize = 2500 // per worker
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("offer-reservation", "info", false)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.New(cfg.Service, cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(cfg.Service, cfg.Tracing.JaegerEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracing")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stores, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open store")
	}

	sink, closeSink := newPublisher(cfg, log)
	publisher := event.NewAsyncPublisher(sink, log, eventWorkers, eventQueueSize)

	r := cfg.Reservation
	opts := []service.Option{
		service.WithClock(clock.NewSystem()),
		service.WithLogger(log),
		service.WithMetrics(metrics.New(reg)),
		service.WithEventPublisher(publisher),
		service.WithTracer(otel.Tracer(cfg.Service)),
		service.WithLockTTL(r.LockTTL),
		service.WithLockRetry(r.LockRetries, r.LockBackoffBase, r.LockBackoffMax),
		service.WithLockWaitTimeout(r.LockWaitTimeout),
		service.WithTxTimeout(r.TxTimeout),
		service.WithSchedule(cfg.Scheduler.Interval, cfg.Scheduler.BatchSize),
	}
	reservations := service.NewReservationService(stores.store, stores.store, stores.locks, opts...)
	offers := service.NewOfferService(stores.store, opts...)
	scheduler := service.NewExpirationScheduler(stores.store, opts...)

	grpcServer := grpc.NewServer()
	handler.RegisterReservationServer(grpcServer, handler.NewGRPCHandler(reservations))

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.NewHTTPHandler(offers, reservations, log).Routes(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		log.Info().Str("addr", cfg.GRPC.Addr).Msg("grpc_server_listening")
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http_server_listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting_down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http_shutdown_failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server_stopped_with_error")
	}

	// drain queued events before the sinks go away
	publisher.Close()
	closeSink()
	closeStores()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracing_shutdown_failed")
	}
	log.Info().Msg("stopped")
}

type stores struct {
	store port.Store
	locks port.LockManager
}

func openStores(ctx context.Context, cfg config.Config, log zerolog.Logger) (stores, func(), error) {
	if cfg.Store.Driver == config.DriverMemory {
		log.Warn().Msg("using in-memory store, data is lost on restart")
		return stores{store: storage.NewMemoryStore(), locks: storage.NewMemoryLocker(clock.NewSystem())}, func() {}, nil
	}

	db, err := sql.Open("mysql", cfg.Store.MySQLDSN)
	if err != nil {
		return stores{}, nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return stores{}, nil, err
	}
	log.Info().Msg("connected to mysql")

	if cfg.Store.Migrate {
		if err := storage.Migrate(db); err != nil {
			db.Close()
			return stores{}, nil, err
		}
		log.Info().Msg("migrations applied")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		return stores{}, nil, err
	}
	log.Info().Msg("connected to redis")

	closeFn := func() {
		rdb.Close()
		db.Close()
		log.Info().Msg("connections closed")
	}
	return stores{store: storage.NewMySQLAdapter(db), locks: storage.NewRedisLocker(rdb)}, closeFn, nil
}

func newPublisher(cfg config.Config, log zerolog.Logger) (port.EventPublisher, func()) {
	logPublisher := event.NewLogPublisher(log)
	if len(cfg.Kafka.Brokers) == 0 {
		return logPublisher, func() {}
	}

	kafkaPublisher := event.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing events to kafka")
	return event.Multi{logPublisher, kafkaPublisher}, func() {
		if err := kafkaPublisher.Close(); err != nil {
			log.Warn().Err(err).Msg("kafka_writer_close_failed")
		}
	}
}
