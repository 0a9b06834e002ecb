package main

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chainsync/internal/config"
	"github.com/sells-group/chainsync/internal/db"
	"github.com/sells-group/chainsync/internal/discovery"
	"github.com/sells-group/chainsync/internal/enrichment"
	"github.com/sells-group/chainsync/internal/model"
	"github.com/sells-group/chainsync/internal/monitoring"
	"github.com/sells-group/chainsync/internal/queue"
	"github.com/sells-group/chainsync/internal/ratelimit"
	"github.com/sells-group/chainsync/internal/resilience"
	"github.com/sells-group/chainsync/internal/rpcpool"
	"github.com/sells-group/chainsync/internal/store"
	"github.com/sells-group/chainsync/internal/writer"
	"github.com/sells-group/chainsync/pkg/solana"
)

// syncEnv holds every component built from config. It replaces process-wide
// singletons: commands receive one env and pass its parts down explicitly.
type syncEnv struct {
	Metrics *monitoring.Metrics
	Pool    *rpcpool.Pool
	Limiter *ratelimit.Limiter
	Gateway *rpcpool.Gateway
	Store   store.Store

	// Queue is the instrumented producer side. Consumer is nil when jobs
	// go to a broker, in which case Writer is nil too.
	Queue    queue.Queue
	Consumer queue.Consumer

	Table   *discovery.Table
	Scanner *discovery.Scanner
	Worker  *enrichment.Worker
	Writer  *writer.Writer

	closers []func()
}

// envOptions adjusts how initEnv builds the environment.
type envOptions struct {
	// InMemory forces the memory store and queue regardless of config.
	InMemory bool
}

// Close releases resources in reverse order of acquisition.
func (e *syncEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func (e *syncEnv) onClose(fn func()) {
	e.closers = append(e.closers, fn)
}

// initEnv validates c and wires the RPC stack, store, queue and pipeline
// components. Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config, opts envOptions) (*syncEnv, error) {
	if opts.InMemory {
		cp := *c
		cp.Store.Driver = "memory"
		cp.Queue.Driver = "memory"
		c = &cp
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	env := &syncEnv{Metrics: monitoring.NewMetrics()}

	if err := env.initRPC(c); err != nil {
		return nil, err
	}
	if err := env.initStorage(ctx, c); err != nil {
		env.Close()
		return nil, err
	}

	table, err := buildTable(c.Discovery)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Table = table

	commitment := solana.Commitment(c.RPC.Commitment)
	env.Scanner = discovery.NewScanner(env.Gateway, env.Queue, table, discovery.Config{
		BatchSize:   c.Discovery.BatchSize,
		BatchDelay:  config.Ms(c.Discovery.BatchDelayMs),
		MaxJitter:   config.Ms(c.Discovery.MaxJitterMs),
		MaxAttempts: c.Discovery.MaxAttempts,
		Commitment:  commitment,
	}, discovery.WithObserver(env.Metrics))

	env.Worker = enrichment.NewWorker(
		env.Store,
		enrichment.NewAccountFetcher(env.Gateway, commitment),
		env.Queue,
		enrichment.SentinelPredicate(c.Enrichment.SentinelFields...),
		enrichment.Config{
			Interval:       config.Secs(c.Enrichment.IntervalSecs),
			BatchSize:      c.Enrichment.BatchSize,
			PerRecordDelay: config.Ms(c.Enrichment.PerRecordDelayMs),
			RecordKind:     c.Enrichment.RecordKind,
			Priority:       c.Enrichment.Priority,
			MaxAttempts:    c.Enrichment.MaxAttempts,
		},
		enrichment.WithObserver(env.Metrics),
	)

	if env.Consumer != nil {
		env.Writer = writer.New(env.Consumer, env.Store, writer.Config{
			BatchSize:    c.Writer.BatchSize,
			PollInterval: config.Secs(c.Writer.PollIntervalSecs),
			SeedKind:     c.Enrichment.RecordKind,
		})
	}

	zap.L().Info("environment ready",
		zap.Int("endpoints", len(env.Pool.Endpoints())),
		zap.String("store", c.Store.Driver),
		zap.String("queue", c.Queue.Driver),
		zap.Int("account_types", table.Len()),
	)
	return env, nil
}

func (e *syncEnv) initRPC(c *config.Config) error {
	var clientOpts []solana.Option
	if c.RPC.RequestTimeoutSecs > 0 {
		clientOpts = append(clientOpts, solana.WithTimeout(config.Secs(c.RPC.RequestTimeoutSecs)))
	}

	endpoints := make([]*rpcpool.Endpoint, 0, len(c.RPC.Endpoints))
	for _, ep := range c.RPC.Endpoints {
		client := solana.NewHTTPClient(ep.URL, clientOpts...)
		endpoints = append(endpoints, rpcpool.NewEndpoint(ep.URL, ep.Priority, client))
	}

	pool, err := rpcpool.New(poolConfig(c), endpoints, rpcpool.WithObserver(e.Metrics))
	if err != nil {
		return err
	}
	e.Pool = pool
	e.Limiter = ratelimit.New(ratelimit.Config{
		Reservoir:      c.RateLimit.Reservoir,
		RefillInterval: config.Ms(c.RateLimit.RefillIntervalMs),
		MaxConcurrent:  c.RateLimit.MaxConcurrent,
	})
	e.Gateway = rpcpool.NewGateway(pool, e.Limiter)
	return nil
}

func poolConfig(c *config.Config) rpcpool.Config {
	b := c.RPC.Backoff
	return rpcpool.Config{
		MaxRetries: c.RPC.MaxRetries,
		StaleAfter: config.Secs(c.RPC.StaleAfterSecs),
		Backoff:    resilience.FromBackoffConfig(b.InitialMs, b.MaxMs, b.RateLimitedInitialMs, b.Multiplier, b.Jitter),
		Breaker:    resilience.FromBreakerConfig(c.Breaker.FailureThreshold, c.Breaker.ResetTimeoutMs, c.Breaker.SuccessThreshold),
	}
}

func (e *syncEnv) initStorage(ctx context.Context, c *config.Config) error {
	poolCfg := db.PoolConfig{MaxConns: c.Store.MaxConns, MinConns: c.Store.MinConns}

	// shared is opened lazily and reused by every Postgres-backed part.
	var shared db.Pool
	sharedPool := func() (db.Pool, error) {
		if shared != nil {
			return shared, nil
		}
		p, err := db.Connect(ctx, c.Store.DatabaseURL, poolCfg)
		if err != nil {
			return nil, err
		}
		e.onClose(p.Close)
		shared = p
		return shared, nil
	}

	switch c.Store.Driver {
	case "postgres":
		p, err := sharedPool()
		if err != nil {
			return err
		}
		st := store.NewPostgres(p)
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		e.Store = st
	default:
		e.Store = store.NewMemoryStore()
	}

	var q queue.Queue
	switch c.Queue.Driver {
	case "postgres":
		p, err := sharedPool()
		if err != nil {
			return err
		}
		pq := queue.NewPostgresQueue(p, queue.WithLease(config.Secs(c.Queue.LeaseSecs)))
		if err := pq.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate queue")
		}
		q, e.Consumer = pq, pq
	case "amqp":
		p, err := sharedPool()
		if err != nil {
			return err
		}
		ledger := queue.NewPostgresQueue(p)
		if err := ledger.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate publish ledger")
		}
		aq, err := e.dialBroker(c.Queue, ledger)
		if err != nil {
			return err
		}
		q = aq
	default:
		mq := queue.NewMemoryQueue(queue.WithLease(config.Secs(c.Queue.LeaseSecs)))
		q, e.Consumer = mq, mq
	}

	e.Queue = e.Metrics.InstrumentQueue(q)
	return nil
}

func (e *syncEnv) dialBroker(qc config.QueueConfig, ledger queue.Ledger) (*queue.AMQPQueue, error) {
	conn, ch, err := queue.Dial(qc.AMQPURL)
	if err != nil {
		return nil, err
	}
	e.onClose(func() {
		_ = ch.Close()
		_ = conn.Close()
	})
	if err := queue.Declare(ch, qc.Exchange, model.TopicDiscovery, model.TopicWrite); err != nil {
		return nil, err
	}
	go watchBroker(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return queue.NewAMQPQueue(ch, qc.Exchange, ledger), nil
}

// watchBroker logs an unexpected broker disconnect. Publishes after that
// fail with amqp.ErrClosed and are released from the ledger.
func watchBroker(closed <-chan *amqp.Error) {
	if err, ok := <-closed; ok && err != nil {
		zap.L().Error("amqp connection closed",
			zap.Int("code", err.Code),
			zap.String("reason", err.Reason),
			zap.Bool("recoverable", err.Recover),
		)
	}
}

// buildTable loads known account types from the inline list, or the
// accounts file when the list is empty. With neither, every account is
// classified unknown.
func buildTable(dc config.DiscoveryConfig) (*discovery.Table, error) {
	if len(dc.Accounts) == 0 && dc.AccountsFile != "" {
		return discovery.LoadTableFile(dc.AccountsFile)
	}
	specs := make([]discovery.AccountSpec, 0, len(dc.Accounts))
	for _, a := range dc.Accounts {
		specs = append(specs, discovery.AccountSpec{Name: a.Name, Discriminator: a.Discriminator})
	}
	return discovery.NewTable(specs...)
}
