// Package replicator wires the replication engine of one node: routing
// workers, batch delivery and acknowledgment handling on the source database,
// and the apply engine on the target database.
package replicator

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/katasec/dstream-replicator/internal/capture"
	"github.com/katasec/dstream-replicator/internal/capture/sqlserver"
	"github.com/katasec/dstream-replicator/internal/config"
	"github.com/katasec/dstream-replicator/internal/db"
	"github.com/katasec/dstream-replicator/internal/ledger"
	"github.com/katasec/dstream-replicator/internal/loader"
	"github.com/katasec/dstream-replicator/internal/locking"
	"github.com/katasec/dstream-replicator/internal/logging"
	"github.com/katasec/dstream-replicator/internal/push"
	"github.com/katasec/dstream-replicator/internal/router"
	"github.com/katasec/dstream-replicator/internal/routing"
	"github.com/katasec/dstream-replicator/internal/transport"
	"github.com/katasec/dstream-replicator/internal/utils"
)

// Replicator runs every component of one node until stopped
type Replicator struct {
	config    *config.Config
	logger    hclog.Logger
	transport transport.Transport
	locker    locking.DistributedLocker

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Option customizes a Replicator
type Option func(*Replicator)

// WithTransport replaces the transport built from configuration
func WithTransport(t transport.Transport) Option {
	return func(r *Replicator) { r.transport = t }
}

// WithLocker replaces the channel locker built from configuration
func WithLocker(l locking.DistributedLocker) Option {
	return func(r *Replicator) { r.locker = l }
}

// WithLogger sets the logger
func WithLogger(l hclog.Logger) Option {
	return func(r *Replicator) { r.logger = l }
}

// New creates a Replicator for a validated configuration
func New(cfg *config.Config, opts ...Option) *Replicator {
	r := &Replicator{config: cfg}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger, "replicator").With("node", cfg.NodeID)
	return r
}

// sourceSide is the state shared by the components working on the source
// database
type sourceSide struct {
	conn    *sql.DB
	dialect db.Dialect
	store   *capture.Store
	ledger  *ledger.Ledger
}

func openSource(ctx context.Context, cfg *config.DatabaseConfig) (*sourceSide, error) {
	conn, d, err := db.Connect(ctx, cfg.Driver, cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if err := db.EnsureSchema(ctx, conn, d); err != nil {
		conn.Close()
		return nil, fmt.Errorf("source: %w", err)
	}
	return &sourceSide{conn: conn, dialect: d, store: capture.NewStore(d), ledger: ledger.New(d)}, nil
}

// Start runs the node until ctx is done, Stop is called or a component fails.
// Components stopped by cancellation return cleanly, so the result is nil
// after a normal shutdown.
func (r *Replicator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	cfg := r.config
	poll, err := cfg.GetPollInterval()
	if err != nil {
		return err
	}
	maxPoll, err := cfg.GetMaxPollInterval()
	if err != nil {
		return err
	}

	t := r.transport
	if t == nil {
		if t, err = transport.New(cfg.Transport, cfg.NodeID); err != nil {
			return err
		}
		defer t.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	backoff := func() *utils.BackoffManager { return utils.NewBackoffManager(poll, maxPoll) }

	if cfg.Source != nil {
		src, err := openSource(ctx, cfg.Source)
		if err != nil {
			return err
		}
		defer src.conn.Close()
		if err := r.startSource(gctx, g, src, t, backoff); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}

	if cfg.Target != nil {
		conn, d, err := db.Connect(ctx, cfg.Target.Driver, cfg.Target.ConnectionString)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("target: %w", err)
		}
		defer conn.Close()
		if err := db.EnsureSchema(ctx, conn, d); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("target: %w", err)
		}
		ld := loader.New(conn, d, ledger.New(d),
			loader.WithListeners(newLogListener(r.logger.Named("loader"))),
			loader.WithEarlyCommitThreshold(cfg.Loader.EarlyCommitThreshold),
			loader.WithSavepoints(cfg.SavepointsEnabled()),
			loader.WithLogger(r.logger.Named("loader")))
		rcv := push.NewReceiver(cfg.NodeID, ld, t, t, r.logger.Named("receiver"))
		g.Go(func() error { return rcv.Run(gctx) })
	}

	r.logger.Info("Replicator started", "source", cfg.Source != nil, "target", cfg.Target != nil, "transport", cfg.Transport.Type)
	err = g.Wait()
	if err != nil {
		r.logger.Error("Replicator stopped with error", "error", err)
		return err
	}
	r.logger.Info("Replicator stopped")
	return nil
}

func (r *Replicator) startSource(ctx context.Context, g *errgroup.Group, src *sourceSide, t transport.Transport,
	backoff func() *utils.BackoffManager) error {
	cfg := r.config

	locker := r.locker
	if locker == nil {
		var err error
		if locker, err = locking.NewLocker(ctx, cfg.Lock, r.logger.Named("locker")); err != nil {
			return err
		}
	}

	svc := router.NewService(cfg.RouterModels(), router.WithLogger(r.logger.Named("router")))
	nodes := cfg.NodeModels()
	for _, ch := range cfg.ChannelModels() {
		if !ch.Enabled {
			r.logger.Info("Channel disabled, not routing", "channel", ch.ID)
			continue
		}
		w := routing.NewWorker(src.conn, src.dialect, ch, src.store, src.ledger, svc, nodes,
			routing.WithReadLimit(cfg.Polling.ReadLimit),
			routing.WithLock(locker, locking.ChannelLockName(cfg.Source.ConnectionString, ch.ID)),
			routing.WithLogger(r.logger.Named("routing")))
		g.Go(func() error { return w.Run(ctx, backoff()) })
	}

	ackTimeout, err := cfg.GetAckTimeout()
	if err != nil {
		return err
	}
	sender := push.NewSender(src.conn, src.ledger, src.store, t, cfg.NodeID,
		push.WithBinaryPayloads(cfg.Transport.Binary), push.WithMaxRetries(cfg.Loader.MaxRetries),
		push.WithAckTimeout(ackTimeout), push.WithSenderLogger(r.logger.Named("sender")))
	g.Go(func() error { return sender.Run(ctx, backoff()) })

	acks := push.NewAckHandler(src.conn, src.ledger, cfg.Loader.MaxRetries, r.logger.Named("ack"))
	g.Go(func() error { return acks.Run(ctx, t) })

	if cfg.Capture != nil {
		return r.startCapture(ctx, g, src)
	}
	return nil
}

// startCapture starts the SQL Server CDC monitor for the configured tables
func (r *Replicator) startCapture(ctx context.Context, g *errgroup.Group, src *sourceSide) error {
	cfg := r.config
	if src.dialect.Name() != "sqlserver" {
		return fmt.Errorf("native capture needs a sqlserver source, got %s", src.dialect.Name())
	}
	poll, _ := cfg.GetPollInterval()
	maxPoll, _ := cfg.GetMaxPollInterval()

	var tables []string
	for _, table := range cfg.Capture.Tables {
		if !sqlserver.IsCDCEnabled(ctx, src.conn, table) {
			r.logger.Warn("Skipping table, CDC not enabled", "table", table)
			continue
		}
		tables = append(tables, table)
	}
	if len(tables) == 0 {
		return nil
	}
	m := sqlserver.NewChannelMonitor(src.conn, src.store, tables, cfg.Capture.ChannelID, cfg.NodeID,
		poll, maxPoll, r.logger.Named("capture"))
	g.Go(func() error { return m.Run(ctx) })
	return nil
}

// Stop ends a running Start
func (r *Replicator) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// RouteOnce runs a single routing pass for every enabled channel without
// holding channel locks. Used by operators to drain the change log by hand.
func (r *Replicator) RouteOnce(ctx context.Context) (map[string]routing.PassResult, error) {
	cfg := r.config
	if cfg.Source == nil {
		return nil, fmt.Errorf("route-once needs a source database")
	}
	src, err := openSource(ctx, cfg.Source)
	if err != nil {
		return nil, err
	}
	defer src.conn.Close()

	svc := router.NewService(cfg.RouterModels(), router.WithLogger(r.logger.Named("router")))
	out := make(map[string]routing.PassResult)
	start := time.Now()
	for _, ch := range cfg.ChannelModels() {
		if !ch.Enabled {
			continue
		}
		w := routing.NewWorker(src.conn, src.dialect, ch, src.store, src.ledger, svc, cfg.NodeModels(),
			routing.WithReadLimit(cfg.Polling.ReadLimit), routing.WithLogger(r.logger.Named("routing")))
		res, err := w.RunPass(ctx)
		if err != nil {
			return out, fmt.Errorf("channel %s: %w", ch.ID, err)
		}
		out[ch.ID] = res
	}
	r.logger.Info("Routing pass complete", "channels", len(out), "elapsed", time.Since(start))
	return out, nil
}
