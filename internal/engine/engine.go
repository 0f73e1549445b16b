package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/exchange-core/matchcore/internal/account"
	"github.com/exchange-core/matchcore/internal/book"
	"github.com/exchange-core/matchcore/internal/compaction"
	"github.com/exchange-core/matchcore/internal/config"
	"github.com/exchange-core/matchcore/internal/gateway"
	"github.com/exchange-core/matchcore/internal/instrument"
	"github.com/exchange-core/matchcore/internal/logrecord"
	"github.com/exchange-core/matchcore/internal/marketdata"
	"github.com/exchange-core/matchcore/internal/notify"
	"github.com/exchange-core/matchcore/internal/replication"
	"github.com/exchange-core/matchcore/internal/router"
	"github.com/exchange-core/matchcore/internal/snapshot"
	"github.com/exchange-core/matchcore/internal/store"
	"github.com/exchange-core/matchcore/internal/wal"
	"github.com/exchange-core/matchcore/pkg/types"
)

// Engine owns every subsystem and their lifecycles.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	walWriter   *wal.Writer
	storage     *Storage
	compactor   *compaction.Controller
	checkpoints *store.Store

	Registry  *instrument.Registry
	Accounts  *account.Manager
	Snapshots *snapshot.Manager
	Broker    *notify.Broker
	Gateway   *notify.Gateway
	Router    *router.Router
	Market    *marketdata.Generator

	follower *replication.Follower

	settleOnce  sync.Once
	settleState *settlementState

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New recovers persisted state and wires the engine. The recovery order is
// checkpoint → SSTables + WAL replay → re-rest surviving orders; after New
// returns, live state equals the pre-crash state.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{cfg: cfg, logger: logger.With("component", "engine")}

	var err error
	if e.checkpoints, err = store.Open(cfg.Storage.CheckpointDir()); err != nil {
		return nil, err
	}

	e.Registry = instrument.NewRegistry(logger)
	e.Accounts = account.New(logger)

	ckptData, ckptSeq, err := e.checkpoints.LoadLatest()
	if err != nil {
		return nil, err
	}
	if ckptData != nil {
		if err := e.Accounts.Restore(ckptData); err != nil {
			return nil, fmt.Errorf("engine: restore checkpoint: %w", err)
		}
		e.logger.Info("checkpoint restored", "covers_seq", ckptSeq)
	}

	records, err := recoveredRecords(logger, cfg.Storage.SSTDir(), cfg.Storage.WALDir())
	if err != nil {
		return nil, err
	}
	applier := newReplayApplier(logger, e.Registry, e.Accounts, ckptSeq)
	for _, rec := range records {
		if err := applier.Apply(rec); err != nil {
			return nil, err
		}
	}
	if len(records) > 0 {
		e.logger.Info("replay complete", "records", len(records), "last_seq", applier.lastSeq)
	}

	if e.walWriter, err = wal.Open(cfg.Storage.WALDir(), applier.lastSeq+1, cfg.Storage.MaxSegmentBytes); err != nil {
		return nil, err
	}
	if e.compactor, err = compaction.New(cfg.Storage.SSTDir(), logger,
		compaction.WithBlockSize(cfg.Storage.BlockSizeBytes),
		compaction.WithL0Trigger(cfg.Storage.L0CompactionFiles)); err != nil {
		return nil, err
	}
	if e.storage, err = NewStorage(logger, e.walWriter, e.compactor,
		cfg.Storage.SSTDir(), cfg.Storage.MemtableSealBytes, cfg.Storage.BlockSizeBytes); err != nil {
		return nil, err
	}

	e.Snapshots = snapshot.NewManager(logger, cfg.Snapshot.MaxPendingPatches)
	e.Broker = notify.NewBroker(logger, cfg.Notify.BandCapacity)
	e.Gateway = notify.NewGateway(logger)

	gw := gateway.New(logger, e.Accounts, e.storage, e.Snapshots, e.Broker, nil)
	seq := book.NewAtomicSequencer(applier.lastSeq + 1)
	e.Router = router.New(logger, e.Registry, e.Accounts, e.storage, gw, seq, seq)
	if cfg.Matching.BreakerThreshold > 0 {
		e.Router.SetBreakerThreshold(int64(cfg.Matching.BreakerThreshold))
	}

	e.Market = marketdata.NewGenerator(logger, e.storage, e.Snapshots, e.Registry,
		func(id types.InstrumentID) marketdata.TopOfBook { return e.Router.Book(id) })
	gw.OnTrade(e.Market.OnTrade)

	// Instrument changes append to the log and fan out as system notices.
	e.Registry.OnChange(e.onInstrumentChange)

	if err := e.restoreOrders(applier); err != nil {
		return nil, err
	}

	if cfg.Replication.Role == "follower" {
		followerApplier := newReplayApplier(logger, e.Registry, e.Accounts, 0)
		e.follower = replication.NewFollower(cfg.Replication.PrimaryURL, e.storage, followerApplier, applier.lastSeq, logger)
	}
	return e, nil
}

// restoreOrders re-rests the limit orders that survived replay, rebuilding
// each one's reservation from the recovered account state (the frozen
// margin/volume is already in the restored balances, so nothing is
// re-frozen).
func (e *Engine) restoreOrders(applier *replayApplier) error {
	for id, owner := range applier.archived {
		e.Router.MarkArchived(id, owner)
	}
	for _, ord := range applier.orders {
		if ord.Status.Terminal() {
			e.Router.MarkArchived(ord.ID, ord.Account)
			continue
		}
		// A market/IOC order surviving replay means the crash landed between
		// its insert record and its cancel record; it would never have
		// rested, so recovery completes the cancel instead of re-resting.
		if ord.PriceType != types.Limit || ord.TimeInForce == types.IOC {
			e.Router.MarkArchived(ord.ID, ord.Account)
			continue
		}
		ins, err := e.Registry.Get(ord.Instrument)
		if err != nil {
			return fmt.Errorf("engine: restore order %d: %w", ord.ID, err)
		}
		res := &account.Reservation{
			ID:             uint64(ord.ID),
			Account:        ord.Account,
			Instrument:     ord.Instrument,
			Side:           ord.Side,
			Offset:         ord.Offset,
			Multiplier:     ins.Multiplier,
			MarginRate:     ins.MarginRate,
			OriginalVolume: ord.Original,
			FilledVolume:   ord.Filled(),
		}
		if ord.Offset == types.Open {
			res.PerUnitMargin = ord.LimitPrice.Mul(ins.Multiplier).Mul(ins.MarginRate)
		}
		if err := e.Router.RestoreResting(ord, res); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the background loops. Non-blocking; Stop shuts them down.
func (e *Engine) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	e.group = g

	g.Go(func() error {
		e.Broker.Run(ctx, e.Gateway)
		return nil
	})
	g.Go(func() error {
		e.Gateway.Run(ctx)
		return nil
	})
	g.Go(func() error {
		e.compactor.Run(ctx, e.cfg.Storage.CompactionInterval)
		return nil
	})
	g.Go(func() error {
		return e.Market.Run(ctx)
	})
	g.Go(func() error {
		e.checkpointLoop(ctx)
		return nil
	})
	if e.follower != nil {
		g.Go(func() error {
			e.follower.Run(ctx)
			return nil
		})
	}

	e.logger.Info("engine started",
		"role", e.cfg.Replication.Role,
		"data_dir", e.cfg.Storage.DataDir)
	return nil
}

// Stop cancels the background loops, drains in-flight flushes, takes a
// final checkpoint, and closes the WAL.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		e.group.Wait()
	}
	e.storage.Drain()
	if err := e.saveCheckpoint(); err != nil {
		e.logger.Error("final checkpoint failed", "error", err)
	}
	if err := e.walWriter.Close(); err != nil {
		e.logger.Error("wal close failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

func (e *Engine) checkpointLoop(ctx context.Context) {
	interval := e.cfg.Storage.CheckpointInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.saveCheckpoint(); err != nil {
				e.logger.Error("periodic checkpoint failed", "error", err)
			}
		}
	}
}

func (e *Engine) saveCheckpoint() error {
	data, err := e.Accounts.Checkpoint()
	if err != nil {
		return err
	}
	seq := e.walWriter.NextSequence() - 1
	if err := e.checkpoints.Save(seq, data); err != nil {
		return err
	}
	return e.checkpoints.Prune(3)
}

// onInstrumentChange durably logs every registry mutation and announces it.
func (e *Engine) onInstrumentChange(ins types.Instrument) {
	payload, err := logrecord.EncodeInstrumentChange(logrecord.InstrumentChangePayload{Instrument: ins})
	if err != nil {
		e.logger.Error("encode instrument change", "id", ins.ID, "error", err)
		return
	}
	if _, err := e.storage.Append(wal.KindInstrumentChange, time.Now().UnixNano(), payload); err != nil {
		e.logger.Error("append instrument change", "id", ins.ID, "error", err)
	}
	e.Snapshots.PushGlobal(snapshot.NotifyPatch(
		fmt.Sprintf("ins-%s-%d", ins.ID, ins.Status),
		"INFO",
		fmt.Sprintf("instrument %s status %d", ins.ID, ins.Status)))
}

// maintenanceRate is the configured maintenance margin rate, used by the
// settlement path's liquidation check.
func (e *Engine) maintenanceRate() decimal.Decimal {
	return decimal.NewFromFloat(e.cfg.Risk.MaintenanceMarginRate)
}
