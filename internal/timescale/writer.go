// Package timescale optionally records per-slot market fees and cleared
// trades into TimescaleDB. It is a telemetry side-channel: queues are
// bounded, overflow drops with a counter, and a nil writer is a no-op.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"em-agg-sdk/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// SlotFee is one market's fee columns for one market slot.
type SlotFee struct {
	Time       time.Time
	MarketSlot string
	MarketUUID string
	MarketName string
	CurrentFee decimal.Decimal
	LastFee    decimal.Decimal
	HasCurrent bool
	HasLast    bool
}

// TradeRow is one cleared trade as reported by a trade event.
type TradeRow struct {
	Time         time.Time
	MarketSlot   string
	TradeID      string
	Buyer        string
	Seller       string
	TradedEnergy decimal.Decimal
	TradePrice   decimal.Decimal
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	slots     chan SlotFee
	trades    chan TradeRow
	started   atomic.Bool
	dropSlot  atomic.Uint64
	dropTrade atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		slots:  make(chan SlotFee, queueSize),
		trades: make(chan TradeRow, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSlotFee(fee SlotFee) {
	if w == nil {
		return
	}
	select {
	case w.slots <- fee:
		return
	default:
		if w.dropSlot.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale slot fee queue full")
		}
	}
}

func (w *Writer) EnqueueTrade(trade TradeRow) {
	if w == nil {
		return
	}
	select {
	case w.trades <- trade:
		return
	default:
		if w.dropTrade.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale trade queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fee := <-w.slots:
			w.writeSlotFee(ctx, fee)
		case trade := <-w.trades:
			w.writeTrade(ctx, trade)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		market_slot TEXT NOT NULL,
		market_uuid TEXT NOT NULL,
		market_name TEXT NOT NULL,
		current_fee DOUBLE PRECISION,
		last_fee DOUBLE PRECISION,
		PRIMARY KEY (market_slot, market_uuid)
	)`, w.table("market_slot_fees"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		market_slot TEXT NOT NULL,
		trade_id TEXT NOT NULL,
		buyer TEXT NOT NULL,
		seller TEXT NOT NULL,
		traded_energy DOUBLE PRECISION NOT NULL,
		trade_price DOUBLE PRECISION NOT NULL
	)`, w.table("trades"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("trades"))); err != nil && w.log != nil {
		w.log.Warn("timescale trades hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeSlotFee(ctx context.Context, fee SlotFee) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, market_slot, market_uuid, market_name, current_fee, last_fee
	) VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (market_slot, market_uuid) DO UPDATE SET
		current_fee = EXCLUDED.current_fee,
		last_fee = EXCLUDED.last_fee`, w.table("market_slot_fees"))
	var current, last any
	if fee.HasCurrent {
		current, _ = fee.CurrentFee.Float64()
	}
	if fee.HasLast {
		last, _ = fee.LastFee.Float64()
	}
	if _, err := w.db.ExecContext(ctx, query,
		fee.Time,
		fee.MarketSlot,
		fee.MarketUUID,
		fee.MarketName,
		current,
		last,
	); err != nil && w.log != nil {
		w.log.Warn("timescale slot fee upsert failed", zap.Error(err))
	}
}

func (w *Writer) writeTrade(ctx context.Context, trade TradeRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, market_slot, trade_id, buyer, seller, traded_energy, trade_price
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("trades"))
	energy, _ := trade.TradedEnergy.Float64()
	price, _ := trade.TradePrice.Float64()
	if _, err := w.db.ExecContext(ctx, query,
		trade.Time,
		trade.MarketSlot,
		trade.TradeID,
		trade.Buyer,
		trade.Seller,
		energy,
		price,
	); err != nil && w.log != nil {
		w.log.Warn("timescale trade insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
