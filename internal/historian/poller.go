package historian

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/extruderguard/core/internal/config"
	"github.com/extruderguard/core/internal/observability"
	"github.com/extruderguard/core/internal/storage"
)

// TickFunc is invoked once per successful poll with the newest row
// seen this tick and a snapshot of the current window. machineID
// identifies the owning Machine.
type TickFunc func(ctx context.Context, machineID string, newest Row, window []Row)

// maxBackoff is the ceiling on the exponential reconnect backoff
// (min(2^failures, 300s)).
const maxBackoff = 300 * time.Second

// settingsOverride mirrors the "connections.mssql" Settings-store
// blob; any non-zero field overrides the static config, and the
// Settings store always wins when it has a value.
type settingsOverride struct {
	Enabled             *bool   `json:"enabled,omitempty"`
	Host                string  `json:"host,omitempty"`
	Port                int     `json:"port,omitempty"`
	User                string  `json:"user,omitempty"`
	Password            string  `json:"password,omitempty"`
	Database            string  `json:"database,omitempty"`
	Schema              string  `json:"schema,omitempty"`
	Table               string  `json:"table,omitempty"`
	PollIntervalSeconds int     `json:"poll_interval_seconds,omitempty"`
	WindowMinutes       int     `json:"window_minutes,omitempty"`
	MaxRowsPerPoll      int     `json:"max_rows_per_poll,omitempty"`
}

// Poller is the Extruder Poller. One Poller instance feeds
// one Machine from one historian table.
type Poller struct {
	base          config.HistorianConfig
	store         *storage.DB
	logger        *zap.Logger
	metrics       *observability.Metrics
	masterEnabled bool // MSSQL_ENABLED / historian.enabled at startup

	window        *Window
	status        statusBox
	highWaterMark time.Time
	fingerprint   string

	dbMu sync.Mutex
	db   *sql.DB

	consecutiveFailures int32
	nextAllowedAttempt  time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Poller. db connections are opened lazily on first
// successful effective-config resolution.
func New(cfg config.HistorianConfig, store *storage.DB, logger *zap.Logger, metrics *observability.Metrics) *Poller {
	return &Poller{
		base:          cfg,
		store:         store,
		logger:        logger.Named("historian"),
		metrics:       metrics,
		masterEnabled: cfg.Enabled,
		window:        NewWindow(time.Duration(cfg.WindowMinutes)*time.Minute, cfg.MaxWindowRows),
	}
}

// Start begins the single background polling task. Idempotent:
// calling Start twice without an intervening Stop is a no-op.
func (p *Poller) Start(ctx context.Context, onTick TickFunc) error {
	if p.stopCh != nil {
		return nil
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.status.update(func(s *Status) { s.Configured = p.base.Host != "" })

	go p.run(ctx, onTick)
	return nil
}

// Stop requests a graceful stop and waits up to 10s for the
// polling loop to exit.
func (p *Poller) Stop() error {
	if p.stopCh == nil {
		return nil
	}
	close(p.stopCh)
	select {
	case <-p.doneCh:
	case <-time.After(10 * time.Second):
		p.logger.Warn("historian poller did not stop within bound")
	}
	p.closeDB()
	return nil
}

// Status returns the current read-only status view. Window size and
// high-water mark are mirrored into the status box by the polling
// goroutine, so this never touches poller-owned state.
func (p *Poller) Status() Status {
	return p.status.get()
}

func (p *Poller) run(ctx context.Context, onTick TickFunc) {
	defer close(p.doneCh)

	effective := p.base
	nextReload := time.Time{}

	ticker := time.NewTicker(effective.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now().UTC()
		if now.After(nextReload) {
			changed, updated := p.reloadEffectiveConfig(effective)
			if changed {
				effective = updated
				p.window = NewWindow(time.Duration(effective.WindowMinutes)*time.Minute, effective.MaxWindowRows)
				p.highWaterMark = time.Time{}
				p.closeDB()
				p.status.update(func(s *Status) {
					s.WindowSize = 0
					s.HighWaterMark = time.Time{}
				})
				p.logger.Info("historian effective config changed; window and high-water mark reset")
				ticker.Reset(effective.PollInterval)
			}
			nextReload = now.Add(effective.SettingsReloadInterval)
		}

		if !p.masterEnabled || !effective.Enabled {
			continue
		}

		if now.Before(p.nextAllowedAttempt) {
			// Exponential backoff in effect: skip
			// this tick entirely rather than retry at the fixed
			// PollInterval.
			continue
		}

		p.tick(ctx, effective, onTick)
	}
}

// reloadEffectiveConfig applies the Settings-store override (if
// present) on top of base, and reports whether the resulting
// fingerprint differs from the last observed one.
func (p *Poller) reloadEffectiveConfig(current config.HistorianConfig) (bool, config.HistorianConfig) {
	updated := current

	var override settingsOverride
	if p.store != nil {
		ok, err := p.store.GetSettingJSON("connections.mssql", &override)
		if err != nil {
			p.logger.Warn("failed to read connections.mssql setting", zap.Error(err))
		} else if ok {
			if override.Enabled != nil {
				updated.Enabled = *override.Enabled
			}
			if override.Host != "" {
				updated.Host = override.Host
			}
			if override.Port != 0 {
				updated.Port = override.Port
			}
			if override.User != "" {
				updated.User = override.User
			}
			if override.Password != "" {
				updated.Password = override.Password
			}
			if override.Database != "" {
				updated.Database = override.Database
			}
			if override.Schema != "" {
				updated.Schema = override.Schema
			}
			if override.Table != "" {
				updated.Table = override.Table
			}
			if override.PollIntervalSeconds > 0 {
				updated.PollInterval = time.Duration(override.PollIntervalSeconds) * time.Second
			}
			if override.WindowMinutes > 0 {
				updated.WindowMinutes = override.WindowMinutes
			}
			if override.MaxRowsPerPoll > 0 {
				updated.MaxRowsPerPoll = override.MaxRowsPerPoll
			}
		}
	}

	fp := fingerprintOf(updated)
	if fp == p.fingerprint {
		return false, current
	}
	p.fingerprint = fp
	return true, updated
}

func fingerprintOf(c config.HistorianConfig) string {
	return fmt.Sprintf("%v|%s|%d|%s|%s|%s|%s|%s|%d|%d",
		c.Enabled, c.Host, c.Port, c.User, c.Password, c.Database, c.Schema, c.Table, c.WindowMinutes, c.MaxRowsPerPoll)
}

func (p *Poller) tick(ctx context.Context, cfg config.HistorianConfig, onTick TickFunc) {
	p.status.update(func(s *Status) {
		s.LastAttempt = time.Now().UTC()
		s.EffectiveEnabled = true
	})

	cols := columns{
		schema: cfg.Schema, table: cfg.Table,
		timestamp: cfg.TimestampColumn, rpm: cfg.RPMColumn, pressure: cfg.PressureColumn,
		t1: cfg.Temp1Column, t2: cfg.Temp2Column, t3: cfg.Temp3Column, t4: cfg.Temp4Column,
	}
	if err := cols.validate(); err != nil {
		// Config error: logged, left disabled, no retry acceleration.
		p.logger.Error("historian misconfiguration", zap.Error(err))
		p.status.update(func(s *Status) {
			s.LastError = err.Error()
			s.LastErrorAt = time.Now().UTC()
			s.EffectiveEnabled = false
		})
		if p.metrics != nil {
			p.metrics.PollerTicksTotal.WithLabelValues("error").Inc()
		}
		return
	}

	db, err := p.connection(cfg)
	if err != nil {
		p.recordFailure(err)
		return
	}

	var (
		query string
		args  []interface{}
	)
	if p.highWaterMark.IsZero() {
		since := time.Now().UTC().Add(-time.Duration(cfg.WindowMinutes) * time.Minute)
		query, args = coldStartQuery(cols, since, cfg.MaxRowsPerPoll)
	} else {
		query, args = incrementalQuery(cols, p.highWaterMark, cfg.MaxRowsPerPoll)
	}

	qctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := db.QueryContext(qctx, query, args...)
	if err != nil {
		p.recordFailure(fmt.Errorf("historian query: %w", err))
		return
	}
	defer rows.Close()

	var newest Row
	var sawRow bool
	rowCount := 0
	for rows.Next() {
		var (
			ts             time.Time
			rpm, pressure  sql.NullFloat64
			t1, t2, t3, t4 sql.NullFloat64
		)
		if err := rows.Scan(&ts, &rpm, &pressure, &t1, &t2, &t3, &t4); err != nil {
			p.recordFailure(fmt.Errorf("historian scan: %w", err))
			return
		}
		row := Row{
			Timestamp: ts,
			RPM:       nullToFloat(rpm),
			Pressure:  nullToFloat(pressure),
			Temp1:     nullToFloat(t1),
			Temp2:     nullToFloat(t2),
			Temp3:     nullToFloat(t3),
			Temp4:     nullToFloat(t4),
		}
		if p.window.Append(row) {
			newest = row
			sawRow = true
			rowCount++
		}
	}
	if err := rows.Err(); err != nil {
		p.recordFailure(fmt.Errorf("historian row iteration: %w", err))
		return
	}

	if sawRow {
		p.highWaterMark = newest.Timestamp
	}

	atomic.StoreInt32(&p.consecutiveFailures, 0)
	p.nextAllowedAttempt = time.Time{}
	p.status.update(func(s *Status) {
		s.LastSuccess = time.Now().UTC()
		s.LastError = ""
		s.ConsecutiveErrors = 0
		s.WindowSize = p.window.Len()
		s.HighWaterMark = p.highWaterMark
	})
	if p.metrics != nil {
		p.metrics.PollerTicksTotal.WithLabelValues("ok").Inc()
		p.metrics.PollerRowsIngestedTotal.Add(float64(rowCount))
		p.metrics.PollerWindowDepth.Set(float64(p.window.Len()))
		p.metrics.PollerConsecutiveErrors.Set(0)
		p.metrics.PollerLastSuccessTime.Set(float64(time.Now().Unix()))
	}

	if sawRow && onTick != nil {
		onTick(ctx, cfg.MachineID, newest, p.window.Snapshot())
	}
}

// recordFailure applies the exponential-backoff schedule
// (min(2^failures, 300s)): it records the failure and
// sets nextAllowedAttempt so run()'s ticker-driven loop skips ticks
// until the backoff elapses, rather than retrying at the fixed
// PollInterval. Connection/auth failures never crash the service.
func (p *Poller) recordFailure(err error) {
	n := atomic.AddInt32(&p.consecutiveFailures, 1)
	backoff := time.Duration(math.Min(math.Pow(2, float64(n)), maxBackoff.Seconds())) * time.Second
	p.nextAllowedAttempt = time.Now().UTC().Add(backoff)

	p.logger.Error("historian poll failed", zap.Error(err), zap.Int32("consecutive_failures", n), zap.Duration("backoff", backoff))
	p.status.update(func(s *Status) {
		s.LastError = err.Error()
		s.LastErrorAt = time.Now().UTC()
		s.ConsecutiveErrors = int(n)
	})
	if p.metrics != nil {
		p.metrics.PollerTicksTotal.WithLabelValues("error").Inc()
		p.metrics.PollerConsecutiveErrors.Set(float64(n))
	}
}

// connection lazily opens (or reopens, on a config fingerprint change)
// the sql.DB handle for the sqlserver driver registered by
// github.com/microsoft/go-mssqldb.
func (p *Poller) connection(cfg config.HistorianConfig) (*sql.DB, error) {
	p.dbMu.Lock()
	defer p.dbMu.Unlock()

	if p.db != nil {
		return p.db, nil
	}

	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	q := u.Query()
	q.Set("database", cfg.Database)
	u.RawQuery = q.Encode()

	db, err := sql.Open("sqlserver", u.String())
	if err != nil {
		return nil, fmt.Errorf("historian connect: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	p.db = db
	return db, nil
}

// closeDB drops the cached handle so the next tick reconnects with
// the current effective parameters.
func (p *Poller) closeDB() {
	p.dbMu.Lock()
	defer p.dbMu.Unlock()
	if p.db != nil {
		_ = p.db.Close()
		p.db = nil
	}
}

func nullToFloat(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
