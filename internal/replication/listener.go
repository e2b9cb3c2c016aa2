package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/yartinzz/DTICU-Ventilator/internal/vitals"
)

const (
	outputPlugin   = "pgoutput"
	standbyTimeout = 10 * time.Second

	// Stream drops are retried with linear backoff and then given up on.
	maxStreamAttempts = 3
	retryBackoffStep  = 2 * time.Second
)

// Config carries the replication endpoints. ReplicationURL must include
// replication=database; QueryURL must not, because the walsender protocol
// connection cannot run SQL and the LSN lookup needs a plain connection.
type Config struct {
	ReplicationURL string
	QueryURL       string
	Slot           string
	Publication    string
}

// SampleCache stores decoded samples for later dispatch lookups.
type SampleCache interface {
	Update(patient vitals.PatientID, param vitals.ParamType, data vitals.Payload, ts float64)
}

// ActivityTracker learns that a stream produced a sample.
type ActivityTracker interface {
	MarkLive(patient vitals.PatientID, param vitals.ParamType, ts float64)
}

// Dispatcher schedules fan-out of a cached sample.
type Dispatcher interface {
	Enqueue(patient vitals.PatientID, param vitals.ParamType, ts float64)
}

// SampleRelay mirrors decoded samples to downstream consumers. Optional.
type SampleRelay interface {
	Publish(ev Event)
}

// Listener owns the blocking replication stream. It runs on its own
// goroutine; decoded rows enter the rest of the system through the cache,
// the tracker, the relay and the dispatch queue, never through a session.
type Listener struct {
	cfg      Config
	cache    SampleCache
	tracker  ActivityTracker
	dispatch Dispatcher
	relay    SampleRelay
	decoder  *Decoder
	logger   *zap.Logger
}

func NewListener(cfg Config, cache SampleCache, tracker ActivityTracker, dispatch Dispatcher, relay SampleRelay, logger *zap.Logger) *Listener {
	return &Listener{
		cfg:      cfg,
		cache:    cache,
		tracker:  tracker,
		dispatch: dispatch,
		relay:    relay,
		decoder:  NewDecoder(logger),
		logger:   logger,
	}
}

// Run streams until ctx is cancelled. A dropped stream reconnects with
// linear backoff; after maxStreamAttempts consecutive failures the error
// is returned so the caller can decide whether to keep the process alive.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := l.stream(ctx)
		if ctx.Err() != nil {
			l.logger.Info("replication listener stopped")
			return nil
		}

		attempt++
		if attempt >= maxStreamAttempts {
			l.logger.Error("replication stream failed, giving up",
				zap.Int("attempts", attempt), zap.Error(err))
			return fmt.Errorf("replication stream failed after %d attempts: %w", attempt, err)
		}
		backoff := time.Duration(attempt) * retryBackoffStep
		l.logger.Warn("replication stream failed, reconnecting",
			zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

// stream runs one replication session: connect, ensure the slot, resume
// from the confirmed flush position, then consume WAL until an error.
func (l *Listener) stream(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, l.cfg.ReplicationURL)
	if err != nil {
		return fmt.Errorf("connect for replication: %w", err)
	}
	defer conn.Close(context.Background())
	l.logger.Info("connected to postgres for logical replication")

	// Idempotent: the slot persists so a restart resumes where the last
	// confirmed flush left off instead of skipping rows.
	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, l.cfg.Slot, outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: false},
	)
	if err != nil {
		l.logger.Warn("replication slot creation", zap.Error(err))
	} else {
		l.logger.Info("replication slot created", zap.String("slot", l.cfg.Slot))
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	l.logger.Info("system identified",
		zap.String("systemID", sysident.SystemID),
		zap.Int32("timeline", sysident.Timeline),
		zap.String("xLogPos", sysident.XLogPos.String()),
	)

	startLSN := l.resolveStartLSN(ctx, sysident.XLogPos)

	pluginArgs := []string{
		"proto_version '2'",
		fmt.Sprintf("publication_names '%s'", l.cfg.Publication),
	}
	err = pglogrepl.StartReplication(ctx, conn, l.cfg.Slot, startLSN,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs},
	)
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	l.logger.Info("logical replication started",
		zap.String("slot", l.cfg.Slot),
		zap.String("publication", l.cfg.Publication),
	)

	clientXLogPos := startLSN
	nextStandbyDeadline := time.Now().Add(standbyTimeout)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Now().After(nextStandbyDeadline) {
			err = pglogrepl.SendStandbyStatusUpdate(ctx, conn,
				pglogrepl.StandbyStatusUpdate{WALWritePosition: clientXLogPos},
			)
			if err != nil {
				return fmt.Errorf("standby status update: %w", err)
			}
			nextStandbyDeadline = time.Now().Add(standbyTimeout)
		}

		// Bound the read by the standby deadline so acknowledgements keep
		// flowing even when the stream is quiet.
		recvCtx, cancel := context.WithDeadline(ctx, nextStandbyDeadline)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) && ctx.Err() == nil {
				continue
			}
			return fmt.Errorf("receive message: %w", err)
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("postgres WAL error: %s (%s)", errResp.Message, errResp.Severity)
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				l.logger.Error("parse XLogData", zap.Error(err))
				continue
			}
			l.handleWALData(xld.WALData)
			clientXLogPos = xld.WALStart + pglogrepl.LSN(len(xld.WALData))

		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				l.logger.Error("parse keepalive", zap.Error(err))
				continue
			}
			if pkm.ReplyRequested {
				nextStandbyDeadline = time.Time{} // force immediate reply
			}

		default:
			l.logger.Warn("unknown copy data type", zap.Uint8("type", copyData.Data[0]))
		}
	}
}

// resolveStartLSN prefers the slot's confirmed flush position over the
// current WAL tip, so rows written while the listener was down still
// arrive. Lookup failures fall back to the tip.
func (l *Listener) resolveStartLSN(ctx context.Context, fallback pglogrepl.LSN) pglogrepl.LSN {
	pgxConn, err := pgx.Connect(ctx, l.cfg.QueryURL)
	if err != nil {
		l.logger.Warn("LSN query connection failed, starting from current position", zap.Error(err))
		return fallback
	}
	var confirmed *string
	err = pgxConn.QueryRow(ctx,
		"SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1",
		l.cfg.Slot,
	).Scan(&confirmed)
	pgxConn.Close(ctx)
	if err != nil {
		l.logger.Warn("LSN query failed, starting from current position", zap.Error(err))
		return fallback
	}
	if confirmed == nil || *confirmed == "" {
		l.logger.Info("new slot, starting from current position", zap.String("lsn", fallback.String()))
		return fallback
	}
	lsn, err := pglogrepl.ParseLSN(*confirmed)
	if err != nil {
		l.logger.Warn("parse confirmed_flush_lsn failed, starting from current position",
			zap.String("lsn", *confirmed), zap.Error(err))
		return fallback
	}
	l.logger.Info("resuming replication from confirmed_flush_lsn", zap.String("lsn", lsn.String()))
	return lsn
}

func (l *Listener) handleWALData(walData []byte) {
	logicalMsg, err := pglogrepl.ParseV2(walData, false)
	if err != nil {
		l.logger.Error("parse logical replication message", zap.Error(err))
		return
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessageV2:
		l.decoder.RegisterRelation(msg)

	case *pglogrepl.InsertMessageV2:
		row, err := l.decoder.DecodeInsert(msg)
		if err != nil {
			l.logger.Error("decode insert", zap.Error(err))
			return
		}
		l.processRow(row)
	}
}

// processRow is row-local: a malformed row is logged and dropped without
// disturbing the stream or neighbouring rows.
func (l *Listener) processRow(row Row) {
	ev, err := Normalize(row)
	if err != nil {
		l.logger.Error("normalise replicated row",
			zap.String("table", row.Table), zap.Error(err))
		return
	}
	if ev == nil {
		return
	}

	l.cache.Update(ev.Patient, ev.Param, ev.Data, ev.Timestamp)
	l.tracker.MarkLive(ev.Patient, ev.Param, ev.Timestamp)
	if l.relay != nil {
		l.relay.Publish(*ev)
	}
	l.dispatch.Enqueue(ev.Patient, ev.Param, ev.Timestamp)
}
