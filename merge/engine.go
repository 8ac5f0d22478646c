// Package merge keeps the relay's latest state, latest config and derived
// track per boat. State and config patches merge field by field with
// last-write-wins on the patch timestamp; config writes additionally must
// carry a strictly increasing version.
package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/metric"
	"github.com/anqori/anchorwatch/protocol"
	"github.com/anqori/anchorwatch/storage"
)

// Track limits.
const (
	DefaultTrackMaxPoints = 10000
	MinTrackMaxPoints     = 100
	MaxTrackMaxPoints     = 50000

	DefaultTrackLimit = 2000
	MaxTrackLimit     = 10000

	// TrackSource describes where server-side track points come from.
	TrackSource = "status.patch.statePatch.telemetry.gps"

	unknownDevice = "unknown"
)

// Entry is the stored latest state or config of one boat.
type Entry struct {
	Snapshot       protocol.Map     `json:"snapshot"`
	FieldUpdatedAt map[string]int64 `json:"fieldUpdatedAtByPath"`
	UpdatedAt      int64            `json:"updatedAt"`
	UpdatedBy      string           `json:"updatedBy"`
	// Version is set on config entries only.
	Version *int64 `json:"version,omitempty"`
}

// VersionConflictError rejects a config write whose version is not newer
// than the stored one.
type VersionConflictError struct {
	Current int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version must be greater than current (%d)", e.Current)
}

func (e *VersionConflictError) Unwrap() error { return errors.ErrVersionConflict }

// Tracks is the result of a track query.
type Tracks struct {
	Points []protocol.TrackPoint
	Total  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTrackMaxPoints bounds the stored track, clamped to 100..50000. Zero
// keeps the default.
func WithTrackMaxPoints(n int) Option {
	return func(e *Engine) {
		if n != 0 {
			e.trackMax = min(max(n, MinTrackMaxPoints), MaxTrackMaxPoints)
		}
	}
}

// WithMetrics registers the merge metrics. Nil disables them.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) { e.registry = registry }
}

// Engine applies patches to a storage.Store. Each boat key is updated
// atomically by the store, so concurrent submits never lose fields.
type Engine struct {
	store    storage.Store
	logger   *slog.Logger
	now      func() time.Time
	trackMax int
	registry *metric.MetricsRegistry
	metrics  *mergeMetrics
}

// New creates an engine over store.
func New(store storage.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "merge", "New", "check store")
	}
	e := &Engine{
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		trackMax: DefaultTrackMaxPoints,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "merge")
	m, err := newMergeMetrics(e.registry)
	if err != nil {
		return nil, errors.Wrap(err, "merge", "New", "register metrics")
	}
	e.metrics = m
	return e, nil
}

// Backend names the underlying store.
func (e *Engine) Backend() string { return e.store.Backend() }

// TrackMaxPoints is the stored track bound.
func (e *Engine) TrackMaxPoints() int { return e.trackMax }

func prepare(op, boatID, deviceID string, rawPatch any) (string, protocol.Map, error) {
	if boatID == "" {
		return "", nil, errors.WrapInvalid(errors.ErrInvalidData, "merge", op, "check boat id")
	}
	patch, err := protocol.NormalizePatch(rawPatch)
	if err != nil {
		return "", nil, errors.WrapInvalid(err, "merge", op, "normalize patch")
	}
	if deviceID == "" {
		deviceID = unknownDevice
	}
	return deviceID, patch, nil
}

func decodeEntry(raw []byte) (Entry, bool, error) {
	var entry Entry
	if raw == nil {
		return entry, false, nil
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return entry, false, errors.WrapFatal(err, "merge", "decodeEntry", "unmarshal stored entry")
	}
	return entry, true, nil
}

// apply merges patch into prev and returns the next entry.
func apply(prev Entry, patch protocol.Map, ts int64, deviceID string) Entry {
	next := Entry{
		Snapshot:       protocol.Map{},
		FieldUpdatedAt: make(map[string]int64, len(prev.FieldUpdatedAt)),
		Version:        prev.Version,
	}
	for k, v := range prev.Snapshot {
		next.Snapshot[k] = v
	}
	for k, v := range prev.FieldUpdatedAt {
		next.FieldUpdatedAt[k] = v
	}
	changed := ApplyLWW(next.Snapshot, next.FieldUpdatedAt, patch, ts)
	next.UpdatedAt = max(prev.UpdatedAt, ts)
	switch {
	case changed, prev.UpdatedBy == "":
		next.UpdatedBy = deviceID
	default:
		next.UpdatedBy = prev.UpdatedBy
	}
	return next
}

// SubmitState merges a state patch and appends the patch's own GPS fix, if it
// carries one, to the boat's track. ts <= 0 means now.
func (e *Engine) SubmitState(ctx context.Context, boatID, deviceID string, ts int64, rawPatch any) (Entry, error) {
	deviceID, patch, err := prepare("SubmitState", boatID, deviceID, rawPatch)
	if err != nil {
		e.metrics.recordSubmit(storage.KindState, "invalid")
		return Entry{}, err
	}
	ts = e.timestamp(ts)

	var next Entry
	err = e.store.Update(ctx, storage.Key(storage.KindState, boatID), func(current []byte) ([]byte, error) {
		prev, _, err := decodeEntry(current)
		if err != nil {
			return nil, err
		}
		next = apply(prev, patch, ts, deviceID)
		return json.Marshal(next)
	})
	if err != nil {
		e.metrics.recordSubmit(storage.KindState, "error")
		return Entry{}, errors.Wrap(err, "merge", "SubmitState", "update state of "+boatID)
	}
	e.metrics.recordSubmit(storage.KindState, "accepted")

	if err := e.appendTrack(ctx, boatID, patch, ts); err != nil {
		e.logger.Warn("track append failed", "boat_id", boatID, "error", err)
	}
	return next, nil
}

// SubmitConfig merges a config patch when version is newer than the stored
// one. An older or equal version yields a *VersionConflictError.
func (e *Engine) SubmitConfig(ctx context.Context, boatID, deviceID string, ts, version int64, rawPatch any) (Entry, error) {
	deviceID, patch, err := prepare("SubmitConfig", boatID, deviceID, rawPatch)
	if err == nil && version < 0 {
		err = errors.WrapInvalid(errors.ErrInvalidData, "merge", "SubmitConfig", "check version")
	}
	if err != nil {
		e.metrics.recordSubmit(storage.KindConfig, "invalid")
		return Entry{}, err
	}
	ts = e.timestamp(ts)

	var next Entry
	err = e.store.Update(ctx, storage.Key(storage.KindConfig, boatID), func(current []byte) ([]byte, error) {
		prev, _, err := decodeEntry(current)
		if err != nil {
			return nil, err
		}
		if prev.Version != nil && version <= *prev.Version {
			return nil, &VersionConflictError{Current: *prev.Version}
		}
		next = apply(prev, patch, ts, deviceID)
		next.Version = &version
		return json.Marshal(next)
	})
	var conflict *VersionConflictError
	switch {
	case errors.As(err, &conflict):
		e.metrics.recordSubmit(storage.KindConfig, "conflict")
		return Entry{}, conflict
	case err != nil:
		e.metrics.recordSubmit(storage.KindConfig, "error")
		return Entry{}, errors.Wrap(err, "merge", "SubmitConfig", "update config of "+boatID)
	}
	e.metrics.recordSubmit(storage.KindConfig, "accepted")
	e.logger.Debug("config accepted", "boat_id", boatID, "version", version)
	return next, nil
}

// State returns the latest state, or an error matching errors.ErrKeyNotFound.
func (e *Engine) State(ctx context.Context, boatID string) (Entry, error) {
	return e.read(ctx, "State", storage.KindState, boatID)
}

// Config returns the latest config, or an error matching errors.ErrKeyNotFound.
func (e *Engine) Config(ctx context.Context, boatID string) (Entry, error) {
	return e.read(ctx, "Config", storage.KindConfig, boatID)
}

func (e *Engine) read(ctx context.Context, op, kind, boatID string) (Entry, error) {
	raw, err := e.store.Get(ctx, storage.Key(kind, boatID))
	if err != nil {
		return Entry{}, err
	}
	entry, _, err := decodeEntry(raw)
	if err != nil {
		return Entry{}, errors.Wrap(err, "merge", op, "decode "+kind)
	}
	return entry, nil
}

// Tracks returns up to limit of the newest points with ts >= sinceTs, plus
// the size of the whole stored track. A nil sinceTs returns every point;
// limit is clamped to 1..10000 with 0 meaning 2000.
func (e *Engine) Tracks(ctx context.Context, boatID string, sinceTs *int64, limit int) (Tracks, error) {
	switch {
	case limit == 0:
		limit = DefaultTrackLimit
	case limit < 1:
		limit = 1
	case limit > MaxTrackLimit:
		limit = MaxTrackLimit
	}

	all, err := e.readTrack(ctx, boatID)
	if err != nil {
		return Tracks{}, err
	}
	points := all
	if sinceTs != nil {
		points = make([]protocol.TrackPoint, 0, len(all))
		for _, p := range all {
			if p.TS >= *sinceTs {
				points = append(points, p)
			}
		}
	}
	if len(points) > limit {
		points = points[len(points)-limit:]
	}
	return Tracks{Points: append([]protocol.TrackPoint{}, points...), Total: len(all)}, nil
}

func (e *Engine) readTrack(ctx context.Context, boatID string) ([]protocol.TrackPoint, error) {
	raw, err := e.store.Get(ctx, storage.Key(storage.KindTracks, boatID))
	if errors.Is(err, errors.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeTrack(raw)
}

// decodeTrack accepts either a bare array or an object with a points array.
func decodeTrack(raw []byte) ([]protocol.TrackPoint, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var points []protocol.TrackPoint
	if raw[0] == '{' {
		var wrapped struct {
			Points []protocol.TrackPoint `json:"points"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, errors.WrapFatal(err, "merge", "decodeTrack", "unmarshal track")
		}
		return wrapped.Points, nil
	}
	if err := json.Unmarshal(raw, &points); err != nil {
		return nil, errors.WrapFatal(err, "merge", "decodeTrack", "unmarshal track")
	}
	return points, nil
}

func (e *Engine) appendTrack(ctx context.Context, boatID string, patch protocol.Map, ts int64) error {
	point, ok := protocol.TrackPointFromState(patch, ts)
	if !ok {
		return nil
	}
	appended := false
	err := e.store.Update(ctx, storage.Key(storage.KindTracks, boatID), func(current []byte) ([]byte, error) {
		appended = false
		points, err := decodeTrack(current)
		if err != nil {
			return nil, err
		}
		if n := len(points); n > 0 && points[n-1].SamePosition(point) {
			return nil, storage.ErrSkipWrite
		}
		points = append(points, point)
		if len(points) > e.trackMax {
			points = points[len(points)-e.trackMax:]
		}
		appended = true
		return json.Marshal(points)
	})
	if err != nil {
		return err
	}
	if appended {
		e.metrics.recordTrackPoint()
	}
	return nil
}

func (e *Engine) timestamp(ts int64) int64 {
	if ts <= 0 {
		return e.now().UnixMilli()
	}
	return ts
}
