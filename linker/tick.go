package linker

import (
	"context"
	"time"

	"github.com/anqori/anchorwatch/connection"
	"github.com/anqori/anchorwatch/protocol"
)

func (l *Linker) tickLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.tickEvery)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one liveness evaluation. Calls closer together than the tick
// gate, or while stopped, do nothing. The tick loop calls it; tests may call
// it directly.
func (l *Linker) Tick(ctx context.Context) {
	now := l.now()
	l.mu.Lock()
	if !l.running || (!l.lastTick.IsZero() && now.Sub(l.lastTick) < l.gate) {
		l.mu.Unlock()
		return
	}
	l.lastTick = now
	mode, active := l.mode, l.active
	l.mu.Unlock()

	var v Verdict
	if mode == connection.ModeFake {
		v = l.tickFake(ctx, now, active)
	} else {
		v = l.tickDevice(ctx, now, active)
	}
	v.ActiveKind = active.Kind()
	l.publish(v)
}

func (l *Linker) tickFake(ctx context.Context, now time.Time, active connection.Connection) Verdict {
	l.poll(ctx, now, active, l.fakePollEvery)
	connected := active.Connected()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.state) == 0 {
		if connected {
			return Verdict{State: StateWaiting, Text: TextFakeWaiting, Class: ClassWarn, Source: "none"}
		}
		return Verdict{State: StateNoLink, Text: TextFakeNoLink, Class: ClassWarn, Source: "none"}
	}
	l.appendLiveTrackLocked(now, true)
	text, class := "FAKE: MONITORING", ClassOK
	if sim, ok := protocol.Object(l.state, "simulation"); ok {
		if s := protocol.String(sim, "stateText"); s != "" {
			text = s
		}
		if c := protocol.String(sim, "stateClass"); c != "" {
			class = c
		}
	}
	return Verdict{State: StatePolled, Text: text, Class: class, Source: "fake-simulator"}
}

func (l *Linker) tickDevice(ctx context.Context, now time.Time, active connection.Connection) Verdict {
	l.mu.Lock()
	bleFresh := l.bleConnected && !l.lastBLESeen.IsZero() && now.Sub(l.lastBLESeen) <= l.liveWindow
	if bleFresh && len(l.state) > 0 {
		l.appendLiveTrackLocked(now, false)
		v := Verdict{State: StateLive, Text: TextBLELive, Class: ClassOK, Source: orDefault(l.stateSource, "ble/live")}
		l.mu.Unlock()
		return v
	}
	l.mu.Unlock()

	if active.Kind() != connection.KindSynthetic {
		l.poll(ctx, now, active, l.pollEvery)
	}
	connected := active.Connected()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.state) > 0 {
		l.appendLiveTrackLocked(now, false)
		v := Verdict{State: StatePolled, Text: TextCloud, Class: ClassOK, Source: orDefault(l.stateSource, "cloud")}
		if l.bleConnected {
			v.Text, v.Class = TextCloudFallback, ClassWarn
		}
		return v
	}
	if l.bleConnected || connected {
		return Verdict{State: StateWaiting, Text: TextWaiting, Class: ClassWarn, Source: "none"}
	}
	return Verdict{State: StateNoLink, Text: TextNoLink, Class: ClassWarn, Source: "none"}
}

// poll requests a state snapshot from active at most once per interval.
func (l *Linker) poll(ctx context.Context, now time.Time, active connection.Connection, interval time.Duration) {
	l.mu.Lock()
	due := l.lastPoll.IsZero() || now.Sub(l.lastPoll) >= interval
	if due {
		l.lastPoll = now
	}
	l.mu.Unlock()
	if !due {
		return
	}

	if active.Kind() == connection.KindRelay {
		l.refreshBuildVersion(ctx, now, active)
	}

	snapshot, err := active.RequestStateSnapshot(ctx)
	switch {
	case err != nil:
		l.metrics.recordPoll("error")
		l.logger.Debug("state poll failed", "kind", active.Kind(), "error", err)
		return
	case snapshot == nil:
		l.metrics.recordPoll("empty")
		return
	}
	l.metrics.recordPoll("ok")

	source := connection.SourceRelay
	switch active.Kind() {
	case connection.KindBLE:
		source = connection.SourceBLESnapshot
	case connection.KindSynthetic:
		source = connection.SourceSynthetic
	}
	l.mu.Lock()
	l.applySnapshotLocked(snapshot, source, l.now())
	l.mu.Unlock()
}

func (l *Linker) refreshBuildVersion(ctx context.Context, now time.Time, active connection.Connection) {
	fetcher, ok := active.(buildVersionFetcher)
	if !ok {
		return
	}
	l.mu.Lock()
	due := l.lastVersionPoll.IsZero() || now.Sub(l.lastVersionPoll) >= l.versionEvery
	if due {
		l.lastVersionPoll = now
	}
	l.mu.Unlock()
	if !due {
		return
	}

	version, err := fetcher.FetchBuildVersion(ctx)
	if err != nil || version == "" {
		return
	}
	l.mu.Lock()
	l.buildVersion = version
	l.mu.Unlock()
}

// appendLiveTrackLocked adds the current GPS fix to the track when it moved.
// Outside fake mode only a lowered anchor records a track.
func (l *Linker) appendLiveTrackLocked(now time.Time, always bool) {
	if !always {
		if anchorState, _ := protocol.Path(l.state, "anchor", "state"); anchorState != "down" {
			return
		}
	}
	p, ok := protocol.TrackPointFromState(l.state, now.UnixMilli())
	if !ok {
		return
	}
	if n := len(l.track); n > 0 && l.track[n-1].SamePosition(p) {
		return
	}
	l.track = lastPoints(append(l.track, p), MaxTrackPoints)
}

func (l *Linker) publish(v Verdict) {
	l.mu.Lock()
	v.BuildVersion = l.buildVersion
	changed := !l.verdict.equal(v)
	l.verdict = v
	l.mu.Unlock()

	l.metrics.recordVerdict(v.State)
	if changed {
		l.logger.Debug("verdict changed", "state", v.State, "text", v.Text, "source", v.Source)
		l.verdicts.Emit(v)
	}
}

func lastPoints(points []protocol.TrackPoint, n int) []protocol.TrackPoint {
	start := max(0, len(points)-n)
	return append([]protocol.TrackPoint(nil), points[start:]...)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
