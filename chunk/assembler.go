package chunk

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout evicts partial assemblies untouched for this long.
const DefaultTimeout = 2 * time.Second

// Outcome classifies what a consumed frame produced.
type Outcome int

const (
	// Incomplete means the frame was stored and parts are still missing.
	Incomplete Outcome = iota
	// Complete means Result.Data holds a whole message.
	Complete
	// Invalid means the frame was malformed and dropped.
	Invalid
)

// Result of feeding one frame to the Assembler.
type Result struct {
	Outcome Outcome
	Data    []byte
}

type assemblyKey struct {
	hash      uint32
	partCount uint8
}

type assembly struct {
	parts     [][]byte
	received  int
	updatedAt time.Time
}

// Assembler reassembles chunked notifications. Safe for concurrent use.
type Assembler struct {
	mu         sync.Mutex
	assemblies map[assemblyKey]*assembly
	timeout    time.Duration
	now        func() time.Time
}

// Option configures an Assembler
type Option func(*Assembler)

// WithTimeout overrides the partial-assembly eviction age.
func WithTimeout(d time.Duration) Option {
	return func(a *Assembler) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAssembler creates an empty assembler.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{
		assemblies: make(map[assemblyKey]*assembly),
		timeout:    DefaultTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Consume feeds one notification frame.
func (a *Assembler) Consume(frame []byte) Result {
	if len(frame) > 0 && frame[0] == wholeMessageByte {
		return Result{Outcome: Complete, Data: append([]byte(nil), frame...)}
	}

	h, ok := ParseHeader(frame)
	if !ok {
		return Result{Outcome: Invalid}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	key := assemblyKey{hash: h.Hash, partCount: h.PartCount}
	entry, exists := a.assemblies[key]
	if exists && now.Sub(entry.updatedAt) > a.timeout {
		exists = false
	}
	if !exists {
		entry = &assembly{parts: make([][]byte, h.PartCount)}
		a.assemblies[key] = entry
	}
	if entry.parts[h.PartIndex] == nil {
		entry.received++
	}
	entry.parts[h.PartIndex] = append([]byte{}, frame[HeaderSize:]...)
	entry.updatedAt = now

	if entry.received < len(entry.parts) {
		a.collect(now)
		return Result{Outcome: Incomplete}
	}

	delete(a.assemblies, key)
	return Result{Outcome: Complete, Data: bytes.Join(entry.parts, nil)}
}

// collect drops partial assemblies older than the timeout. Caller holds mu.
func (a *Assembler) collect(now time.Time) {
	for key, entry := range a.assemblies {
		if now.Sub(entry.updatedAt) > a.timeout {
			delete(a.assemblies, key)
		}
	}
}

// Pending returns the number of partial assemblies held.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.assemblies)
}

// Reset drops every partial assembly.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.assemblies)
}

// String summarizes the assembler for debug logs.
func (a *Assembler) String() string {
	return fmt.Sprintf("chunk.Assembler{pending=%d timeout=%s}", a.Pending(), a.timeout)
}
