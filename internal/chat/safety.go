package chat

import (
	"crypto/sha256"
	"errors"
	"io"
	"sync/atomic"
	"time"
)

const (
	defaultMaxRepeats = 50
	defaultStall      = 5 * time.Minute
)

var (
	ErrStreamLoop    = errors.New("model stream repeated the same chunk")
	ErrStreamStalled = errors.New("model stream stalled")
)

// loopGuard aborts a model stream that keeps emitting the same delta or
// goes quiet for too long between chunks.
type loopGuard struct {
	lastHash   [32]byte
	repeats    int
	maxRepeats int
	stall      time.Duration
	idle       *time.Timer
	stalled    atomic.Bool
}

func newLoopGuard() *loopGuard {
	return &loopGuard{
		maxRepeats: defaultMaxRepeats,
		stall:      defaultStall,
	}
}

// watch closes body once no chunk has arrived for the stall window. The
// blocked read then fails and Stalled reports true.
func (g *loopGuard) watch(body io.Closer) {
	g.idle = time.AfterFunc(g.stall, func() {
		g.stalled.Store(true)
		_ = body.Close()
	})
}

func (g *loopGuard) stop() {
	if g.idle != nil {
		g.idle.Stop()
	}
}

func (g *loopGuard) Stalled() bool {
	return g.stalled.Load()
}

// check inspects one delta payload. Every call restarts the stall window;
// empty payloads do nothing else.
func (g *loopGuard) check(payload string) error {
	if g.idle != nil {
		g.idle.Reset(g.stall)
	}
	if payload == "" {
		return nil
	}
	hash := sha256.Sum256([]byte(payload))
	if hash == g.lastHash {
		g.repeats++
		if g.repeats >= g.maxRepeats {
			return ErrStreamLoop
		}
		return nil
	}
	g.repeats = 0
	g.lastHash = hash
	return nil
}
