// Package playback implements PlaybackCore, the time-addressed playback
// state machine that drives a MessageSource and emits batches of decoded
// messages to a single listener.
//
// The driver is a single goroutine that owns every mutable field,
// following internal/spinner's multiplexer shape: one goroutine, a small
// channel vocabulary, no field ever touched from outside it. Where the
// spec calls for an AbortController cancelling the current phase's
// in-flight work, that is a context.Context/context.CancelFunc pair
// derived fresh on every phase transition.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/elliotnunn/streamplay/internal/clocktime"
	"github.com/elliotnunn/streamplay/internal/messagesource"
	"github.com/elliotnunn/streamplay/internal/playerr"
)

// Presence mirrors the listener-visible buffering indicator.
type Presence int

const (
	PresencePresent Presence = iota
	PresenceBuffering
)

func (p Presence) String() string {
	if p == PresenceBuffering {
		return "buffering"
	}
	return "present"
}

// PlayerState is the snapshot delivered to the listener on every
// emission. Messages is moved out (and replaced with nil) each time a
// snapshot is built, so the same batch is never delivered twice.
type PlayerState struct {
	Phase       Phase
	CurrentTime clocktime.Time
	StartTime   clocktime.Time
	EndTime     clocktime.Time
	Topics      []messagesource.TopicInfo
	Presence    Presence
	IsPlaying   bool
	Speed       float64
	Messages    []messagesource.IterItem
	// Progress is (currentTime-startTime)/(endTime-startTime), clamped to
	// [0,1]; 0 when startTime and endTime coincide.
	Progress float64
}

// Listener receives serialized state emissions. It must not call back
// into the PlaybackCore synchronously; a returned error is logged and
// swallowed, exactly as a panic recovered from the callback would be.
type Listener func(PlayerState) error

// Config carries the fixed timers and speed bounds spec.md §6 lists.
// The zero value is invalid; use DefaultConfig.
type Config struct {
	SeekBufferingDelay time.Duration
	TickBufferingDelay time.Duration
	FramePace          time.Duration
	StartSkip          time.Duration
	MinSpeed, MaxSpeed float64
}

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		SeekBufferingDelay: 100 * time.Millisecond,
		TickBufferingDelay: 500 * time.Millisecond,
		FramePace:          16 * time.Millisecond,
		StartSkip:          99 * time.Millisecond,
		MinSpeed:           0.1,
		MaxSpeed:           10.0,
	}
}

type phase int

const (
	phasePreinit phase = iota
	phaseInitialize
	phaseStartPlay
	phaseIdle
	phaseSeekBackfill
	phasePlay
	phaseResetIterator
	phaseClose
	phaseTerminated
)

// Phase is the listener-visible name of the internal phase, following
// spec.md's own naming: preinit | initialize | start-play | idle |
// seek-backfill | play | reset-iterator | close.
type Phase string

const (
	PhasePreinit       Phase = "preinit"
	PhaseInitialize    Phase = "initialize"
	PhaseStartPlay     Phase = "start-play"
	PhaseIdle          Phase = "idle"
	PhaseSeekBackfill  Phase = "seek-backfill"
	PhasePlay          Phase = "play"
	PhaseResetIterator Phase = "reset-iterator"
	PhaseClose         Phase = "close"
)

func (p phase) external() Phase {
	switch p {
	case phasePreinit:
		return PhasePreinit
	case phaseInitialize:
		return PhaseInitialize
	case phaseStartPlay:
		return PhaseStartPlay
	case phaseIdle:
		return PhaseIdle
	case phaseSeekBackfill:
		return PhaseSeekBackfill
	case phasePlay:
		return PhasePlay
	case phaseResetIterator:
		return PhaseResetIterator
	case phaseClose, phaseTerminated:
		return PhaseClose
	default:
		return PhaseIdle
	}
}

// Option configures a PlaybackCore at construction.
type Option func(*PlaybackCore)

func WithConfig(cfg Config) Option     { return func(c *PlaybackCore) { c.cfg = cfg } }
func WithLogger(l *slog.Logger) Option { return func(c *PlaybackCore) { c.log = l } }

// PlaybackCore is the playback state machine described by spec.md §4.6.
// Every field below phase is owned exclusively by the run() goroutine;
// the public methods only ever send commands over cmds.
type PlaybackCore struct {
	source messagesource.MessageSource
	cfg    Config
	log    *slog.Logger

	cmds chan any
	done chan struct{}

	phase phase

	listener      Listener
	listenerSet   bool
	subscriptions map[string]struct{}

	isPlaying bool
	speed     float64

	haveBounds  bool
	startTime   clocktime.Time
	endTime     clocktime.Time
	currentTime clocktime.Time
	seekTarget  *clocktime.Time
	untilTime   *clocktime.Time
	topics      []messagesource.TopicInfo
	presence    Presence
	messages    []messagesource.IterItem

	forwardIter           *messagesource.Iterator
	pendingIterItem       messagesource.IterItem
	subsChangedDuringTick bool

	emitCh chan PlayerState

	closeOnce sync.Once
}

// New constructs a PlaybackCore over source and starts its driver
// goroutine immediately; the machine begins in the preinit phase.
func New(source messagesource.MessageSource, opts ...Option) *PlaybackCore {
	c := &PlaybackCore{
		source:        source,
		cfg:           DefaultConfig(),
		log:           slog.Default(),
		cmds:          make(chan any, 16),
		done:          make(chan struct{}),
		subscriptions: make(map[string]struct{}),
		speed:         1.0,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.emitCh = make(chan PlayerState, 64)
	go c.runEmitter()
	go c.run()
	return c
}

// --- public, non-blocking command surface ---

func (c *PlaybackCore) send(cmd any) error {
	select {
	case <-c.done:
		return playerr.ErrClosed
	default:
	}
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.done:
		return playerr.ErrClosed
	}
}

type cmdSetListener struct {
	l    Listener
	done chan error
}
type cmdSetSubscriptions struct{ topics []string }
type cmdStart struct{}
type cmdPause struct{}
type cmdSeek struct{ t clocktime.Time }
type cmdSpeed struct{ x float64 }
type cmdClose struct{}

// SetListener assigns the single listener. It is an error to call this
// more than once.
func (c *PlaybackCore) SetListener(l Listener) error {
	done := make(chan error, 1)
	if err := c.send(cmdSetListener{l: l, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-c.done:
		return playerr.ErrClosed
	}
}

func (c *PlaybackCore) SetSubscriptions(topics []string) error {
	return c.send(cmdSetSubscriptions{topics: topics})
}

func (c *PlaybackCore) StartPlayback() error { return c.send(cmdStart{}) }
func (c *PlaybackCore) PausePlayback() error { return c.send(cmdPause{}) }
func (c *PlaybackCore) SeekPlayback(t clocktime.Time) error {
	return c.send(cmdSeek{t: t})
}
func (c *PlaybackCore) SetPlaybackSpeed(x float64) error { return c.send(cmdSpeed{x: x}) }

// Close transitions to the terminal close phase. Safe to call more than
// once; only the first call has any effect.
func (c *PlaybackCore) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.send(cmdClose{})
	})
	return err
}

// --- emission ---

func (c *PlaybackCore) runEmitter() {
	for state := range c.emitCh {
		if err := c.invokeListener(state); err != nil {
			c.log.Error("playback: listener error", "err", err)
		}
	}
}

func (c *PlaybackCore) invokeListener(state PlayerState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	if c.listener == nil {
		return nil
	}
	return c.listener(state)
}

// emit queues a snapshot of user-observable state and clears messages,
// so the same batch is never delivered twice.
func (c *PlaybackCore) emit() {
	if !c.listenerSet {
		return
	}
	state := PlayerState{
		Phase:       c.phase.external(),
		CurrentTime: c.currentTime,
		StartTime:   c.startTime,
		EndTime:     c.endTime,
		Topics:      c.topics,
		Presence:    c.presence,
		IsPlaying:   c.isPlaying,
		Speed:       c.speed,
		Messages:    c.messages,
		Progress:    c.progress(),
	}
	c.messages = nil
	c.emitCh <- state
}

// progress returns (currentTime-startTime)/(endTime-startTime), clamped
// to [0,1]; 0 when startTime and endTime coincide.
func (c *PlaybackCore) progress() float64 {
	total := c.endTime.Sub(c.startTime)
	if total <= 0 {
		return 0
	}
	elapsed := c.currentTime.Sub(c.startTime)
	p := float64(elapsed) / float64(total)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// --- driver loop ---

func (c *PlaybackCore) run() {
	c.phase = phasePreinit
	for c.phase != phaseTerminated {
		c.phase = c.step(c.phase)
	}
	close(c.done)
	close(c.emitCh)
}

func (c *PlaybackCore) step(p phase) phase {
	switch p {
	case phasePreinit:
		return c.stepPreinit()
	case phaseInitialize:
		return c.stepInitialize()
	case phaseStartPlay:
		return c.stepStartPlay()
	case phaseIdle:
		return c.stepIdle()
	case phaseSeekBackfill:
		return c.stepSeekBackfill()
	case phasePlay:
		return c.stepPlay()
	case phaseResetIterator:
		return c.stepResetIterator()
	case phaseClose:
		return c.stepClose()
	default:
		return phaseTerminated
	}
}

func (c *PlaybackCore) topicsSlice() []string {
	out := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// applyCommand mutates state for cmd and reports whether it requires an
// immediate phase transition (and, if so, which one). It is called both
// from the idle dispatch loop and from inside phases that suspend on
// network or timer waits.
func (c *PlaybackCore) applyCommand(cmd any) (phase, bool) {
	switch v := cmd.(type) {
	case cmdSetListener:
		if c.listenerSet {
			v.done <- fmt.Errorf("%w: listener already assigned", playerr.ErrInvalidArgument)
			return 0, false
		}
		c.listener = v.l
		c.listenerSet = true
		v.done <- nil
		if c.phase == phasePreinit {
			return phaseInitialize, true
		}
		return 0, false

	case cmdSetSubscriptions:
		next := make(map[string]struct{}, len(v.topics))
		for _, t := range v.topics {
			next[t] = struct{}{}
		}
		if subsEqual(c.subscriptions, next) {
			return 0, false
		}
		c.subscriptions = next
		switch c.phase {
		case phasePlay:
			c.subsChangedDuringTick = true
			return 0, false
		case phaseIdle, phaseSeekBackfill, phaseStartPlay:
			if !c.isPlaying {
				t := c.currentTime
				c.seekTarget = &t
				return phaseSeekBackfill, true
			}
		}
		return 0, false

	case cmdStart:
		if c.isPlaying {
			return 0, false
		}
		c.isPlaying = true
		c.emit()
		if c.phase == phaseIdle {
			return phasePlay, true
		}
		return 0, false

	case cmdPause:
		if !c.isPlaying {
			return 0, false
		}
		c.isPlaying = false
		c.emit()
		if c.phase == phasePlay {
			return phaseIdle, true
		}
		return 0, false

	case cmdSeek:
		if !c.haveBounds {
			return 0, false
		}
		clamped := clocktime.Clamp(v.t, c.startTime, c.endTime)
		if clamped.Equal(c.currentTime) {
			return 0, false
		}
		c.seekTarget = &clamped
		return phaseSeekBackfill, true

	case cmdSpeed:
		x := v.x
		if x < c.cfg.MinSpeed {
			x = c.cfg.MinSpeed
		}
		if x > c.cfg.MaxSpeed {
			x = c.cfg.MaxSpeed
		}
		c.speed = x
		c.emit()
		return 0, false

	case cmdClose:
		return phaseClose, true

	default:
		return 0, false
	}
}

func subsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func (c *PlaybackCore) stepPreinit() phase {
	c.emit()
	for {
		cmd := <-c.cmds
		if next, change := c.applyCommand(cmd); change {
			return next
		}
	}
}

func (c *PlaybackCore) stepInitialize() phase {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := c.source.Initialize(ctx)
	if err != nil {
		c.log.Error("playback: initialize failed", "err", err)
		return phasePreinit
	}

	c.startTime = res.Start
	c.endTime = res.End
	c.topics = res.Topics
	c.haveBounds = true
	if c.seekTarget != nil {
		clamped := clocktime.Clamp(*c.seekTarget, c.startTime, c.endTime)
		c.seekTarget = &clamped
		c.currentTime = clamped
	} else {
		c.currentTime = c.startTime
	}
	c.presence = PresencePresent
	c.emit()

	timer := time.NewTimer(c.cfg.StartSkip)
	defer timer.Stop()
	select {
	case <-timer.C:
	case cmd := <-c.cmds:
		if next, change := c.applyCommand(cmd); change {
			return next
		}
	}
	return phaseStartPlay
}

// stepStartPlay runs the start-play phase. The short delay before it (in
// stepInitialize) reuses Config.StartSkip: the same 99 ms constant both
// paces the transition into start-play and bounds its initial batch.
func (c *PlaybackCore) stepStartPlay() phase {
	if c.seekTarget != nil {
		return phaseSeekBackfill
	}

	topics := c.topicsSlice()
	it, err := c.source.Iterate(context.Background(), messagesource.IterateOptions{
		Topics: topics,
		Start:  &c.startTime,
	})
	if err != nil {
		c.log.Error("playback: start-play iterate failed", "err", err)
		return phaseIdle
	}

	limit := c.startTime.Add(c.cfg.StartSkip.Nanoseconds())
	var batch []messagesource.IterItem
	for {
		item, err := it.Next(context.Background())
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Error("playback: start-play read failed", "err", err)
			}
			break
		}
		if msg, ok := item.(messagesource.ItemMessage); ok && msg.Message.ReceiveTime.After(limit) {
			c.pendingIterItem = item
			break
		}
		batch = append(batch, item)
	}

	c.messages = batch
	c.currentTime = clocktime.Clamp(limit, c.startTime, c.endTime)
	c.forwardIter = it
	c.presence = PresencePresent
	c.emit()
	if c.isPlaying {
		return phasePlay
	}
	return phaseIdle
}

func (c *PlaybackCore) stepIdle() phase {
	for {
		cmd := <-c.cmds
		if next, change := c.applyCommand(cmd); change {
			return next
		}
	}
}

type backfillResult struct {
	msgs []messagesource.Message
	err  error
}

func (c *PlaybackCore) stepSeekBackfill() phase {
	if c.seekTarget == nil {
		return phaseIdle
	}
	clamped := clocktime.Clamp(*c.seekTarget, c.startTime, c.endTime)
	c.seekTarget = &clamped

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topics := c.topicsSlice()
	resultCh := make(chan backfillResult, 1)
	go func() {
		msgs, err := c.source.Backfill(ctx, topics, clamped)
		resultCh <- backfillResult{msgs: msgs, err: err}
	}()

	timer := time.NewTimer(c.cfg.SeekBufferingDelay)
	defer timer.Stop()

	for {
		select {
		case res := <-resultCh:
			if res.err != nil {
				if errors.Is(res.err, playerr.ErrAborted) || errors.Is(res.err, context.Canceled) {
					return phaseIdle
				}
				c.log.Error("playback: backfill failed", "err", res.err)
				return phaseIdle
			}
			items := make([]messagesource.IterItem, len(res.msgs))
			for i, m := range res.msgs {
				items[i] = messagesource.ItemMessage{Message: m}
			}
			c.messages = items
			c.currentTime = clamped
			c.presence = PresencePresent
			c.emit()
			c.resetForwardIterator(clamped.Add(1))
			if c.isPlaying {
				return phasePlay
			}
			return phaseIdle

		case <-timer.C:
			c.presence = PresenceBuffering
			c.messages = nil
			c.currentTime = clamped
			c.emit()

		case cmd := <-c.cmds:
			if next, change := c.applyCommand(cmd); change {
				return next
			}
		}
	}
}

func (c *PlaybackCore) resetForwardIterator(from clocktime.Time) {
	topics := c.topicsSlice()
	it, err := c.source.Iterate(context.Background(), messagesource.IterateOptions{
		Topics: topics,
		Start:  &from,
	})
	if err != nil {
		c.log.Error("playback: iterator reset failed", "err", err)
		return
	}
	if c.forwardIter != nil {
		c.forwardIter.Close()
	}
	c.forwardIter = it
	c.pendingIterItem = nil
}

func (c *PlaybackCore) stepResetIterator() phase {
	c.resetForwardIterator(c.currentTime.Add(1))
	if c.isPlaying {
		return phasePlay
	}
	return phaseIdle
}

func (c *PlaybackCore) stepPlay() phase {
	for {
		if !c.currentTime.Before(c.endTime) {
			c.isPlaying = false
			c.phase = phaseIdle
			c.emit()
			return phaseIdle
		}

		t0 := time.Now()
		next := c.tick()
		if next != phasePlay {
			return next
		}
		if c.subsChangedDuringTick {
			c.subsChangedDuringTick = false
			return phaseResetIterator
		}

		sleepFor := c.cfg.FramePace - time.Since(t0)
		if sleepFor <= 0 {
			continue
		}
		timer := time.NewTimer(sleepFor)
		select {
		case <-timer.C:
		case cmd := <-c.cmds:
			timer.Stop()
			if n, change := c.applyCommand(cmd); change {
				return n
			}
		}
	}
}

type tickResult struct {
	items   []messagesource.IterItem
	pending messagesource.IterItem
	err     error
}

// tick implements spec.md §4.6's per-tick algorithm, with the Open
// Question resolved (spec.md §9 / SPEC_FULL.md §4.6): currentTime
// advances each tick by framePace * speed, clamped to endTime.
func (c *PlaybackCore) tick() phase {
	advanceNs := int64(float64(c.cfg.FramePace.Nanoseconds()) * c.speed)
	tickEnd := c.currentTime.Add(advanceNs)
	if tickEnd.After(c.endTime) {
		tickEnd = c.endTime
	}
	if c.untilTime != nil && c.untilTime.Before(tickEnd) {
		tickEnd = *c.untilTime
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resultCh := make(chan tickResult, 1)
	go func() {
		var items []messagesource.IterItem
		for {
			item, err := c.forwardIter.Next(ctx)
			if err != nil {
				resultCh <- tickResult{items: items, err: err}
				return
			}
			if msg, ok := item.(messagesource.ItemMessage); ok && msg.Message.ReceiveTime.After(tickEnd) {
				resultCh <- tickResult{items: items, pending: item}
				return
			}
			items = append(items, item)
		}
	}()

	timer := time.NewTimer(c.cfg.TickBufferingDelay)
	defer timer.Stop()

	for {
		select {
		case res := <-resultCh:
			if res.err != nil && !errors.Is(res.err, io.EOF) {
				if errors.Is(res.err, playerr.ErrAborted) {
					return phasePlay
				}
				c.log.Error("playback: tick read failed", "err", res.err)
			}
			pendingBatch := c.pendingIterItem
			c.pendingIterItem = res.pending
			if pendingBatch != nil {
				c.messages = append(c.messages, pendingBatch)
			}
			c.messages = append(c.messages, res.items...)
			c.currentTime = tickEnd
			c.presence = PresencePresent
			c.emit()

			if c.untilTime != nil && !tickEnd.Before(*c.untilTime) {
				c.isPlaying = false
				return phaseIdle
			}
			return phasePlay

		case <-timer.C:
			c.presence = PresenceBuffering
			c.emit()

		case cmd := <-c.cmds:
			if next, change := c.applyCommand(cmd); change {
				return next
			}
		}
	}
}

func (c *PlaybackCore) stepClose() phase {
	if c.forwardIter != nil {
		c.forwardIter.Close()
		c.forwardIter = nil
	}
	if err := c.source.Terminate(); err != nil {
		c.log.Error("playback: terminate failed", "err", err)
	}
	return phaseTerminated
}
