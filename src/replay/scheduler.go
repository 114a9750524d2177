package replay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"market-emulator/src/metrics"
	"market-emulator/src/models"
)

var (
	ErrIllegalState        = errors.New("illegal emulation state")
	ErrInvalidWindow       = errors.New("invalid replay window")
	ErrUnsupportedDataType = errors.New("data type cannot be replayed")
)

// Handler receives replayed messages. Data goes through SendInMessage, state
// notifications through Publish.
type Handler interface {
	SendInMessage(msg models.Message) []models.Message
	Publish(msgs ...models.Message)
}

// Calendar resolves board codes to their session calendars.
type Calendar interface {
	Board(code string) models.Board
}

type Settings struct {
	StartDate           time.Time
	StopDate            time.Time
	PostTradeHeartbeats int
	HeartbeatInterval   time.Duration
	DefaultBoard        string
	BufferSize          int
	// WaitForSubscriptions holds the producer at a date boundary until something is subscribed.
	WaitForSubscriptions bool
}

func (s Settings) withDefaults() Settings {
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = time.Minute
	}
	if s.BufferSize <= 0 {
		s.BufferSize = 1024
	}
	if s.DefaultBoard == "" {
		s.DefaultBoard = "EMU"
	}
	return s
}

// window returns the replay bounds. A stop date at midnight includes that whole day.
func (s Settings) window() (time.Time, time.Time, error) {
	if s.StartDate.IsZero() || s.StopDate.IsZero() {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start and stop dates are required", ErrInvalidWindow)
	}
	stop := s.StopDate
	if stop.Equal(dateOf(stop)) {
		stop = stop.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	if stop.Before(s.StartDate) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: stop %s before start %s", ErrInvalidWindow, s.StopDate, s.StartDate)
	}
	return s.StartDate, stop, nil
}

var transitions = map[models.EmulationState][]models.EmulationState{
	models.EmulationStopped:    {models.EmulationStarting},
	models.EmulationStarting:   {models.EmulationStarted},
	models.EmulationStarted:    {models.EmulationSuspending, models.EmulationStopping},
	models.EmulationSuspending: {models.EmulationSuspended, models.EmulationStopping},
	models.EmulationSuspended:  {models.EmulationStarted, models.EmulationStopping},
	models.EmulationStopping:   {models.EmulationStopped},
}

type subscription struct {
	Security models.SecurityID
	DataType models.DataType
}

type item struct {
	msg       models.Message
	heartbeat bool
}

type Option func(*Scheduler)

func WithCalendar(c Calendar) Option {
	return func(s *Scheduler) { s.calendar = c }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// Scheduler replays stored market data through a handler in chronological order.
// One producer goroutine reads and merges the sources per date; one dispatcher
// goroutine delivers messages and owns every state notification.
type Scheduler struct {
	settings Settings
	storage  Storage
	handler  Handler
	calendar Calendar
	metrics  *metrics.Collector

	mu     sync.Mutex
	state  models.EmulationState
	subs   []subscription
	runID  uuid.UUID
	cancel context.CancelFunc
	done   chan struct{}
	clock  time.Time

	changed chan struct{}
	wake    chan struct{}
	resumed chan struct{}
}

func New(settings Settings, storage Storage, handler Handler, opts ...Option) *Scheduler {
	s := &Scheduler{
		settings: settings.withDefaults(),
		storage:  storage,
		handler:  handler,
		state:    models.EmulationStopped,
		changed:  make(chan struct{}, 1),
		wake:     make(chan struct{}, 1),
		resumed:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) State() models.EmulationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RunID identifies the current or last run.
func (s *Scheduler) RunID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Subscriptions returns the active subscriptions in the order they were made.
func (s *Scheduler) Subscriptions() []models.MarketDataMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.MarketDataMessage, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, models.MarketDataMessage{SecurityID: sub.Security, DataType: sub.DataType, IsSubscribe: true})
	}
	return out
}

// Subscribe adds or removes a replay source. Changes take effect at the next date boundary.
func (s *Scheduler) Subscribe(m *models.MarketDataMessage) error {
	if m.DataType == "" || m.DataType == models.DataTransactions {
		return fmt.Errorf("%w: %q", ErrUnsupportedDataType, m.DataType)
	}
	sub := subscription{Security: m.SecurityID, DataType: m.DataType}

	s.mu.Lock()
	i := slices.Index(s.subs, sub)
	switch {
	case m.IsSubscribe && i < 0:
		s.subs = append(s.subs, sub)
	case !m.IsSubscribe && i >= 0:
		s.subs = slices.Delete(s.subs, i, i+1)
	}
	s.mu.Unlock()

	signal(s.changed)
	return nil
}

// RequestState maps an emulation state request onto Start, Resume, Suspend or Stop.
func (s *Scheduler) RequestState(state models.EmulationState) error {
	switch state {
	case models.EmulationStarting:
		return s.Start(context.Background())
	case models.EmulationStarted:
		return s.Resume()
	case models.EmulationSuspending, models.EmulationSuspended:
		return s.Suspend()
	case models.EmulationStopping, models.EmulationStopped:
		return s.Stop()
	default:
		return fmt.Errorf("%w: %q", ErrIllegalState, state)
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	start, stop, err := s.settings.window()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.EmulationStopped {
		return fmt.Errorf("%w: cannot start while %s", ErrIllegalState, s.state)
	}
	s.setState(models.EmulationStarting)

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.runID = uuid.New()
	s.clock = start
	drain(s.wake)
	drain(s.resumed)

	queue := make(chan item, s.settings.BufferSize)
	go s.produce(ctx, queue, start, stop)
	go s.dispatch(ctx, cancel, queue, s.done)

	log.Info().
		Str("run_id", s.runID.String()).
		Time("start", start).
		Time("stop", stop).
		Msg("replay started")
	return nil
}

// Suspend pauses delivery. Messages already being delivered finish first.
func (s *Scheduler) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.EmulationStarted {
		return fmt.Errorf("%w: cannot suspend while %s", ErrIllegalState, s.state)
	}
	s.setState(models.EmulationSuspending)
	signal(s.wake)
	return nil
}

func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.EmulationSuspended {
		return fmt.Errorf("%w: cannot resume while %s", ErrIllegalState, s.state)
	}
	s.setState(models.EmulationStarted)
	signal(s.resumed)
	return nil
}

// Stop cancels the run. The dispatcher still emits Stopping then Stopped.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case models.EmulationStopped, models.EmulationStopping:
		return fmt.Errorf("%w: cannot stop while %s", ErrIllegalState, s.state)
	}
	s.cancel()
	signal(s.wake)
	return nil
}

// Wait blocks until the current run has emitted Stopped.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// setState panics on a transition the state machine does not allow. Callers hold mu.
func (s *Scheduler) setState(to models.EmulationState) {
	if !slices.Contains(transitions[s.state], to) {
		panic(fmt.Sprintf("replay: illegal state transition %s -> %s", s.state, to))
	}
	s.state = to
}

func (s *Scheduler) advance(to models.EmulationState) {
	s.mu.Lock()
	s.setState(to)
	s.mu.Unlock()
	s.notify(to)
}

func (s *Scheduler) notify(state models.EmulationState) {
	s.mu.Lock()
	msg := &models.EmulationStateMessage{
		Header:    models.Header{ServerTime: s.clock},
		State:     state,
		StartDate: s.settings.StartDate,
		StopDate:  s.settings.StopDate,
	}
	s.mu.Unlock()
	s.handler.Publish(msg)
	s.metrics.Replayed(msg, false)
}

func (s *Scheduler) produce(ctx context.Context, queue chan<- item, start, stop time.Time) {
	defer close(queue)
	for day := dateOf(start); !day.After(stop); day = day.AddDate(0, 0, 1) {
		subs, ok := s.awaitSubscriptions(ctx)
		if !ok {
			return
		}
		emitted, more := s.replayDay(ctx, queue, day, subs, start, stop)
		if !more {
			return
		}
		if emitted {
			continue
		}
		if !s.heartbeats(ctx, queue, day, subs, start, stop) {
			return
		}
	}
}

func (s *Scheduler) awaitSubscriptions(ctx context.Context) ([]subscription, bool) {
	for {
		s.mu.Lock()
		subs := slices.Clone(s.subs)
		s.mu.Unlock()
		if len(subs) > 0 || !s.settings.WaitForSubscriptions {
			return subs, ctx.Err() == nil
		}
		select {
		case <-s.changed:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// replayDay merges every source of the day. It reports whether anything was emitted
// and whether the run should go on.
func (s *Scheduler) replayDay(ctx context.Context, queue chan<- item, day time.Time, subs []subscription, start, stop time.Time) (bool, bool) {
	if s.storage == nil || len(subs) == 0 {
		return false, true
	}
	sources := make([]*source, 0, len(subs))
	for i, sub := range subs {
		it, err := s.storage.Load(ctx, sub.Security, sub.DataType, day)
		if err != nil {
			if ctx.Err() != nil {
				return false, false
			}
			log.Error().Err(err).
				Str("security", sub.Security.String()).
				Str("data_type", string(sub.DataType)).
				Time("date", day).
				Msg("load replay data")
			continue
		}
		sources = append(sources, &source{it: it, sub: sub, order: i})
	}
	m := newMerger(sources)
	defer m.close()

	emitted := false
	for {
		msg, src, ok := m.next()
		if !ok {
			return emitted, ctx.Err() == nil
		}
		t := msg.Time()
		if t.After(stop) {
			return emitted, false
		}
		if t.Before(start) && src.sub.DataType.IsBookCarrying() {
			continue
		}
		if !enqueue(ctx, queue, item{msg: msg}) {
			return emitted, false
		}
		emitted = true
	}
}

func (s *Scheduler) heartbeats(ctx context.Context, queue chan<- item, day time.Time, subs []subscription, start, stop time.Time) bool {
	codes := boardCodes(subs, s.settings.DefaultBoard)
	boards := make([]models.Board, 0, len(codes))
	for _, code := range codes {
		boards = append(boards, s.board(code))
	}
	for _, t := range heartbeatTimes(boards, day, s.settings.PostTradeHeartbeats, s.settings.HeartbeatInterval) {
		if t.Before(start) {
			continue
		}
		if t.After(stop) {
			return false
		}
		if !enqueue(ctx, queue, item{msg: &models.TimeMessage{Header: models.Header{ServerTime: t}}, heartbeat: true}) {
			return false
		}
	}
	return true
}

func (s *Scheduler) board(code string) models.Board {
	if s.calendar == nil {
		return models.DefaultBoard(code)
	}
	return s.calendar.Board(code)
}

func (s *Scheduler) dispatch(ctx context.Context, cancel context.CancelFunc, queue <-chan item, done chan struct{}) {
	defer close(done)
	s.notify(models.EmulationStarting)
	s.advance(models.EmulationStarted)

	for {
		select {
		case it, ok := <-queue:
			if !ok {
				cancel()
				s.finish()
				return
			}
			if ctx.Err() != nil {
				continue
			}
			s.gate(ctx)
			if ctx.Err() != nil {
				continue
			}
			s.deliver(it)
		case <-s.wake:
			s.gate(ctx)
		}
	}
}

// gate completes a pending suspension and blocks until resumed or cancelled.
func (s *Scheduler) gate(ctx context.Context) {
	s.mu.Lock()
	suspending := s.state == models.EmulationSuspending
	s.mu.Unlock()
	if !suspending || ctx.Err() != nil {
		return
	}
	s.notify(models.EmulationSuspending)
	s.advance(models.EmulationSuspended)

	select {
	case <-s.resumed:
		s.notify(models.EmulationStarted)
	case <-ctx.Done():
	}
}

func (s *Scheduler) deliver(it item) {
	t := it.msg.Time()
	s.mu.Lock()
	if t.After(s.clock) {
		s.clock = t
	}
	s.mu.Unlock()
	s.handler.SendInMessage(it.msg)
	s.metrics.Replayed(it.msg, it.heartbeat)
}

func (s *Scheduler) finish() {
	s.advance(models.EmulationStopping)
	runID := s.RunID()
	s.advance(models.EmulationStopped)

	log.Info().Str("run_id", runID.String()).Msg("replay stopped")
}

func enqueue(ctx context.Context, queue chan<- item, it item) bool {
	select {
	case queue <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
