// Package anomaly samples the host's outbound video on a fixed cadence,
// hands frames to an external classifier and raises a high-risk signal
// when the top label lands in a fixed suspicious-category list above a
// score threshold.
package anomaly

import (
	"context"
	"image"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultThreshold is the warning score above which a suspicious label
// raises the high-risk signal.
const DefaultThreshold = 0.6

// DefaultEvery samples one frame out of this many rendered frames.
// Inference is expensive; classifying every frame would starve rendering.
const DefaultEvery = 30

// suspicious is the fixed category list. A label is matched exactly.
var suspicious = map[string]bool{
	"monitor":    true,
	"screen":     true,
	"projector":  true,
	"television": true,
	"laptop":     true,
}

// Result is one classification outcome: the top label with its confidence
// in [0,1].
type Result struct {
	Label string
	Score float64
}

// HighRisk reports whether res crosses the warning threshold. A single
// qualifying frame raises the signal and a single sub-threshold result
// clears it; there is deliberately no smoothing or hysteresis.
func HighRisk(res Result, threshold float64) bool {
	return suspicious[res.Label] && res.Score >= threshold
}

// Detector classifies a single video frame. External collaborator; the
// sampler only forwards its verdicts.
type Detector interface {
	Classify(ctx context.Context, frame image.Image) (Result, error)
}

// Sink receives each sampled result together with the current high-risk
// signal. Called from the sampler's completion goroutine.
type Sink interface {
	Result(res Result, highRisk bool)
}

// NopSink discards results.
type NopSink struct{}

func (NopSink) Result(Result, bool) {}

// Options configures a Sampler.
type Options struct {
	// Every classifies one frame out of this many ticks.
	Every int
	// Threshold is the high-risk score cutoff.
	Threshold float64

	Detector Detector
	Sink     Sink
}

func (o *Options) defaults() {
	if o.Every <= 0 {
		o.Every = DefaultEvery
	}
	if o.Threshold == 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Sink == nil {
		o.Sink = NopSink{}
	}
}

// Sampler maintains the sampling cadence on a logical clock: every Nth
// Tick dispatches one classification. At most one classification is in
// flight; a sampling tick landing while one is running is dropped rather
// than queued, so a slow detector can never build a backlog. Results that
// complete after Close, or after the tick that issued them was superseded,
// are discarded without reaching the sink.
type Sampler struct {
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	ticks     uint64
	seq       uint64
	inflight  bool
	closed    bool
	dropped   uint64
	discarded uint64
}

// NewSampler builds a sampler. Detector is required.
func NewSampler(ctx context.Context, opts Options) *Sampler {
	opts.defaults()
	return &Sampler{
		opts:   opts,
		logger: log.Ctx(ctx).With().Str("component", "anomaly").Logger(),
	}
}

// Tick advances the logical clock by one rendered frame. Returns true when
// this tick dispatched a classification.
func (s *Sampler) Tick(ctx context.Context, frame image.Image) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.ticks++
	if s.ticks%uint64(s.opts.Every) != 0 {
		s.mu.Unlock()
		return false
	}
	if s.inflight {
		s.dropped++
		s.mu.Unlock()
		return false
	}
	s.inflight = true
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	go s.classify(ctx, seq, frame)
	return true
}

func (s *Sampler) classify(ctx context.Context, seq uint64, frame image.Image) {
	res, err := s.opts.Detector.Classify(ctx, frame)
	if err != nil {
		s.logger.Err(err).Msg("classification failed")
		s.complete(seq, Result{}, false)
		return
	}
	s.complete(seq, res, true)
}

func (s *Sampler) complete(seq uint64, res Result, ok bool) {
	s.mu.Lock()
	if s.closed || seq != s.seq {
		s.discarded++
		s.mu.Unlock()
		return
	}
	s.inflight = false
	s.mu.Unlock()

	if !ok {
		return
	}
	s.opts.Sink.Result(res, HighRisk(res, s.opts.Threshold))
}

// Close stops the sampler. An in-flight classification completing later is
// discarded, never delivered.
func (s *Sampler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.seq++
}

// DroppedTicks counts sampling ticks skipped because a classification was
// still in flight.
func (s *Sampler) DroppedTicks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// DiscardedResults counts classifications that completed after Close or
// after their tick was superseded.
func (s *Sampler) DiscardedResults() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}
