package anomaly

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"
)

type stubDetector struct {
	mu      sync.Mutex
	results []Result
	calls   int
	done    chan struct{} // signalled after each classification
	block   chan struct{} // when non-nil, Classify waits on it
}

func (d *stubDetector) Classify(context.Context, image.Image) (Result, error) {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	res := Result{Label: "person", Score: 0.9}
	if d.calls < len(d.results) {
		res = d.results[d.calls]
	}
	d.calls++
	d.mu.Unlock()
	if d.done != nil {
		d.done <- struct{}{}
	}
	return res, nil
}

func (d *stubDetector) classified() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recordSink struct {
	mu      sync.Mutex
	results []Result
	highs   []bool
}

func (s *recordSink) Result(res Result, high bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	s.highs = append(s.highs, high)
}

func (s *recordSink) recorded() ([]Result, []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results...), append([]bool(nil), s.highs...)
}

var frame = image.NewRGBA(image.Rect(0, 0, 2, 2))

// tickAndWait advances the clock once and, when the tick sampled, waits
// until the classification has fully settled so the cadence count is
// exact and the next tick is never dropped by the in-flight guard.
func tickAndWait(t *testing.T, s *Sampler, det *stubDetector) {
	t.Helper()
	if !s.Tick(context.Background(), frame) {
		return
	}
	select {
	case <-det.done:
	case <-time.After(2 * time.Second):
		t.Fatal("classification never completed")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		settled := !s.inflight
		s.mu.Unlock()
		if settled {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("classification result never applied")
}

func TestSamplingCadence(t *testing.T) {
	for _, tc := range []struct {
		every, ticks, want int
	}{
		{every: 3, ticks: 10, want: 3},
		{every: 1, ticks: 5, want: 5},
		{every: 4, ticks: 3, want: 0},
	} {
		det := &stubDetector{done: make(chan struct{}, 1)}
		s := NewSampler(context.Background(), Options{Every: tc.every, Detector: det})

		for i := 0; i < tc.ticks; i++ {
			tickAndWait(t, s, det)
		}
		if got := det.classified(); got != tc.want {
			t.Errorf("every=%d ticks=%d: %d classifications, want %d", tc.every, tc.ticks, got, tc.want)
		}
	}
}

func TestHighRiskFollowsThresholdWithoutDebounce(t *testing.T) {
	det := &stubDetector{
		done: make(chan struct{}, 1),
		results: []Result{
			{Label: "person", Score: 0.99},
			{Label: "monitor", Score: 0.61},
			{Label: "monitor", Score: 0.59},
			{Label: "laptop", Score: 0.60},
		},
	}
	sink := &recordSink{}
	s := NewSampler(context.Background(), Options{Every: 1, Threshold: 0.6, Detector: det, Sink: sink})

	for i := 0; i < 4; i++ {
		tickAndWait(t, s, det)
	}

	_, highs := sink.recorded()
	want := []bool{false, true, false, true}
	if len(highs) != len(want) {
		t.Fatalf("got %d results, want %d", len(highs), len(want))
	}
	for i := range want {
		if highs[i] != want[i] {
			t.Fatalf("result %d: high = %v, want %v", i, highs[i], want[i])
		}
	}
}

func TestNonSuspiciousLabelNeverRaises(t *testing.T) {
	for _, res := range []Result{
		{Label: "person", Score: 1.0},
		{Label: "cat", Score: 0.99},
		{Label: "", Score: 1.0},
	} {
		if HighRisk(res, DefaultThreshold) {
			t.Errorf("label %q at %.2f must not be high risk", res.Label, res.Score)
		}
	}
	if !HighRisk(Result{Label: "projector", Score: DefaultThreshold}, DefaultThreshold) {
		t.Error("a suspicious label exactly at the threshold must raise")
	}
}

func TestSlowDetectorDropsTicksInsteadOfQueueing(t *testing.T) {
	det := &stubDetector{block: make(chan struct{}), done: make(chan struct{}, 1)}
	s := NewSampler(context.Background(), Options{Every: 1, Detector: det})

	if !s.Tick(context.Background(), frame) {
		t.Fatal("first tick should sample")
	}
	// Two more sampling ticks land while the first is still in flight.
	s.Tick(context.Background(), frame)
	s.Tick(context.Background(), frame)

	close(det.block)
	<-det.done

	if got := s.DroppedTicks(); got != 2 {
		t.Fatalf("DroppedTicks = %d, want 2", got)
	}
	if got := det.classified(); got != 1 {
		t.Fatalf("classifications = %d, want 1", got)
	}
}

func TestResultAfterCloseIsDiscarded(t *testing.T) {
	det := &stubDetector{block: make(chan struct{}), done: make(chan struct{}, 1)}
	sink := &recordSink{}
	s := NewSampler(context.Background(), Options{Every: 1, Detector: det, Sink: sink})

	if !s.Tick(context.Background(), frame) {
		t.Fatal("tick should sample")
	}
	s.Close()
	close(det.block)
	<-det.done

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.DiscardedResults() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.DiscardedResults(); got != 1 {
		t.Fatalf("DiscardedResults = %d, want 1", got)
	}
	if results, _ := sink.recorded(); len(results) != 0 {
		t.Fatalf("sink received %d results after close, want 0", len(results))
	}
	if s.Tick(context.Background(), frame) {
		t.Fatal("a closed sampler must not sample")
	}
}
