package batch

import (
	"context"
	"sync"
	"time"

	"github.com/shouni/gemini-scene-kit/pkg/domain"
)

// --- Mocks ---

// fakeGenerator はプロンプトごとに決めた回数だけ失敗してから成功する ImageGenerator です。
type fakeGenerator struct {
	mu       sync.Mutex
	script   map[string][]error
	always   map[string]error
	calls    map[string]int
	requests []domain.GenerationRequest
	hook     func(ctx context.Context, req domain.GenerationRequest) error
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		script: make(map[string][]error),
		always: make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req.Clone())
	n := f.calls[req.Prompt]
	f.calls[req.Prompt]++

	if f.hook != nil {
		if err := f.hook(ctx, req); err != nil {
			return nil, err
		}
	}
	if err, ok := f.always[req.Prompt]; ok {
		return nil, err
	}
	if errs := f.script[req.Prompt]; n < len(errs) {
		return nil, errs[n]
	}
	return &domain.GenerationResult{
		Image:        domain.NewImageRef([]byte("img:"+req.Prompt), "image/png"),
		SourcePrompt: req.Prompt,
	}, nil
}

func (f *fakeGenerator) callsFor(prompt string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[prompt]
}

type fakeDeriver struct {
	mu     sync.Mutex
	text   string
	err    error
	calls  int
	images []domain.ImageRef
}

func (d *fakeDeriver) DeriveVideoPrompt(ctx context.Context, image domain.ImageRef, aux []domain.ImageRef, instruction string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.images = append(d.images, image)
	if d.err != nil {
		return "", d.err
	}
	return d.text + " (" + instruction + ")", nil
}

// sleepRecorder は実際には待たずに待機時間だけを記録します。
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

type spyRecorder struct {
	mu       sync.Mutex
	steps    []string
	retries  []string
	statuses []domain.BatchStatus
}

func (r *spyRecorder) StepFinished(kind, outcome string, attempts int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, outcome)
}

func (r *spyRecorder) RetryScheduled(kind, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, reason)
}

func (r *spyRecorder) BatchFinished(kind string, status domain.BatchStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}
