package voice

import (
	"context"
	"sync"
)

// MockProvider returns deterministic bytes. It is used when ElevenLabs is not configured
// and in tests.
type MockProvider struct {
	mu    sync.Mutex
	err   error
	empty bool
	calls []TTSRequest
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

// FailWith makes subsequent calls return err. nil restores normal behavior.
func (p *MockProvider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// ReturnEmpty makes subsequent calls succeed with no audio.
func (p *MockProvider) ReturnEmpty(empty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.empty = empty
}

// Calls returns a copy of every request seen so far.
func (p *MockProvider) Calls() []TTSRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TTSRequest(nil), p.calls...)
}

func (p *MockProvider) Synthesize(ctx context.Context, req TTSRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.err != nil {
		return nil, p.err
	}
	if p.empty {
		return nil, nil
	}
	return MockAudio(req.Text), nil
}

// MockAudio is the payload MockProvider produces for text.
func MockAudio(text string) []byte {
	return []byte("mock-audio:" + text)
}
