package generator

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	"google.golang.org/genai"
)

// --- Mocks ---

type modelCall struct {
	model string
	parts []*genai.Part
	opts  gemini.GenerateOptions
}

// mockModel は Model のテスト用モックなのだ。
type mockModel struct {
	mu           sync.Mutex
	calls        []modelCall
	generateFunc func(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error)
}

func (m *mockModel) GenerateWithParts(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, modelCall{model: model, parts: parts, opts: opts})
	m.mu.Unlock()
	if m.generateFunc != nil {
		return m.generateFunc(ctx, model, parts, opts)
	}
	return imageResponse("image/png", []byte("fake")), nil
}

func (m *mockModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func imageResponse(mime string, data []byte) *gemini.Response {
	return &gemini.Response{
		RawResponse: &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				FinishReason: genai.FinishReasonStop,
				Content: &genai.Content{
					Parts: []*genai.Part{{InlineData: &genai.Blob{MIMEType: mime, Data: data}}},
				},
			}},
		},
	}
}

func textResponse(text string) *gemini.Response {
	return &gemini.Response{
		RawResponse: &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				FinishReason: genai.FinishReasonStop,
				Content:      &genai.Content{Parts: []*genai.Part{{Text: text}}},
			}},
		},
	}
}

// mockReader は remoteio.InputReader を実装するのだ。
type mockReader struct {
	data   map[string][]byte
	opened []string
}

func (m *mockReader) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	m.opened = append(m.opened, uri)
	data, ok := m.data[uri]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockReader) List(ctx context.Context, uri string, fn func(string) error) error {
	return nil
}

// mockHTTPClient は httpkit.ClientInterface を実装します。
type mockHTTPClient struct {
	fetchFunc func(ctx context.Context, url string) ([]byte, error)
	fetched   []string
}

func (m *mockHTTPClient) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	m.fetched = append(m.fetched, url)
	return m.fetchFunc(ctx, url)
}

// インターフェースを満たすための空実装群なのだ
func (m *mockHTTPClient) DoRequest(req *http.Request) ([]byte, error) {
	return nil, nil
}

func (m *mockHTTPClient) FetchAndDecodeJSON(ctx context.Context, url string, v any) error {
	return nil
}

func (m *mockHTTPClient) PostJSONAndFetchBytes(ctx context.Context, url string, data any) ([]byte, error) {
	return nil, nil
}

func (m *mockHTTPClient) PostRawBodyAndFetchBytes(ctx context.Context, url string, body []byte, contentType string) ([]byte, error) {
	return nil, nil
}

type mockCache struct {
	data map[string]any
}

func (m *mockCache) Get(key string) (any, bool) {
	val, ok := m.data[key]
	return val, ok
}

func (m *mockCache) Set(key string, value any, d time.Duration) {
	if m.data == nil {
		m.data = make(map[string]any)
	}
	m.data[key] = value
}
