package generator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shouni/gemini-scene-kit/pkg/domain"
	"github.com/shouni/go-gemini-client/pkg/gemini"
	"google.golang.org/genai"
)

const defaultImageMimeType = "image/png"

// outcomeKind はレスポンスの判別結果です。
type outcomeKind int

const (
	outcomeImage outcomeKind = iota
	outcomeTextOnly
	outcomeEmpty
	outcomeBlocked
)

// responseOutcome はパーツ列を走査した結果を保持します。
type responseOutcome struct {
	kind   outcomeKind
	image  domain.ImageRef
	text   string
	reason string
}

// err は画像以外の判別結果を分類済みエラーに変換します。
func (o responseOutcome) err() error {
	switch o.kind {
	case outcomeImage:
		return nil
	case outcomeBlocked:
		return domain.NewError(domain.KindBlocked, o.reason, nil)
	case outcomeTextOnly:
		return domain.NewError(domain.KindMalformed, fmt.Sprintf("model returned text instead of image: %q", o.text), nil)
	default:
		return domain.NewError(domain.KindMalformed, "no image data found in response", nil)
	}
}

// buildParts は主画像、補助画像、テキストの順でパーツを組み立てます。
func buildParts(prompt string, primary *domain.ImageRef, aux []domain.ImageRef) ([]*genai.Part, error) {
	parts := make([]*genai.Part, 0, len(aux)+2)
	if primary != nil {
		p, err := toPart(*primary)
		if err != nil {
			return nil, fmt.Errorf("primary image: %w", err)
		}
		parts = append(parts, p)
	}
	for i, img := range aux {
		p, err := toPart(img)
		if err != nil {
			return nil, fmt.Errorf("auxiliary image %d: %w", i, err)
		}
		parts = append(parts, p)
	}
	return append(parts, &genai.Part{Text: prompt}), nil
}

func toPart(img domain.ImageRef) (*genai.Part, error) {
	data, err := img.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return &genai.Part{InlineData: &genai.Blob{MIMEType: img.MimeType, Data: data}}, nil
}

// classifyResponse は Gemini のレスポンスを判別します。
// 最初の候補 (Candidate) のみを利用し、最初の画像パーツを採用します。
func classifyResponse(resp *gemini.Response) responseOutcome {
	if resp == nil || resp.RawResponse == nil {
		return responseOutcome{kind: outcomeEmpty}
	}
	raw := resp.RawResponse
	if len(raw.Candidates) == 0 {
		reason := "generation blocked or failed: no candidates"
		if fb := raw.PromptFeedback; fb != nil && string(fb.BlockReason) != "" && string(fb.BlockReason) != "BLOCKED_REASON_UNSPECIFIED" {
			reason = string(fb.BlockReason)
			if fb.BlockReasonMessage != "" {
				reason += ": " + fb.BlockReasonMessage
			}
		}
		return responseOutcome{kind: outcomeBlocked, reason: reason}
	}

	candidate := raw.Candidates[0]
	if abnormalFinish(candidate.FinishReason) {
		reason := string(candidate.FinishReason)
		if candidate.FinishMessage != "" {
			reason += ": " + candidate.FinishMessage
		}
		return responseOutcome{kind: outcomeBlocked, reason: reason}
	}

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			mime := part.InlineData.MIMEType
			if mime == "" {
				mime = defaultImageMimeType
			}
			return responseOutcome{kind: outcomeImage, image: domain.NewImageRef(part.InlineData.Data, mime)}
		}
	}

	if text := candidateText(candidate); text != "" {
		return responseOutcome{kind: outcomeTextOnly, text: text}
	}
	return responseOutcome{kind: outcomeEmpty}
}

func abnormalFinish(r genai.FinishReason) bool {
	return r != "" && r != genai.FinishReasonUnspecified && r != genai.FinishReasonStop
}

// candidateText は思考パーツを除いたテキストを連結します。
func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		sb.WriteString(part.Text)
	}
	return strings.TrimSpace(sb.String())
}

// classifyError は通信エラーを分類済みエラーに変換します。
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var ge *domain.GenerationError
	if errors.As(err, &ge) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &domain.GenerationError{Kind: domain.KindTransport, Err: err}
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &domain.GenerationError{Kind: kindForStatus(apiErr.Code, apiErr.Status), StatusCode: apiErr.Code, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &domain.GenerationError{Kind: kindForStatus(apiErrPtr.Code, apiErrPtr.Status), StatusCode: apiErrPtr.Code, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &domain.GenerationError{Kind: domain.KindTransport, Err: err}
	}

	// ラップされたクライアントのエラーは型を持たないことがあるため文言で判定する
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED"):
		return &domain.GenerationError{Kind: domain.KindRateLimited, Err: err}
	case strings.Contains(msg, "500") || strings.Contains(msg, "503") || strings.Contains(msg, "UNAVAILABLE"):
		return &domain.GenerationError{Kind: domain.KindServerError, Err: err}
	}
	return &domain.GenerationError{Kind: domain.KindTransport, Err: err}
}

func kindForStatus(code int, status string) domain.ErrorKind {
	switch {
	case code == 429 || status == "RESOURCE_EXHAUSTED":
		return domain.KindRateLimited
	case code >= 500:
		return domain.KindServerError
	default:
		return domain.KindTransport
	}
}
