package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// AspectRatio は生成画像の縦横比ヒントです。
type AspectRatio string

const (
	AspectSquare    AspectRatio = "1:1"
	AspectLandscape AspectRatio = "4:3"
	AspectPortrait  AspectRatio = "3:4"
	AspectWide      AspectRatio = "16:9"
	AspectTall      AspectRatio = "9:16"
)

// Validate は既知の縦横比かどうかを確認します。空文字は 1:1 とみなします。
func (a AspectRatio) Validate() error {
	switch a {
	case "", AspectSquare, AspectLandscape, AspectPortrait, AspectWide, AspectTall:
		return nil
	}
	return fmt.Errorf("%w: unsupported aspect ratio %q", ErrInvalidRequest, string(a))
}

// OrDefault は空の場合に 1:1 を返します。
func (a AspectRatio) OrDefault() AspectRatio {
	if a == "" {
		return AspectSquare
	}
	return a
}

// ImageRef は base64 エンコード済みの画像データと MIME タイプの組です。
// 値で受け渡すため、呼び出し元のデータとは共有されません。
type ImageRef struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

// NewImageRef は生バイト列から ImageRef を作成します。
func NewImageRef(raw []byte, mimeType string) ImageRef {
	return ImageRef{
		Data:     base64.StdEncoding.EncodeToString(raw),
		MimeType: mimeType,
	}
}

// Validate は base64 として正しく、MIME タイプが宣言されていることを確認します。
func (r ImageRef) Validate() error {
	if strings.TrimSpace(r.MimeType) == "" {
		return fmt.Errorf("%w: image mime type is required", ErrInvalidRequest)
	}
	if r.Data == "" {
		return fmt.Errorf("%w: image data is empty", ErrInvalidRequest)
	}
	if _, err := base64.StdEncoding.DecodeString(r.Data); err != nil {
		return fmt.Errorf("%w: image data is not valid base64: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Bytes は base64 をデコードした生データを返します。
func (r ImageRef) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.Data)
}

// ProviderOptions はプロバイダ固有の設定です。コア側では中身を解釈しません。
type ProviderOptions struct {
	Model        string
	SystemPrompt string
	Seed         *int64 // nil でランダム
}

// GenerationRequest は1回の画像生成要求です。構築後は変更しない前提で扱います。
type GenerationRequest struct {
	Prompt          string
	PrimaryImage    *ImageRef
	AuxiliaryImages []ImageRef
	AspectRatio     AspectRatio
	Provider        ProviderOptions
}

// Validate は送信前の入力制約を検証します。
func (r GenerationRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is empty", ErrInvalidRequest)
	}
	if err := r.AspectRatio.Validate(); err != nil {
		return err
	}
	if r.PrimaryImage != nil {
		if err := r.PrimaryImage.Validate(); err != nil {
			return fmt.Errorf("primary image: %w", err)
		}
	}
	for i, img := range r.AuxiliaryImages {
		if err := img.Validate(); err != nil {
			return fmt.Errorf("auxiliary image %d: %w", i, err)
		}
	}
	return nil
}

// Clone は画像スライスを含めてコピーを作成します。
func (r GenerationRequest) Clone() GenerationRequest {
	out := r
	if r.PrimaryImage != nil {
		img := *r.PrimaryImage
		out.PrimaryImage = &img
	}
	if r.AuxiliaryImages != nil {
		out.AuxiliaryImages = append([]ImageRef(nil), r.AuxiliaryImages...)
	}
	if r.Provider.Seed != nil {
		seed := *r.Provider.Seed
		out.Provider.Seed = &seed
	}
	return out
}

// WithPrimaryImage は主画像だけを差し替えたコピーを返します。
func (r GenerationRequest) WithPrimaryImage(img ImageRef) GenerationRequest {
	out := r.Clone()
	out.PrimaryImage = &img
	return out
}

// GenerationResult は成功した生成要求からのみ作られます。
type GenerationResult struct {
	Image        ImageRef `json:"image"`
	SourcePrompt string   `json:"source_prompt"`
	VideoPrompt  *string  `json:"video_prompt,omitempty"`
}

// Clone は VideoPrompt のポインタを共有しないコピーを返します。
func (r GenerationResult) Clone() GenerationResult {
	out := r
	if r.VideoPrompt != nil {
		vp := *r.VideoPrompt
		out.VideoPrompt = &vp
	}
	return out
}
