package generator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shouni/gemini-scene-kit/pkg/domain"
	"github.com/shouni/go-http-kit/pkg/httpkit"
	"github.com/shouni/go-remote-io/pkg/remoteio"
)

const cacheKeyImageRef = "image_ref:"

// AssetLoader は参照画像を URL から取得して ImageRef に変換します。
// gs:// は remoteio、http(s) は httpkit 経由で読み込みます。
type AssetLoader struct {
	reader     remoteio.InputReader
	httpClient httpkit.ClientInterface
	cache      ImageCacher
	expiration time.Duration
	checkURL   func(string) (bool, error)
}

// NewAssetLoader は依存関係を注入して AssetLoader を初期化します。
func NewAssetLoader(reader remoteio.InputReader, httpClient httpkit.ClientInterface, cache ImageCacher, cacheTTL time.Duration) (*AssetLoader, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if httpClient == nil {
		return nil, fmt.Errorf("httpClient is required")
	}
	// cache は nil を許容（キャッシュなし動作）

	return &AssetLoader{
		reader:     reader,
		httpClient: httpClient,
		cache:      cache,
		expiration: cacheTTL,
		checkURL:   IsSafeURL,
	}, nil
}

// Load は URI の画像を取得し、MIME タイプを判定して ImageRef を返します。
func (l *AssetLoader) Load(ctx context.Context, uri string) (domain.ImageRef, error) {
	key := cacheKeyImageRef + uri
	if l.cache != nil {
		if val, ok := l.cache.Get(key); ok {
			if ref, ok := val.(domain.ImageRef); ok {
				return ref, nil
			}
			slog.WarnContext(ctx, "キャッシュデータが不正な型です", "uri", uri, "type", fmt.Sprintf("%T", val))
		}
	}

	data, err := l.fetch(ctx, uri)
	if err != nil {
		return domain.ImageRef{}, err
	}

	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return domain.ImageRef{}, fmt.Errorf("%w: %s is not an image (detected %s)", domain.ErrInvalidRequest, uri, mimeType)
	}

	ref := domain.NewImageRef(data, mimeType)
	if l.cache != nil {
		l.cache.Set(key, ref, l.expiration)
	}
	return ref, nil
}

// LoadAll は複数の URI を順に読み込みます。空文字や失敗したものは警告を出してスキップします。
func (l *AssetLoader) LoadAll(ctx context.Context, uris []string) []domain.ImageRef {
	refs := make([]domain.ImageRef, 0, len(uris))
	for i, uri := range uris {
		if uri == "" {
			continue
		}
		ref, err := l.Load(ctx, uri)
		if err != nil {
			slog.WarnContext(ctx, "参照画像の読み込みに失敗しました", "index", i, "uri", uri, "error", err)
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func (l *AssetLoader) fetch(ctx context.Context, uri string) ([]byte, error) {
	if strings.HasPrefix(uri, "gs://") {
		rc, err := l.reader.Open(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("GCSからの読み込みに失敗しました: %w", err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}

	if safe, err := l.checkURL(uri); err != nil || !safe {
		return nil, fmt.Errorf("安全ではないURLが指定されました: %w", err)
	}
	data, err := l.httpClient.FetchBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("参照画像のダウンロードに失敗しました: %w", err)
	}
	return data, nil
}
