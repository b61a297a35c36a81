package artifacts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/minio/minio-go/v7"

	"github.com/pipevane-labs/pipevane/internal/domain"
)

// Preloaded values at or above this size stay in the object store only.
const maxPreloadValueSize = 255

// Prober records bookkeeping info (size, hash, small preloaded values) for
// produced outputs by statting the object store. URIs outside the s3 scheme
// pass through untouched: the orchestrator treats them as opaque.
type Prober struct {
	client *minio.Client
	logger *slog.Logger
}

func NewProber(client *minio.Client, logger *slog.Logger) *Prober {
	return &Prober{client: client, logger: logger}
}

// Probe resolves every output URI into an artifact reference. Probe errors
// degrade to a bare URI reference rather than failing the task: artifact
// bookkeeping is best-effort, the reference itself is what downstream tasks
// consume.
func (p *Prober) Probe(ctx context.Context, outputURIs map[string]string) map[string]domain.ArtifactRef {
	refs := make(map[string]domain.ArtifactRef, len(outputURIs))
	for name, uri := range outputURIs {
		refs[name] = p.probeOne(ctx, uri)
	}
	return refs
}

func (p *Prober) probeOne(ctx context.Context, uri string) domain.ArtifactRef {
	ref := domain.ArtifactRef{URI: uri}
	bucket, key, ok := splitS3URI(uri)
	if !ok || p == nil || p.client == nil {
		return ref
	}
	info, err := p.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("artifact stat failed", "uri", uri, "error", err)
		}
		return ref
	}
	ref.Size = info.Size
	if info.ETag != "" {
		ref.Hash = "etag=" + info.ETag
	}
	if info.Size > 0 && info.Size < maxPreloadValueSize {
		if value, ok := p.preload(ctx, bucket, key, info.Size); ok {
			ref.Value = &value
		}
	}
	return ref
}

func (p *Prober) preload(ctx context.Context, bucket, key string, size int64) (string, bool) {
	obj, err := p.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", false
	}
	defer obj.Close()
	data, err := io.ReadAll(io.LimitReader(obj, size))
	if err != nil {
		return "", false
	}
	return preloadValue(data)
}

// preloadValue accepts any valid UTF-8 content, including text that itself
// contains the replacement rune.
func preloadValue(data []byte) (string, bool) {
	if !utf8.Valid(data) {
		return "", false
	}
	return string(data), true
}

func splitS3URI(uri string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// S3URI builds an s3 scheme URI for the given bucket and key.
func S3URI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, strings.TrimPrefix(key, "/"))
}
