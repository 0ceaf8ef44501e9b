// Package storage provides ranged read access to raster assets, whether they
// live in S3, behind HTTP, or on the local filesystem. Each extraction opens
// and closes its own handle; the shared clients underneath are a pure
// optimization with no cross-task state.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// SizedReaderAt is a random-access handle to one raster asset.
type SizedReaderAt interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Opener resolves asset URLs to ranged readers by scheme.
type Opener struct {
	s3   *s3Pool
	http *resty.Client
}

func NewOpener(cfg S3Config, timeout time.Duration) *Opener {
	return &Opener{
		s3:   newS3Pool(cfg),
		http: resty.New().SetTimeout(timeout),
	}
}

// Open returns a ranged reader for an s3://, http(s)://, file:// or plain
// path URL.
func (o *Opener) Open(ctx context.Context, rawURL string) (SizedReaderAt, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid asset url %q: %w", rawURL, err)
	}

	switch parsed.Scheme {
	case "s3":
		bucket := parsed.Host
		key := strings.TrimPrefix(parsed.Path, "/")
		return o.s3.open(ctx, bucket, key)
	case "http", "https":
		return openHTTP(ctx, o.http, rawURL)
	case "file":
		return openFile(parsed.Path)
	case "":
		return openFile(rawURL)
	default:
		return nil, fmt.Errorf("unsupported asset url scheme %q in %q", parsed.Scheme, rawURL)
	}
}

type fileReaderAt struct {
	f    *os.File
	size int64
}

func openFile(path string) (SizedReaderAt, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening asset %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat asset %s: %w", path, err)
	}

	return &fileReaderAt{f: f, size: info.Size()}, nil
}

func (r *fileReaderAt) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }
func (r *fileReaderAt) Size() int64                             { return r.size }
func (r *fileReaderAt) Close() error                            { return r.f.Close() }
