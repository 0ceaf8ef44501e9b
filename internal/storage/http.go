package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
)

func openHTTP(ctx context.Context, client *resty.Client, url string) (SizedReaderAt, error) {
	size, err := probeSize(ctx, client, url)
	if err != nil {
		return nil, err
	}

	return &httpReaderAt{client: client, url: url, size: size}, nil
}

// probeSize asks for the asset length with a HEAD request, falling back to a
// one-byte ranged GET for servers that refuse HEAD.
func probeSize(ctx context.Context, client *resty.Client, url string) (int64, error) {
	resp, err := client.R().SetContext(ctx).Head(url)
	if err == nil && !resp.IsError() {
		if size, err := strconv.ParseInt(resp.Header().Get("Content-Length"), 10, 64); err == nil && size > 0 {
			return size, nil
		}
	}

	resp, err = client.R().
		SetContext(ctx).
		SetHeader("Range", "bytes=0-0").
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to probe size of %s: %w", url, err)
	}
	defer resp.RawBody().Close()

	if resp.StatusCode() != http.StatusPartialContent {
		return 0, fmt.Errorf("server does not support range requests for %s: status %d", url, resp.StatusCode())
	}

	// Content-Range: bytes 0-0/12345
	contentRange := resp.Header().Get("Content-Range")
	if idx := strings.LastIndex(contentRange, "/"); idx >= 0 {
		if size, err := strconv.ParseInt(contentRange[idx+1:], 10, 64); err == nil {
			return size, nil
		}
	}

	return 0, fmt.Errorf("failed to determine size of %s from Content-Range %q", url, contentRange)
}

type httpReaderAt struct {
	client *resty.Client
	url    string
	size   int64
}

func (r *httpReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}

	resp, err := r.client.R().
		SetHeader("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)).
		SetDoNotParseResponse(true).
		Get(r.url)
	if err != nil {
		return 0, fmt.Errorf("failed to read range at %d from %s: %w", off, r.url, err)
	}
	defer resp.RawBody().Close()

	if resp.StatusCode() != http.StatusPartialContent && resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("range read at %d from %s: status %d", off, r.url, resp.StatusCode())
	}

	n, err := io.ReadFull(resp.RawBody(), p)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return n, io.EOF
		}
		return n, fmt.Errorf("error reading range body from %s: %w", r.url, err)
	}
	return n, nil
}

func (r *httpReaderAt) Size() int64 { return r.size }

func (r *httpReaderAt) Close() error { return nil }
