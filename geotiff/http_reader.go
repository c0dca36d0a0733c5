package geotiff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// HTTPRangeReader satisfies io.ReadSeeker and io.ReaderAt for a remote
// raster served with byte range support.
type HTTPRangeReader struct {
	ctx    context.Context
	url    string
	client *http.Client
	size   int64

	// mu protects the offset field for sequential Read/Seek operations.
	mu     sync.Mutex
	offset int64
}

// NewHTTPRangeReader issues a HEAD request to learn the size of url and
// checks that the server accepts range requests. ctx bounds every later
// request made by the reader.
func NewHTTPRangeReader(ctx context.Context, url string, client *http.Client) (*HTTPRangeReader, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create head request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http head request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status for http head request: %s", resp.Status)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return nil, errors.New("server does not accept byte range requests")
	}
	if resp.ContentLength <= 0 {
		return nil, fmt.Errorf("could not determine content length or file is empty")
	}

	return &HTTPRangeReader{
		ctx:    ctx,
		url:    url,
		client: client,
		size:   resp.ContentLength,
	}, nil
}

// Size is the length of the remote file.
func (h *HTTPRangeReader) Size() int64 { return h.size }

// Read performs a sequential read. The lock is held for the whole request.
func (h *HTTPRangeReader) Read(p []byte) (n int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.offset >= h.size {
		return 0, io.EOF
	}

	n, err = h.readAt(p, h.offset)
	if n > 0 {
		h.offset += int64(n)
	}
	return n, err
}

// Seek updates the internal offset for the next sequential Read.
func (h *HTTPRangeReader) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	newOffset, err := seekOffset(h.offset, h.size, offset, whence)
	if err != nil {
		return 0, err
	}
	h.offset = newOffset
	return h.offset, nil
}

// ReadAt implements io.ReaderAt without touching the sequential offset, so
// block fetches may run concurrently.
func (h *HTTPRangeReader) ReadAt(p []byte, off int64) (n int, err error) {
	return h.readAt(p, off)
}

func (h *HTTPRangeReader) readAt(p []byte, off int64) (n int, err error) {
	length, err := clampRange(len(p), off, h.size, "http")
	if err != nil || length == 0 {
		return 0, err
	}

	req, err := http.NewRequestWithContext(h.ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("expected status 206 Partial Content, got: %s", resp.Status)
	}

	n, err = io.ReadFull(resp.Body, p[:length])
	if err == nil && length < int64(len(p)) {
		err = io.EOF
	}
	return n, err
}

// seekOffset resolves a Seek call against the current offset and size.
func seekOffset(cur, size, offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = cur + offset
	case io.SeekEnd:
		newOffset = size + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if newOffset < 0 {
		return 0, errors.New("cannot seek to negative offset")
	}
	return newOffset, nil
}

// clampRange returns how many of want bytes at off can be read from a source
// of the given size; 0 with io.EOF past the end.
func clampRange(want int, off, size int64, kind string) (int64, error) {
	if want == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("%s.readAt: invalid offset %d", kind, off)
	}
	if off >= size {
		return 0, io.EOF
	}
	length := int64(want)
	if off+length > size {
		length = size - off
	}
	return length, nil
}
