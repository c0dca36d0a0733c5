package geotiff

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// DefaultItemsToPrune is the minimum number of blocks evicted at once.
const DefaultItemsToPrune = 16

// blobSchemes are the URL schemes routed through gocloud.dev/blob. Drivers
// other than file and mem must be linked in by the binary.
var blobSchemes = []string{"s3://", "gs://", "azblob://", "file://", "mem://"}

// Opener opens rasters by source string: http(s) URLs, bucket URLs or local
// paths. Each opened dataset gets its own block cache.
type Opener struct {
	// CacheSize is the decoded block budget per dataset in bytes. Zero keeps
	// two rows of blocks.
	CacheSize    int64
	ItemsToPrune uint32
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

type readSeekerAt interface {
	io.ReadSeeker
	io.ReaderAt
}

// Open opens src. The returned dataset must be closed by the caller.
func (o Opener) Open(ctx context.Context, src string) (*GeoTIFF, error) {
	cacheSize, prune := o.CacheSize, o.ItemsToPrune
	if prune == 0 {
		prune = DefaultItemsToPrune
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var reader readSeekerAt
	var closer io.Closer
	switch {
	case strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://"):
		r, err := NewHTTPRangeReader(ctx, src, o.HTTPClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP reader for %s: %w", src, err)
		}
		reader = r
	case isBlobURL(src):
		bucketURL, key, err := splitBlobURL(src)
		if err != nil {
			return nil, err
		}
		r, err := OpenBlobReader(ctx, bucketURL, key)
		if err != nil {
			return nil, err
		}
		reader, closer = r, r
	default:
		f, err := os.Open(src)
		if err != nil {
			return nil, fmt.Errorf("failed to open raster: %w", err)
		}
		reader, closer = f, f
	}

	g, err := Open(reader, cacheSize, prune)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("failed to open raster %s: %w", src, err)
	}
	g.closer = closer
	logger.Debug("opened raster", "source", src, "width", g.Width(), "height", g.Height(),
		"bands", g.BandCount(), "type", g.DataType(), "tiled", g.tiled)
	return g, nil
}

func isBlobURL(src string) bool {
	for _, s := range blobSchemes {
		if strings.HasPrefix(src, s) {
			return true
		}
	}
	return false
}

// splitBlobURL turns "gs://bucket/dir/x.tif" into ("gs://bucket", "dir/x.tif")
// and "file:///data/x.tif" into ("file:///data", "x.tif"). Query parameters
// stay on the bucket URL.
func splitBlobURL(src string) (bucketURL, key string, err error) {
	query := ""
	if i := strings.IndexByte(src, '?'); i >= 0 {
		src, query = src[:i], src[i:]
	}
	scheme, rest, _ := strings.Cut(src, "://")
	if scheme == "file" {
		i := strings.LastIndexByte(rest, '/')
		if i < 0 || i == len(rest)-1 {
			return "", "", fmt.Errorf("invalid file URL %q", src)
		}
		dir := rest[:i]
		if dir == "" {
			dir = "/"
		}
		return "file://" + dir + query, rest[i+1:], nil
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid bucket URL %q, want %s://bucket/key", src, scheme)
	}
	return scheme + "://" + bucket + query, key, nil
}
