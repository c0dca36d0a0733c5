package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/image/tiff/lzw"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrOutOfRange is returned when a row or band outside the raster is requested.
	ErrOutOfRange = errors.New("geotiff: out of range")
	// ErrUnsupported is returned for valid TIFF features this reader does not decode.
	ErrUnsupported = errors.New("geotiff: unsupported")
)

// blockTTL is how long a decoded block stays in the cache when not evicted by size.
const blockTTL = 10 * time.Minute

// head represents the TIFF file header information
type head struct {
	byteOrder binary.ByteOrder // Byte order (little endian or big endian)
	isBigTIFF bool             // Whether this is a BigTIFF file format
	ifdOffset uint64           // Offset to the first Image File Directory (IFD)
}

// iFDEntry represents a single entry in an Image File Directory (IFD)
type iFDEntry struct {
	Tag         Tag       // TIFF tag identifier
	FType       fieldType // Data type of the field
	Count       uint64    // Number of values of the specified type
	ValueOffset uint64    // Offset to the value data, or the value itself if it fits inline
	ValueBytes  []byte    // Inline value data for small values
}

// tagData holds the parsed data for a TIFF tag in various typed formats
type tagData struct {
	fType      fieldType // The field type of this tag data
	length     uint32    // Number of elements in the data
	byteData   []uint8   // Raw byte data (BYTE type)
	asciiData  string    // String data (ASCII type)
	shortData  []uint16  // 16-bit unsigned integer data (SHORT type)
	longData   []uint32  // 32-bit unsigned integer data (LONG type)
	floatData  []float32 // 32-bit floating point data (FLOAT type)
	doubleData []float64 // 64-bit floating point data (DOUBLE type)
	uint64Data []uint64  // 64-bit unsigned integer data (LONG8/IFD8 types)
}

type Tags map[Tag]tagData

// GeoTIFF is an opened raster dataset. Samples are exposed band by band and
// row by row; the whole image is never materialised.
type GeoTIFF struct {
	// reader is the underlying source. It must also implement io.ReaderAt,
	// blocks are fetched with stateless ReadAt calls.
	reader io.ReadSeeker
	// closer releases reader, nil when the caller owns it.
	closer io.Closer

	byteOrder binary.ByteOrder
	tags      Tags
	isBigTIFF bool

	imageWidth  uint32
	imageLength uint32

	// A block is either a tile or a strip. Strips are blocks as wide as the
	// image.
	tiled           bool
	blockWidth      uint32
	blockLength     uint32
	blockOffsets    []uint64
	blockByteCounts []uint64
	blocksAcross    int
	blocksDown      int

	samplesPerPixel uint16
	bitsPerSample   uint16
	sampleFormat    uint16
	compression     uint16
	predictor       uint16
	planar          uint16

	noData    float64
	hasNoData bool

	georef Georef

	// blockCache holds decoded blocks so that rows sharing a strip or a tile
	// row are decoded once. It is bounded in bytes, never below one row of
	// blocks, so a top to bottom scan holds O(width) samples.
	blockCache *ccache.Cache[block]

	// inflight ensures a block is fetched and decoded by a single goroutine
	// when several readers hit it at the same time.
	inflight singleflight.Group
}

type Tag uint16

// fieldTypeLen is the length of every field type in bytes
var fieldTypeLen = [...]uint32{
	zeroByte, oneByte, oneByte, twoByte, // 0-3
	fourByte, eightByte, oneByte, oneByte, // 4-7
	twoByte, fourByte, eightByte, fourByte, // 8-11
	eightByte, // 12 (DOUBLE)
	0, 0, 0,   // 13-15 (Reserved)
	eightByte, eightByte, eightByte, // 16-18 (LONG8, SLONG8, IFD8)
}

var fieldTypeToLabel = map[fieldType]string{
	BYTE:      "BYTE",
	ASCII:     "ASCII",
	SHORT:     "SHORT",
	LONG:      "LONG",
	RATIONAL:  "RATIONAL",
	SBYTE:     "SBYTE",
	UNDEFINED: "UNDEFINED",
	SSHORT:    "SSHORT",
	SLONG:     "SLONG",
	SRATIONAL: "SRATIONAL",
	FLOAT:     "FLOAT",
	DOUBLE:    "DOUBLE",
	LONG8:     "LONG8",
	SLONG8:    "SLONG8",
	IFD8:      "IFD8",
}

func (f fieldType) String() string {
	v, ok := fieldTypeToLabel[f]
	if !ok {
		return fmt.Sprintf("unrecognized field type %d", f)
	}
	return v
}

// bytes returns the number of bytes in each data type
//
// returns 0 if unrecognized
func (f fieldType) bytes() uint32 {
	if f == 0 || int(f) >= len(fieldTypeLen) {
		return fieldTypeLen[0]
	}
	return fieldTypeLen[int(f)]
}

func (t Tag) String() string {
	v, ok := tagToLabel[t]
	if !ok {
		return fmt.Sprintf("%d", t)
	}
	return v
}

// block is a decoded block, sized in bytes for the cache.
type block []float64

func (b block) Size() int64 { return int64(len(b)) * 8 }

// Open parses the first image of a TIFF/GeoTIFF from r. cacheSize is the
// decoded block budget in bytes, two rows of blocks when <= 0, and never
// less than one row of blocks. itemsToPrune is the minimum number of blocks
// dropped when the budget is exceeded. r must implement io.ReaderAt. The
// caller keeps ownership of r.
func Open(r io.ReadSeeker, cacheSize int64, itemsToPrune uint32) (*GeoTIFF, error) {
	gTags, header, err := readTags(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff tags: %w", err)
	}

	g := &GeoTIFF{
		reader:    r,
		tags:      gTags,
		byteOrder: header.byteOrder,
		isBigTIFF: header.isBigTIFF,
	}
	if err := g.parseLayout(); err != nil {
		return nil, err
	}

	rowBytes := g.blockRowBytes()
	if cacheSize <= 0 {
		cacheSize = 2 * rowBytes
	}
	cacheSize = max(cacheSize, rowBytes)
	g.blockCache = ccache.New(ccache.Configure[block]().MaxSize(cacheSize).ItemsToPrune(itemsToPrune))
	return g, nil
}

// blockRowBytes is the decoded size of one row of blocks across the image,
// for one band when planar.
func (g *GeoTIFF) blockRowBytes() int64 {
	samples := int64(g.blockWidth) * int64(g.blockLength)
	if g.planar == PlanarChunky {
		samples *= int64(g.samplesPerPixel)
	}
	return int64(g.blocksAcross) * samples * 8
}

func (g *GeoTIFF) parseLayout() error {
	if width, ok := g.getUint(ImageWidth); ok {
		g.imageWidth = uint32(width)
	} else {
		return errors.New("missing or invalid tag: ImageWidth")
	}
	if length, ok := g.getUint(ImageLength); ok {
		g.imageLength = uint32(length)
	} else {
		return errors.New("missing or invalid tag: ImageLength")
	}
	if g.imageWidth == 0 || g.imageLength == 0 {
		return fmt.Errorf("empty image %dx%d", g.imageWidth, g.imageLength)
	}

	g.samplesPerPixel = uint16(g.getUintDefault(SamplesPerPixel, 1))
	if g.samplesPerPixel == 0 {
		return errors.New("invalid tag: SamplesPerPixel is 0")
	}
	bps, err := g.uniformShort(BitsPerSample, 1)
	if err != nil {
		return err
	}
	g.bitsPerSample = bps
	sf, err := g.uniformShort(SampleFormat, SampleFormatUint)
	if err != nil {
		return err
	}
	g.sampleFormat = sf
	if _, err := sampleConverter(binary.LittleEndian, g.sampleFormat, g.bitsPerSample); err != nil {
		return err
	}

	g.compression = uint16(g.getUintDefault(Compression, Uncompressed))
	switch g.compression {
	case Uncompressed, LZW, DEFLATE, AdobeDEFLATE:
	default:
		return fmt.Errorf("%w: compression %d", ErrUnsupported, g.compression)
	}
	g.predictor = uint16(g.getUintDefault(Predictor, PredictorNone))
	switch g.predictor {
	case PredictorNone, PredictorHorizontal, PredictorFloatingPoint:
	default:
		return fmt.Errorf("%w: predictor %d", ErrUnsupported, g.predictor)
	}
	g.planar = uint16(g.getUintDefault(PlanarConfiguration, PlanarChunky))
	if g.planar != PlanarChunky && g.planar != PlanarSeparate {
		return fmt.Errorf("%w: planar configuration %d", ErrUnsupported, g.planar)
	}

	if tWidth, ok := g.getUint(TileWidth); ok {
		g.tiled = true
		g.blockWidth = uint32(tWidth)
		tLength, ok := g.getUint(TileLength)
		if !ok {
			return errors.New("missing or invalid tag: TileLength")
		}
		g.blockLength = uint32(tLength)
		if g.blockOffsets, ok = g.get64bitSlice(TileOffsets); !ok {
			return errors.New("missing or invalid tag: TileOffsets")
		}
		if g.blockByteCounts, ok = g.get64bitSlice(TileByteCounts); !ok {
			return errors.New("missing or invalid tag: TileByteCounts")
		}
	} else {
		g.blockWidth = g.imageWidth
		g.blockLength = uint32(g.getUintDefault(RowsPerStrip, uint64(g.imageLength)))
		if g.blockLength > g.imageLength {
			g.blockLength = g.imageLength
		}
		var ok bool
		if g.blockOffsets, ok = g.get64bitSlice(StripOffsets); !ok {
			return errors.New("missing or invalid tag: StripOffsets")
		}
		if g.blockByteCounts, ok = g.get64bitSlice(StripByteCounts); !ok {
			return errors.New("missing or invalid tag: StripByteCounts")
		}
	}
	if g.blockWidth == 0 || g.blockLength == 0 {
		return fmt.Errorf("invalid block size %dx%d", g.blockWidth, g.blockLength)
	}

	g.blocksAcross = int(g.imageWidth+g.blockWidth-1) / int(g.blockWidth)
	g.blocksDown = int(g.imageLength+g.blockLength-1) / int(g.blockLength)
	want := g.blocksAcross * g.blocksDown
	if g.planar == PlanarSeparate {
		want *= int(g.samplesPerPixel)
	}
	if len(g.blockOffsets) < want || len(g.blockByteCounts) < want {
		return fmt.Errorf("expected %d blocks, found %d offsets and %d byte counts",
			want, len(g.blockOffsets), len(g.blockByteCounts))
	}

	if nd, ok := g.tags[GDALNoData]; ok && nd.fType == ASCII {
		v, err := strconv.ParseFloat(strings.TrimSpace(nd.asciiData), 64)
		if err != nil {
			slog.Debug("ignoring unparsable nodata value", "value", nd.asciiData, "error", err)
		} else {
			g.noData, g.hasNoData = v, true
		}
	}

	g.georef = g.parseGeoref()
	return nil
}

// Close releases the block cache and, when opened through an Opener, the
// underlying source.
func (g *GeoTIFF) Close() error {
	g.blockCache.Stop()
	if g.closer != nil {
		return g.closer.Close()
	}
	return nil
}

// Width is the raster width in pixels.
func (g *GeoTIFF) Width() int { return int(g.imageWidth) }

// Height is the raster height in pixels.
func (g *GeoTIFF) Height() int { return int(g.imageLength) }

// BandCount is the number of samples per pixel.
func (g *GeoTIFF) BandCount() int { return int(g.samplesPerPixel) }

// NoData returns the GDAL nodata value, if the file declares one.
func (g *GeoTIFF) NoData() (float64, bool) { return g.noData, g.hasNoData }

// Georef returns the georeferencing tags of the file.
func (g *GeoTIFF) Georef() Georef { return g.georef }

// DataType describes the stored sample type, e.g. "float32" or "uint16".
func (g *GeoTIFF) DataType() string {
	switch g.sampleFormat {
	case SampleFormatInt:
		return fmt.Sprintf("int%d", g.bitsPerSample)
	case SampleFormatFloat:
		return fmt.Sprintf("float%d", g.bitsPerSample)
	default:
		return fmt.Sprintf("uint%d", g.bitsPerSample)
	}
}

// Band returns band n, numbered from 1 as in GDAL.
func (g *GeoTIFF) Band(n int) (*Band, error) {
	if n < 1 || n > int(g.samplesPerPixel) {
		return nil, fmt.Errorf("%w: band %d not in [1, %d]", ErrOutOfRange, n, g.samplesPerPixel)
	}
	return &Band{g: g, plane: n - 1}, nil
}

// Band is one channel of a GeoTIFF, read row by row.
type Band struct {
	g     *GeoTIFF
	plane int
}

// Number is the 1-based band number.
func (b *Band) Number() int { return b.plane + 1 }

func (b *Band) Width() int { return int(b.g.imageWidth) }

func (b *Band) Height() int { return int(b.g.imageLength) }

func (b *Band) NoData() (float64, bool) { return b.g.NoData() }

func (b *Band) DataType() string { return b.g.DataType() }

// ReadRow returns row y (0 is the top row) as a new slice of Width() samples.
func (b *Band) ReadRow(y int) ([]float64, error) {
	row := make([]float64, b.Width())
	if err := b.ReadRowInto(y, row); err != nil {
		return nil, err
	}
	return row, nil
}

// ReadRowInto reads row y into dst, which must hold at least Width() samples.
// Rows may be read in any order.
func (b *Band) ReadRowInto(y int, dst []float64) error {
	g := b.g
	if y < 0 || y >= int(g.imageLength) {
		return fmt.Errorf("%w: row %d not in [0, %d)", ErrOutOfRange, y, g.imageLength)
	}
	if len(dst) < int(g.imageWidth) {
		return fmt.Errorf("row buffer holds %d samples, need %d", len(dst), g.imageWidth)
	}

	bw, bh := int(g.blockWidth), int(g.blockLength)
	blockRow := y / bh
	inBlock := y % bh

	// Tiles are always padded to full size, the last strip is not.
	rows := bh
	if !g.tiled {
		if rem := int(g.imageLength) - blockRow*bh; rem < rows {
			rows = rem
		}
	}

	stride, sample := 1, 0
	if g.planar == PlanarChunky {
		stride, sample = int(g.samplesPerPixel), b.plane
	}

	for bx := 0; bx < g.blocksAcross; bx++ {
		idx := blockRow*g.blocksAcross + bx
		if g.planar == PlanarSeparate {
			idx += b.plane * g.blocksAcross * g.blocksDown
		}
		data, err := g.block(idx, rows)
		if err != nil {
			return fmt.Errorf("failed to get data for block %d: %w", idx, err)
		}

		x0 := bx * bw
		n := min(bw, int(g.imageWidth)-x0)
		base := inBlock * bw * stride
		for i := 0; i < n; i++ {
			dst[x0+i] = data[base+i*stride+sample]
		}
	}
	return nil
}

// readHeader parses the TIFF file header to determine byte order, file format, and IFD location
func readHeader(r io.Reader) (head, error) {
	var h head

	// Read the first 2 bytes to determine byte order (little or big endian)
	var byteOrderBytes uint16
	if err := binary.Read(r, binary.BigEndian, &byteOrderBytes); err != nil {
		return h, err
	}

	switch byteOrderBytes {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, errors.New("invalid byte order")
	}

	var identifier uint16
	if err := binary.Read(r, h.byteOrder, &identifier); err != nil {
		return h, err
	}

	switch identifier {
	case tiffIdentifier:
		h.isBigTIFF = false
		var offset32 uint32
		if err := binary.Read(r, h.byteOrder, &offset32); err != nil {
			return h, err
		}
		h.ifdOffset = uint64(offset32)
	case bigTiffIdentifier:
		h.isBigTIFF = true

		// bytesize must be 8, followed by a reserved zero
		var bytesize, reserved uint16
		if err := binary.Read(r, h.byteOrder, &bytesize); err != nil {
			return h, err
		}
		if bytesize != bigTiffBytesize {
			return h, errors.New("invalid BigTIFF bytesize")
		}
		if err := binary.Read(r, h.byteOrder, &reserved); err != nil {
			return h, err
		}
		if err := binary.Read(r, h.byteOrder, &h.ifdOffset); err != nil {
			return h, err
		}
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", identifier)
	}
	return h, nil
}

func readTags(r io.ReadSeeker) (Tags, head, error) {
	tags := make(Tags)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, head{}, err
	}
	h, err := readHeader(r)
	if err != nil {
		return nil, h, err
	}

	// Only the first IFD is read: it holds the full-resolution image, the
	// following ones are overviews or masks.
	ifdOffset := h.ifdOffset
	if ifdOffset == 0 {
		return nil, h, errors.New("file contains no IFDs")
	}

	if _, err := r.Seek(int64(ifdOffset), io.SeekStart); err != nil {
		return nil, h, err
	}

	var numEntries uint64
	if h.isBigTIFF {
		if err := binary.Read(r, h.byteOrder, &numEntries); err != nil {
			return nil, h, err
		}
	} else {
		var numEntries16 uint16
		if err := binary.Read(r, h.byteOrder, &numEntries16); err != nil {
			return nil, h, err
		}
		numEntries = uint64(numEntries16)
	}

	entryLen := 12
	if h.isBigTIFF {
		entryLen = 20
	}
	ifdBlock := make([]byte, entryLen*int(numEntries))
	if _, err := io.ReadFull(r, ifdBlock); err != nil {
		return nil, h, fmt.Errorf("failed to read IFD block: %w", err)
	}
	ifdReader := bytes.NewReader(ifdBlock)

	inlineDataSize := uint64(4)
	if h.isBigTIFF {
		inlineDataSize = 8
	}

	for i := uint64(0); i < numEntries; i++ {
		var entry iFDEntry
		var tag, ftype uint16
		binary.Read(ifdReader, h.byteOrder, &tag)
		binary.Read(ifdReader, h.byteOrder, &ftype)
		entry.Tag = Tag(tag)
		entry.FType = fieldType(ftype)
		if entry.FType.bytes() == 0 {
			slog.Debug("skipping tag with unrecognized field type", "tag", entry.Tag, "type", entry.FType)
			ifdReader.Seek(int64(entryLen-4), io.SeekCurrent)
			continue
		}

		offsetBytes := make([]byte, 8)
		if h.isBigTIFF {
			binary.Read(ifdReader, h.byteOrder, &entry.Count)
			ifdReader.Read(offsetBytes)
			entry.ValueOffset = h.byteOrder.Uint64(offsetBytes)
		} else {
			var count32, offset32 uint32
			binary.Read(ifdReader, h.byteOrder, &count32)
			binary.Read(ifdReader, h.byteOrder, &offset32)
			entry.Count = uint64(count32)
			entry.ValueOffset = uint64(offset32)
			// keep the raw 4 bytes for inline values
			h.byteOrder.PutUint32(offsetBytes, offset32)
		}

		if totalBytes := uint64(entry.FType.bytes()) * entry.Count; totalBytes <= inlineDataSize {
			entry.ValueBytes = offsetBytes[:totalBytes]
		}

		tagvalue, err := entry.value(r, h.byteOrder)
		if err != nil {
			return nil, h, fmt.Errorf("tag %s: %w", entry.Tag, err)
		}
		if tagvalue == nil {
			continue
		}
		tags[entry.Tag] = *tagvalue
	}

	return tags, h, nil
}

// value decodes the entry payload. It returns nil, nil for field types the
// reader has no use for (rationals, signed scalars).
func (ifd *iFDEntry) value(r io.ReadSeeker, byteOrder binary.ByteOrder) (*tagData, error) {
	switch ifd.FType {
	case BYTE, ASCII, SHORT, LONG, FLOAT, DOUBLE, LONG8, IFD8:
	default:
		return nil, nil
	}

	t := tagData{fType: ifd.FType, length: uint32(ifd.Count)}
	var reader io.Reader
	if len(ifd.ValueBytes) > 0 || ifd.Count == 0 {
		reader = bytes.NewReader(ifd.ValueBytes)
	} else {
		readerAt, ok := r.(io.ReaderAt)
		if !ok {
			return nil, errors.New("reader does not implement io.ReaderAt")
		}
		reader = io.NewSectionReader(readerAt, int64(ifd.ValueOffset), int64(ifd.FType.bytes())*int64(ifd.Count))
	}
	switch ifd.FType {
	case BYTE:
		t.byteData = make([]uint8, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.byteData); err != nil {
			return nil, err
		}
	case ASCII:
		p := make([]uint8, ifd.Count)
		if err := binary.Read(reader, byteOrder, p); err != nil {
			return nil, err
		}
		t.asciiData = string(bytes.Trim(p, "\x00"))
	case SHORT:
		t.shortData = make([]uint16, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.shortData); err != nil {
			return nil, err
		}
	case LONG:
		t.longData = make([]uint32, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.longData); err != nil {
			return nil, err
		}
	case FLOAT:
		t.floatData = make([]float32, ifd.Count)
		if err := binary.Read(reader, byteOrder, t.floatData); err != nil {
			return nil, err
		}
	case DOUBLE:
		t.doubleData = make([]float64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.doubleData); err != nil {
			return nil, err
		}
	case LONG8, IFD8:
		t.uint64Data = make([]uint64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.uint64Data); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// block returns decoded block idx holding rows rows, from the cache when possible.
func (g *GeoTIFF) block(idx, rows int) ([]float64, error) {
	key := strconv.Itoa(idx)
	item := g.blockCache.Get(key)
	if item != nil && !item.Expired() {
		return item.Value(), nil
	}

	v, err, _ := g.inflight.Do(key, func() (interface{}, error) {
		raw, err := g.fetchAndDecompressBlock(idx)
		if err != nil {
			return nil, err
		}
		data, err := g.decodeBlock(raw, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to decode block %d: %w", idx, err)
		}
		g.blockCache.Set(key, data, blockTTL)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

// fetchAndDecompressBlock performs the I/O to read and decompress one block.
// A zero byte count marks a sparse block, returned as nil.
func (g *GeoTIFF) fetchAndDecompressBlock(idx int) ([]byte, error) {
	if idx >= len(g.blockOffsets) {
		return nil, fmt.Errorf("%w: block index %d", ErrOutOfRange, idx)
	}

	offset := g.blockOffsets[idx]
	byteCount := g.blockByteCounts[idx]
	if byteCount == 0 {
		return nil, nil
	}
	blockBytes := make([]byte, byteCount)

	readerAt, ok := g.reader.(io.ReaderAt)
	if !ok {
		return nil, errors.New("reader does not support ReadAt for block fetching")
	}
	if _, err := readerAt.ReadAt(blockBytes, int64(offset)); err != nil {
		return nil, fmt.Errorf("failed to read block %d from source: %w", idx, err)
	}

	switch g.compression {
	case Uncompressed:
		return blockBytes, nil
	case DEFLATE, AdobeDEFLATE:
		z, err := zlib.NewReader(bytes.NewReader(blockBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader for block: %w", err)
		}
		defer z.Close()
		out, err := io.ReadAll(z)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress block data: %w", err)
		}
		return out, nil
	case LZW:
		lr := lzw.NewReader(bytes.NewReader(blockBytes), lzw.MSB, 8)
		defer lr.Close()
		out, err := io.ReadAll(lr)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress lzw block data: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: compression %d", ErrUnsupported, g.compression)
	}
}

// decodeBlock undoes the predictor and converts raw samples to float64.
func (g *GeoTIFF) decodeBlock(raw []byte, rows int) ([]float64, error) {
	stride := 1
	if g.planar == PlanarChunky {
		stride = int(g.samplesPerPixel)
	}
	rowSamples := int(g.blockWidth) * stride
	n := rowSamples * rows
	out := make([]float64, n)

	if raw == nil {
		if g.hasNoData {
			for i := range out {
				out[i] = g.noData
			}
		}
		return out, nil
	}

	bps := int(g.bitsPerSample) / 8
	if len(raw) < n*bps {
		return nil, fmt.Errorf("short block: %d bytes, need %d", len(raw), n*bps)
	}
	raw = raw[:n*bps]

	order := g.byteOrder
	switch g.predictor {
	case PredictorHorizontal:
		undoHorizontalPrediction(raw, order, bps, rowSamples, stride, rows)
	case PredictorFloatingPoint:
		undoFloatingPointPrediction(raw, bps, rowSamples, stride, rows)
		// the byte un-shuffle leaves samples most significant byte first
		order = binary.BigEndian
	}

	conv, err := sampleConverter(order, g.sampleFormat, g.bitsPerSample)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i] = conv(raw[i*bps:])
	}
	return out, nil
}

// sampleConverter returns a function decoding one sample from the head of a byte slice.
func sampleConverter(order binary.ByteOrder, format, bits uint16) (func([]byte) float64, error) {
	switch format {
	case SampleFormatUint:
		switch bits {
		case 8:
			return func(b []byte) float64 { return float64(b[0]) }, nil
		case 16:
			return func(b []byte) float64 { return float64(order.Uint16(b)) }, nil
		case 32:
			return func(b []byte) float64 { return float64(order.Uint32(b)) }, nil
		case 64:
			return func(b []byte) float64 { return float64(order.Uint64(b)) }, nil
		}
	case SampleFormatInt:
		switch bits {
		case 8:
			return func(b []byte) float64 { return float64(int8(b[0])) }, nil
		case 16:
			return func(b []byte) float64 { return float64(int16(order.Uint16(b))) }, nil
		case 32:
			return func(b []byte) float64 { return float64(int32(order.Uint32(b))) }, nil
		case 64:
			return func(b []byte) float64 { return float64(int64(order.Uint64(b))) }, nil
		}
	case SampleFormatFloat:
		switch bits {
		case 32:
			return func(b []byte) float64 { return float64(math.Float32frombits(order.Uint32(b))) }, nil
		case 64:
			return func(b []byte) float64 { return math.Float64frombits(order.Uint64(b)) }, nil
		}
	}
	return nil, fmt.Errorf("%w: sample format %d with %d bits per sample", ErrUnsupported, format, bits)
}

// undoHorizontalPrediction reverses horizontal differencing in place. Each row
// holds rowSamples samples of bps bytes; stride is the samples per pixel.
// Additions wrap at the sample width as the encoder's subtractions did.
func undoHorizontalPrediction(data []byte, order binary.ByteOrder, bps, rowSamples, stride, rows int) {
	rowBytes := rowSamples * bps
	for r := 0; r < rows; r++ {
		row := data[r*rowBytes : (r+1)*rowBytes]
		for i := stride; i < rowSamples; i++ {
			cur, prev := row[i*bps:], row[(i-stride)*bps:]
			switch bps {
			case 1:
				cur[0] += prev[0]
			case 2:
				order.PutUint16(cur, order.Uint16(cur)+order.Uint16(prev))
			case 4:
				order.PutUint32(cur, order.Uint32(cur)+order.Uint32(prev))
			case 8:
				order.PutUint64(cur, order.Uint64(cur)+order.Uint64(prev))
			}
		}
	}
}

// undoFloatingPointPrediction reverses the floating point predictor in place:
// bytewise differencing followed by the byte-plane shuffle. Samples come out
// big-endian whatever the file byte order.
func undoFloatingPointPrediction(data []byte, bps, rowSamples, stride, rows int) {
	rowBytes := rowSamples * bps
	tmp := make([]byte, rowBytes)
	for r := 0; r < rows; r++ {
		row := data[r*rowBytes : (r+1)*rowBytes]
		for i := stride; i < rowBytes; i++ {
			row[i] += row[i-stride]
		}
		copy(tmp, row)
		for c := 0; c < rowSamples; c++ {
			for b := 0; b < bps; b++ {
				row[bps*c+b] = tmp[b*rowSamples+c]
			}
		}
	}
}

func (g *GeoTIFF) getUint(tag Tag) (uint64, bool) {
	t, ok := g.tags[tag]
	if !ok {
		return 0, false
	}
	if t.fType == SHORT && len(t.shortData) > 0 {
		return uint64(t.shortData[0]), true
	}
	if t.fType == LONG && len(t.longData) > 0 {
		return uint64(t.longData[0]), true
	}
	if (t.fType == LONG8 || t.fType == IFD8) && len(t.uint64Data) > 0 {
		return t.uint64Data[0], true
	}
	return 0, false
}

func (g *GeoTIFF) getUintDefault(tag Tag, def uint64) uint64 {
	if v, ok := g.getUint(tag); ok {
		return v
	}
	return def
}

// uniformShort reads a per-sample SHORT tag and requires every sample to
// share the same value.
func (g *GeoTIFF) uniformShort(tag Tag, def uint16) (uint16, error) {
	t, ok := g.tags[tag]
	if !ok {
		return def, nil
	}
	if t.fType != SHORT || len(t.shortData) == 0 {
		return 0, fmt.Errorf("invalid tag: %s", tag)
	}
	for _, v := range t.shortData[1:] {
		if v != t.shortData[0] {
			return 0, fmt.Errorf("%w: %s differs between samples", ErrUnsupported, tag)
		}
	}
	return t.shortData[0], nil
}

func (g *GeoTIFF) getShorts(tag Tag) ([]uint16, bool) {
	t, ok := g.tags[tag]
	if !ok || t.fType != SHORT {
		return nil, false
	}
	return t.shortData, true
}

func (g *GeoTIFF) get64bitSlice(tag Tag) ([]uint64, bool) {
	t, ok := g.tags[tag]
	if !ok {
		return nil, false
	}
	switch t.fType {
	case LONG8, IFD8:
		return t.uint64Data, true
	case LONG:
		res := make([]uint64, len(t.longData))
		for i, v := range t.longData {
			res[i] = uint64(v)
		}
		return res, true
	case SHORT:
		res := make([]uint64, len(t.shortData))
		for i, v := range t.shortData {
			res[i] = uint64(v)
		}
		return res, true
	}
	return nil, false
}

func (td tagData) doubleDataValue() ([]float64, bool) {
	if td.fType == DOUBLE {
		return td.doubleData, true
	}
	return nil, false
}
