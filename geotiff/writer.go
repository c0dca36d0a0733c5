package geotiff

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
)

// bigTIFFThreshold is the estimated file size above which the writer switches
// to BigTIFF on its own.
const bigTIFFThreshold = 3 << 30

// ErrIncomplete is returned by Close when fewer rows than declared were written.
var ErrIncomplete = errors.New("geotiff: incomplete raster")

// WriterOptions describes the raster a Writer produces.
type WriterOptions struct {
	Width, Height, Bands int

	// DataType is one of "float32" (default), "float64", "uint8", "uint16", "int16".
	DataType string
	// Compression is Uncompressed (default) or DEFLATE.
	Compression uint16
	// Predictor is PredictorNone (default), PredictorHorizontal for integer
	// types or PredictorFloatingPoint for float types.
	Predictor uint16

	NoData *float64
	Georef Georef

	// BigTIFF forces the 64-bit layout. It is also chosen when the data may not
	// fit in a classic TIFF.
	BigTIFF bool
}

// Writer streams a band-sequential (planar) GeoTIFF made of one-row strips.
// Rows are written in order: every row of band 1 top to bottom, then band 2,
// and so on. The IFD is written at the end of the file by Close.
type Writer struct {
	opts   WriterOptions
	out    io.WriteSeeker
	closer io.Closer
	bw     *bufio.Writer
	bo     binary.ByteOrder
	big    bool

	format uint16
	bps    int

	pos     uint64
	offsets []uint64
	counts  []uint64
	band    int
	row     int

	raw  []byte
	tmp  []byte
	zbuf bytes.Buffer
	zw   *zlib.Writer
	err  error
}

// Create creates path and returns a Writer owning the file.
func Create(path string, opts WriterOptions) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	w, err := NewWriter(f, opts)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter writes the TIFF header to out and returns a Writer expecting
// Width*Height*Bands samples.
func NewWriter(out io.WriteSeeker, opts WriterOptions) (*Writer, error) {
	if opts.Width <= 0 || opts.Height <= 0 || opts.Bands <= 0 {
		return nil, fmt.Errorf("invalid raster size %dx%dx%d", opts.Width, opts.Height, opts.Bands)
	}
	if opts.DataType == "" {
		opts.DataType = "float32"
	}
	if opts.Compression == 0 {
		opts.Compression = Uncompressed
	}
	if opts.Predictor == 0 {
		opts.Predictor = PredictorNone
	}

	w := &Writer{
		opts: opts,
		out:  out,
		bw:   bufio.NewWriterSize(out, 1<<16),
		bo:   binary.LittleEndian,
	}
	switch opts.DataType {
	case "float32":
		w.format, w.bps = SampleFormatFloat, 4
	case "float64":
		w.format, w.bps = SampleFormatFloat, 8
	case "uint8":
		w.format, w.bps = SampleFormatUint, 1
	case "uint16":
		w.format, w.bps = SampleFormatUint, 2
	case "int16":
		w.format, w.bps = SampleFormatInt, 2
	default:
		return nil, fmt.Errorf("%w: data type %q", ErrUnsupported, opts.DataType)
	}
	switch opts.Compression {
	case Uncompressed:
	case DEFLATE:
		w.zw = zlib.NewWriter(&w.zbuf)
	default:
		return nil, fmt.Errorf("%w: write compression %d", ErrUnsupported, opts.Compression)
	}
	switch {
	case opts.Predictor == PredictorNone:
	case opts.Predictor == PredictorHorizontal && w.format != SampleFormatFloat:
	case opts.Predictor == PredictorFloatingPoint && w.format == SampleFormatFloat:
	default:
		return nil, fmt.Errorf("%w: predictor %d for %s", ErrUnsupported, opts.Predictor, opts.DataType)
	}

	size := uint64(opts.Width) * uint64(opts.Height) * uint64(opts.Bands) * uint64(w.bps)
	w.big = opts.BigTIFF || size > bigTIFFThreshold

	n := opts.Height * opts.Bands
	w.offsets = make([]uint64, 0, n)
	w.counts = make([]uint64, 0, n)
	w.raw = make([]byte, opts.Width*w.bps)
	if opts.Predictor == PredictorFloatingPoint {
		w.tmp = make([]byte, len(w.raw))
	}

	if err := w.writeHeader(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	var hdr []byte
	if w.big {
		hdr = make([]byte, 16)
		copy(hdr, "II")
		w.bo.PutUint16(hdr[2:], bigTiffIdentifier)
		w.bo.PutUint16(hdr[4:], bigTiffBytesize)
		// bytes 6-7 reserved, 8-15 IFD offset patched by Close
	} else {
		hdr = make([]byte, 8)
		copy(hdr, "II")
		w.bo.PutUint16(hdr[2:], tiffIdentifier)
	}
	if _, err := w.bw.Write(hdr); err != nil {
		return fmt.Errorf("failed to write tiff header: %w", err)
	}
	w.pos = uint64(len(hdr))
	return nil
}

// WriteRow appends the next row. len(row) must equal the raster width.
func (w *Writer) WriteRow(row []float64) error {
	if w.err != nil {
		return w.err
	}
	if w.band >= w.opts.Bands {
		return errors.New("geotiff: all rows already written")
	}
	if len(row) != w.opts.Width {
		return fmt.Errorf("row has %d samples, raster width is %d", len(row), w.opts.Width)
	}

	w.encode(row)
	chunk := w.raw
	if w.zw != nil {
		w.zbuf.Reset()
		w.zw.Reset(&w.zbuf)
		if _, err := w.zw.Write(w.raw); err != nil {
			return w.fail(fmt.Errorf("failed to compress row: %w", err))
		}
		if err := w.zw.Close(); err != nil {
			return w.fail(fmt.Errorf("failed to compress row: %w", err))
		}
		chunk = w.zbuf.Bytes()
	}
	if _, err := w.bw.Write(chunk); err != nil {
		return w.fail(fmt.Errorf("failed to write row %d of band %d: %w", w.row, w.band+1, err))
	}
	w.offsets = append(w.offsets, w.pos)
	w.counts = append(w.counts, uint64(len(chunk)))
	w.pos += uint64(len(chunk))

	w.row++
	if w.row == w.opts.Height {
		w.row = 0
		w.band++
	}
	return nil
}

func (w *Writer) fail(err error) error {
	w.err = err
	return err
}

// encode converts row into w.raw and applies the predictor.
func (w *Writer) encode(row []float64) {
	raw, bo := w.raw, w.bo
	for i, v := range row {
		b := raw[i*w.bps:]
		switch w.opts.DataType {
		case "float32":
			bo.PutUint32(b, math.Float32bits(float32(v)))
		case "float64":
			bo.PutUint64(b, math.Float64bits(v))
		case "uint8":
			b[0] = uint8(clampRound(v, 0, math.MaxUint8))
		case "uint16":
			bo.PutUint16(b, uint16(clampRound(v, 0, math.MaxUint16)))
		case "int16":
			bo.PutUint16(b, uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
		}
	}

	n := len(row)
	switch w.opts.Predictor {
	case PredictorHorizontal:
		for i := n - 1; i >= 1; i-- {
			cur, prev := raw[i*w.bps:], raw[(i-1)*w.bps:]
			switch w.bps {
			case 1:
				cur[0] -= prev[0]
			case 2:
				bo.PutUint16(cur, bo.Uint16(cur)-bo.Uint16(prev))
			}
		}
	case PredictorFloatingPoint:
		// byte planes, most significant first, then bytewise differencing
		tmp := w.tmp
		for c := 0; c < n; c++ {
			s := raw[c*w.bps : (c+1)*w.bps]
			for b := 0; b < w.bps; b++ {
				tmp[b*n+c] = s[w.bps-1-b]
			}
		}
		for i := len(tmp) - 1; i >= 1; i-- {
			tmp[i] -= tmp[i-1]
		}
		copy(raw, tmp)
	}
}

func clampRound(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

type ifdField struct {
	tag   Tag
	typ   fieldType
	count uint64
	data  []byte
}

// Close writes the IFD, patches the header and closes the file when the
// Writer owns it. It fails with ErrIncomplete when rows are missing.
func (w *Writer) Close() error {
	err := w.finish()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}
	return err
}

func (w *Writer) finish() error {
	if w.err != nil {
		return w.err
	}
	if w.band < w.opts.Bands {
		return fmt.Errorf("%w: %d of %d rows written", ErrIncomplete,
			w.band*w.opts.Height+w.row, w.opts.Bands*w.opts.Height)
	}

	if w.pos%2 == 1 {
		if err := w.bw.WriteByte(0); err != nil {
			return err
		}
		w.pos++
	}
	if !w.big && w.pos > math.MaxUint32 {
		return fmt.Errorf("raster too large for classic TIFF, use BigTIFF")
	}

	ifdOffset := w.pos
	if err := w.writeIFD(w.fields()); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush tiff: %w", err)
	}

	var patch []byte
	var at int64
	if w.big {
		patch, at = make([]byte, 8), 8
		w.bo.PutUint64(patch, ifdOffset)
	} else {
		patch, at = make([]byte, 4), 4
		w.bo.PutUint32(patch, uint32(ifdOffset))
	}
	if _, err := w.out.Seek(at, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to tiff header: %w", err)
	}
	if _, err := w.out.Write(patch); err != nil {
		return fmt.Errorf("failed to patch tiff header: %w", err)
	}
	return nil
}

func (w *Writer) fields() []ifdField {
	bo := w.bo
	bands := w.opts.Bands
	short := func(tag Tag, vals ...uint16) ifdField {
		b := make([]byte, 2*len(vals))
		for i, v := range vals {
			bo.PutUint16(b[2*i:], v)
		}
		return ifdField{tag: tag, typ: SHORT, count: uint64(len(vals)), data: b}
	}
	long := func(tag Tag, v uint32) ifdField {
		b := make([]byte, 4)
		bo.PutUint32(b, v)
		return ifdField{tag: tag, typ: LONG, count: 1, data: b}
	}
	offsets := func(tag Tag, vals []uint64) ifdField {
		if w.big {
			b := make([]byte, 8*len(vals))
			for i, v := range vals {
				bo.PutUint64(b[8*i:], v)
			}
			return ifdField{tag: tag, typ: LONG8, count: uint64(len(vals)), data: b}
		}
		b := make([]byte, 4*len(vals))
		for i, v := range vals {
			bo.PutUint32(b[4*i:], uint32(v))
		}
		return ifdField{tag: tag, typ: LONG, count: uint64(len(vals)), data: b}
	}
	doubles := func(tag Tag, vals []float64) ifdField {
		b := make([]byte, 8*len(vals))
		for i, v := range vals {
			bo.PutUint64(b[8*i:], math.Float64bits(v))
		}
		return ifdField{tag: tag, typ: DOUBLE, count: uint64(len(vals)), data: b}
	}
	ascii := func(tag Tag, s string) ifdField {
		b := append([]byte(s), 0)
		return ifdField{tag: tag, typ: ASCII, count: uint64(len(b)), data: b}
	}
	repeat := func(v uint16) []uint16 {
		out := make([]uint16, bands)
		for i := range out {
			out[i] = v
		}
		return out
	}

	planar := uint16(PlanarSeparate)
	if bands == 1 {
		planar = PlanarChunky
	}
	fields := []ifdField{
		long(ImageWidth, uint32(w.opts.Width)),
		long(ImageLength, uint32(w.opts.Height)),
		short(BitsPerSample, repeat(uint16(w.bps*8))...),
		short(Compression, w.opts.Compression),
		short(PhotometricInterpretation, photometricMinIsBlack),
		offsets(StripOffsets, w.offsets),
		short(SamplesPerPixel, uint16(bands)),
		long(RowsPerStrip, 1),
		offsets(StripByteCounts, w.counts),
		short(PlanarConfiguration, planar),
		short(SampleFormat, repeat(w.format)...),
	}
	if w.opts.Predictor != PredictorNone {
		fields = append(fields, short(Predictor, w.opts.Predictor))
	}
	gr := w.opts.Georef
	if len(gr.PixelScale) > 0 {
		fields = append(fields, doubles(ModelPixelScale, gr.PixelScale))
	}
	if len(gr.Tiepoint) > 0 {
		fields = append(fields, doubles(ModelTiepoint, gr.Tiepoint))
	}
	if len(gr.Transformation) > 0 {
		fields = append(fields, doubles(ModelTransformation, gr.Transformation))
	}
	if len(gr.GeoKeys) > 0 {
		fields = append(fields, short(GeoKeyDirectory, gr.GeoKeys...))
	}
	if len(gr.GeoDoubles) > 0 {
		fields = append(fields, doubles(GeoDoubleParams, gr.GeoDoubles))
	}
	if gr.GeoASCII != "" {
		fields = append(fields, ascii(GeoASCIIParams, gr.GeoASCII))
	}
	if w.opts.NoData != nil {
		fields = append(fields, ascii(GDALNoData, strconv.FormatFloat(*w.opts.NoData, 'g', -1, 64)))
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })
	return fields
}

// writeIFD writes the directory at w.pos followed by the values that do not
// fit inline.
func (w *Writer) writeIFD(fields []ifdField) error {
	bo := w.bo
	countSize, entrySize, inline := 2, 12, 4
	if w.big {
		countSize, entrySize, inline = 8, 20, 8
	}
	ifdSize := countSize + len(fields)*entrySize + inline
	extraPos := w.pos + uint64(ifdSize)

	ifd := make([]byte, ifdSize)
	var extra bytes.Buffer
	if w.big {
		bo.PutUint64(ifd, uint64(len(fields)))
	} else {
		bo.PutUint16(ifd, uint16(len(fields)))
	}
	for i, f := range fields {
		e := ifd[countSize+i*entrySize:]
		bo.PutUint16(e, uint16(f.tag))
		bo.PutUint16(e[2:], uint16(f.typ))
		val := e[8:]
		if w.big {
			bo.PutUint64(e[4:], f.count)
			val = e[12:]
		} else {
			bo.PutUint32(e[4:], uint32(f.count))
		}
		if len(f.data) <= inline {
			copy(val, f.data)
			continue
		}
		off := extraPos + uint64(extra.Len())
		if w.big {
			bo.PutUint64(val, off)
		} else {
			bo.PutUint32(val, uint32(off))
		}
		extra.Write(f.data)
		if extra.Len()%2 == 1 {
			extra.WriteByte(0)
		}
	}
	// next IFD offset stays zero

	if _, err := w.bw.Write(ifd); err != nil {
		return fmt.Errorf("failed to write IFD: %w", err)
	}
	if _, err := w.bw.Write(extra.Bytes()); err != nil {
		return fmt.Errorf("failed to write IFD values: %w", err)
	}
	w.pos = extraPos + uint64(extra.Len())
	return nil
}

// WriteRaster writes in-memory bands, each row-major with Width*Height
// samples, to path.
func WriteRaster(path string, opts WriterOptions, bands ...[]float64) error {
	opts.Bands = len(bands)
	w, err := Create(path, opts)
	if err != nil {
		return err
	}
	for b, data := range bands {
		if len(data) != opts.Width*opts.Height {
			w.Close()
			return fmt.Errorf("band %d has %d samples, want %d", b+1, len(data), opts.Width*opts.Height)
		}
		for y := 0; y < opts.Height; y++ {
			if err := w.WriteRow(data[y*opts.Width : (y+1)*opts.Width]); err != nil {
				w.Close()
				return err
			}
		}
	}
	return w.Close()
}
