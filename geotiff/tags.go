package geotiff

// fieldType is the TIFF data type of an IFD entry.
type fieldType uint16

const (
	BYTE      fieldType = 1
	ASCII     fieldType = 2
	SHORT     fieldType = 3
	LONG      fieldType = 4
	RATIONAL  fieldType = 5
	SBYTE     fieldType = 6
	UNDEFINED fieldType = 7
	SSHORT    fieldType = 8
	SLONG     fieldType = 9
	SRATIONAL fieldType = 10
	FLOAT     fieldType = 11
	DOUBLE    fieldType = 12
	LONG8     fieldType = 16
	SLONG8    fieldType = 17
	IFD8      fieldType = 18
)

const (
	zeroByte  = 0
	oneByte   = 1
	twoByte   = 2
	fourByte  = 4
	eightByte = 8
)

// Header magic.
const (
	littleEndian      = 0x4949 // "II"
	bigEndian         = 0x4D4D // "MM"
	tiffIdentifier    = 42
	bigTiffIdentifier = 43
	bigTiffBytesize   = 8
)

// Baseline, extension and GeoTIFF tags used by the reader and the writer.
const (
	NewSubfileType            Tag = 254
	ImageWidth                Tag = 256
	ImageLength               Tag = 257
	BitsPerSample             Tag = 258
	Compression               Tag = 259
	PhotometricInterpretation Tag = 262
	StripOffsets              Tag = 273
	SamplesPerPixel           Tag = 277
	RowsPerStrip              Tag = 278
	StripByteCounts           Tag = 279
	PlanarConfiguration       Tag = 284
	Predictor                 Tag = 317
	TileWidth                 Tag = 322
	TileLength                Tag = 323
	TileOffsets               Tag = 324
	TileByteCounts            Tag = 325
	SampleFormat              Tag = 339
	ModelPixelScale           Tag = 33550
	ModelTiepoint             Tag = 33922
	ModelTransformation       Tag = 34264
	GeoKeyDirectory           Tag = 34735
	GeoDoubleParams           Tag = 34736
	GeoASCIIParams            Tag = 34737
	GDALMetadata              Tag = 42112
	GDALNoData                Tag = 42113
)

var tagToLabel = map[Tag]string{
	NewSubfileType:            "NewSubfileType",
	ImageWidth:                "ImageWidth",
	ImageLength:               "ImageLength",
	BitsPerSample:             "BitsPerSample",
	Compression:               "Compression",
	PhotometricInterpretation: "PhotometricInterpretation",
	StripOffsets:              "StripOffsets",
	SamplesPerPixel:           "SamplesPerPixel",
	RowsPerStrip:              "RowsPerStrip",
	StripByteCounts:           "StripByteCounts",
	PlanarConfiguration:       "PlanarConfiguration",
	Predictor:                 "Predictor",
	TileWidth:                 "TileWidth",
	TileLength:                "TileLength",
	TileOffsets:               "TileOffsets",
	TileByteCounts:            "TileByteCounts",
	SampleFormat:              "SampleFormat",
	ModelPixelScale:           "ModelPixelScale",
	ModelTiepoint:             "ModelTiepoint",
	ModelTransformation:       "ModelTransformation",
	GeoKeyDirectory:           "GeoKeyDirectory",
	GeoDoubleParams:           "GeoDoubleParams",
	GeoASCIIParams:            "GeoASCIIParams",
	GDALMetadata:              "GDALMetadata",
	GDALNoData:                "GDALNoData",
}

// Compression schemes.
const (
	Uncompressed = 1
	LZW          = 5
	DEFLATE      = 8
	AdobeDEFLATE = 32946
)

// Predictors.
const (
	PredictorNone          = 1
	PredictorHorizontal    = 2
	PredictorFloatingPoint = 3
)

// SampleFormat values.
const (
	SampleFormatUint  = 1
	SampleFormatInt   = 2
	SampleFormatFloat = 3
)

// PlanarConfiguration values.
const (
	PlanarChunky   = 1
	PlanarSeparate = 2
)

const photometricMinIsBlack = 1
