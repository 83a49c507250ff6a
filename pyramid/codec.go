package pyramid

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"sort"
	"sync"

	"golang.org/x/image/tiff"

	"github.com/nci/pyramid/utils"
)

// Codec encodes and decodes tile images of one format.
type Codec interface {
	Encode(w io.Writer, img image.Image) error
	Decode(r io.Reader) (image.Image, error)
	// Extension is the file suffix used by file based stores.
	Extension() string
}

const (
	MimePNG     = "image/png"
	MimeJPEG    = "image/jpeg"
	MimeTIFF    = "image/tiff"
	MimeRawZstd = "application/x-raw16+zstd"
	MimeRawLZ4  = "application/x-raw16+lz4"
)

const jpegQuality = 90

// CodecRegistry maps format identifiers to codec constructors. It is
// populated explicitly at startup.
type CodecRegistry struct {
	mu    sync.RWMutex
	ctors map[string]func() Codec
}

func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{ctors: make(map[string]func() Codec)}
}

// DefaultCodecs returns a registry holding every built in codec.
func DefaultCodecs() *CodecRegistry {
	r := NewCodecRegistry()
	r.Register(MimePNG, func() Codec { return pngCodec{} })
	r.Register(MimeJPEG, func() Codec { return jpegCodec{quality: jpegQuality} })
	r.Register(MimeTIFF, func() Codec { return tiffCodec{} })
	r.Register(MimeRawZstd, func() Codec { return rawCodec{compression: compressionZstd} })
	r.Register(MimeRawLZ4, func() Codec { return rawCodec{compression: compressionLZ4} })
	return r
}

func (r *CodecRegistry) Register(format string, ctor func() Codec) {
	r.mu.Lock()
	r.ctors[format] = ctor
	r.mu.Unlock()
}

// Lookup returns a codec for format, or a ValidationError when the format
// has not been registered.
func (r *CodecRegistry) Lookup(format string) (Codec, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[format]
	r.mu.RUnlock()
	if !ok {
		return nil, utils.NewValidationError("unsupported tile format %q, registered formats are %v", format, r.Formats())
	}
	return ctor(), nil
}

func (r *CodecRegistry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k := range r.ctors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// EncodeTile is a helper returning the encoded bytes of img.
func EncodeTile(c Codec, img image.Image) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := c.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("encode tile: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeTile decodes a payload. A nil payload decodes to a nil image.
func DecodeTile(c Codec, payload []byte) (image.Image, error) {
	if payload == nil {
		return nil, nil
	}
	img, err := c.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decode tile: %w", err)
	}
	return img, nil
}

type pngCodec struct{}

func (pngCodec) Encode(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}

func (pngCodec) Decode(r io.Reader) (image.Image, error) { return png.Decode(r) }

func (pngCodec) Extension() string { return "png" }

type jpegCodec struct {
	quality int
}

func (c jpegCodec) Encode(w io.Writer, img image.Image) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: c.quality})
}

func (jpegCodec) Decode(r io.Reader) (image.Image, error) { return jpeg.Decode(r) }

func (jpegCodec) Extension() string { return "jpg" }

type tiffCodec struct{}

func (tiffCodec) Encode(w io.Writer, img image.Image) error {
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

func (tiffCodec) Decode(r io.Reader) (image.Image, error) { return tiff.Decode(r) }

func (tiffCodec) Extension() string { return "tif" }
