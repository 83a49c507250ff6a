package pyramid

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// The raw16 format stores one band of packed 16 bits samples. Layout:
// magic "PR16", one compression byte, big endian uint32 width and height,
// then the compressed big endian samples in row major order.

var rawMagic = [4]byte{'P', 'R', '1', '6'}

const rawHeaderSize = 4 + 1 + 4 + 4

type compressionTag uint8

const (
	compressionNone compressionTag = iota
	compressionZstd
	compressionLZ4
)

func (c compressionTag) String() string {
	switch c {
	case compressionNone:
		return "none"
	case compressionZstd:
		return "zstd"
	case compressionLZ4:
		return "lz4"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("pyramid: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("pyramid: zstd decoder initialization failed: " + err.Error())
	}
}

type rawCodec struct {
	compression compressionTag
}

func (rawCodec) Extension() string { return "r16" }

func (c rawCodec) Encode(w io.Writer, img image.Image) error {
	gray := toGray16(img)
	b := gray.Bounds()
	width, height := b.Dx(), b.Dy()

	samples := make([]byte, 0, width*height*2)
	for y := 0; y < height; y++ {
		off := y * gray.Stride
		samples = append(samples, gray.Pix[off:off+width*2]...)
	}

	tag := c.compression
	var payload []byte
	switch tag {
	case compressionZstd:
		payload = zstdEncoder.EncodeAll(samples, nil)
	case compressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(samples)))
		n, err := lz4.CompressBlock(samples, dst, nil)
		if err != nil {
			return fmt.Errorf("lz4 compress: %w", err)
		}
		// zero means incompressible
		if n == 0 || n >= len(samples) {
			tag, payload = compressionNone, samples
		} else {
			payload = dst[:n]
		}
	default:
		payload = samples
	}

	var header [rawHeaderSize]byte
	copy(header[:4], rawMagic[:])
	header[4] = byte(tag)
	binary.BigEndian.PutUint32(header[5:9], uint32(width))
	binary.BigEndian.PutUint32(header[9:13], uint32(height))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func (rawCodec) Decode(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < rawHeaderSize || [4]byte(data[:4]) != rawMagic {
		return nil, fmt.Errorf("raw16: missing header")
	}
	tag := compressionTag(data[4])
	width := int(binary.BigEndian.Uint32(data[5:9]))
	height := int(binary.BigEndian.Uint32(data[9:13]))
	size := width * height * 2
	payload := data[rawHeaderSize:]

	var samples []byte
	switch tag {
	case compressionNone:
		samples = payload
	case compressionZstd:
		samples, err = zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	case compressionLZ4:
		samples = make([]byte, size)
		n, err := lz4.UncompressBlock(payload, samples)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		samples = samples[:n]
	default:
		return nil, fmt.Errorf("raw16: unsupported %v", tag)
	}
	if len(samples) != size {
		return nil, fmt.Errorf("raw16: got %d bytes of samples, expected %d", len(samples), size)
	}

	img := image.NewGray16(image.Rect(0, 0, width, height))
	copy(img.Pix, samples)
	return img, nil
}

// toGray16 returns img as a zero based Gray16, converting it when
// needed.
func toGray16(img image.Image) *image.Gray16 {
	if g, ok := img.(*image.Gray16); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	g := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Rect, img, b.Min, draw.Src)
	return g
}
