package memory

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Encoding names a text encoding the manager can decode.
type Encoding string

// Supported encodings, in detection order. Latin-1 is the fallback: every
// byte sequence decodes under it, so detection always succeeds.
const (
	EncodingUTF8    Encoding = "utf-8"
	EncodingUTF16LE Encoding = "utf-16le"
	EncodingUTF16BE Encoding = "utf-16be"
	EncodingLatin1  Encoding = "latin-1"
)

// ErrDecode reports content that could not be decoded with the requested
// encoding. Callers should use errors.Is(err, ErrDecode).
var ErrDecode = errors.New("decode failure")

// ErrUnknownEncoding reports an encoding name outside the supported set.
var ErrUnknownEncoding = errors.New("unknown encoding")

// Byte order marks checked before any content heuristics.
var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// ParseEncoding maps a caller-supplied encoding name to an [Encoding].
// An empty name is valid and means "detect".
func ParseEncoding(name string) (Encoding, error) {
	switch Encoding(name) {
	case "", EncodingUTF8, EncodingUTF16LE, EncodingUTF16BE, EncodingLatin1:
		return Encoding(name), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}
}

// DetectEncoding picks an encoding for sample deterministically: BOM
// first, then valid UTF-8, then a UTF-16 heuristic, then Latin-1. There
// is no confidence scoring and the fallback always succeeds, so detection
// never fails.
func DetectEncoding(sample []byte) Encoding {
	switch {
	case bytes.HasPrefix(sample, bomUTF8):
		return EncodingUTF8
	case bytes.HasPrefix(sample, bomUTF16LE):
		return EncodingUTF16LE
	case bytes.HasPrefix(sample, bomUTF16BE):
		return EncodingUTF16BE
	}

	// NUL bytes are valid UTF-8 but never appear in UTF-8 text files;
	// without this guard BOM-less UTF-16 ASCII would pass as UTF-8.
	if utf8.Valid(sample) && !bytes.Contains(sample, []byte{0}) {
		return EncodingUTF8
	}

	if enc, ok := detectUTF16(sample); ok {
		return enc
	}

	return EncodingLatin1
}

// detectUTF16 recognizes BOM-less UTF-16 by the NUL bytes that ASCII-range
// text produces in one half of each code unit. Endianness follows
// whichever half carries more NULs: even offsets mean big-endian.
func detectUTF16(sample []byte) (Encoding, bool) {
	if len(sample) == 0 || len(sample)%2 != 0 {
		return "", false
	}

	var zerosEven, zerosOdd int

	for i, b := range sample {
		if b != 0 {
			continue
		}

		if i%2 == 0 {
			zerosEven++
		} else {
			zerosOdd++
		}
	}

	// Require NULs in at least a quarter of the code units; sparse NULs
	// are far more likely to be binary data than UTF-16 text.
	units := len(sample) / 2

	switch {
	case zerosEven*4 >= units && zerosEven > zerosOdd:
		return EncodingUTF16BE, true
	case zerosOdd*4 >= units:
		return EncodingUTF16LE, true
	default:
		return "", false
	}
}

// Decode converts raw bytes to a string under enc. A leading BOM matching
// enc is consumed, mirroring detection. In practice only UTF-16 input of
// odd length can fail here.
func Decode(data []byte, enc Encoding) (string, error) {
	switch enc {
	case EncodingUTF8:
		data = bytes.TrimPrefix(data, bomUTF8)

		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: invalid utf-8", ErrDecode)
		}

		return string(data), nil
	case EncodingUTF16LE:
		return decodeUTF16(data, unicode.LittleEndian)
	case EncodingUTF16BE:
		return decodeUTF16(data, unicode.BigEndian)
	case EncodingLatin1:
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			// ISO 8859-1 maps every byte; this path should be unreachable.
			return "", fmt.Errorf("%w: latin-1: %w", ErrDecode, err)
		}

		return string(decoded), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
	}
}

func decodeUTF16(data []byte, endianness unicode.Endianness) (string, error) {
	if len(data)%2 != 0 {
		return "", fmt.Errorf("%w: utf-16 content has odd length %d", ErrDecode, len(data))
	}

	decoder := unicode.UTF16(endianness, unicode.UseBOM).NewDecoder()

	decoded, err := decoder.Bytes(data)
	if err != nil {
		return "", fmt.Errorf("%w: utf-16: %w", ErrDecode, err)
	}

	return string(decoded), nil
}

// IsBinary sniffs whether sample looks like binary rather than text.
// NUL bytes outside a plausible UTF-16 layout are the tell.
func IsBinary(sample []byte) bool {
	if !bytes.Contains(sample, []byte{0}) {
		return false
	}

	_, utf16Like := detectUTF16(sample)

	return !utf16Like
}
