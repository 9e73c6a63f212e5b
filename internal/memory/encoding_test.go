package memory

import (
	"errors"
	"testing"
)

// utf16Bytes encodes ASCII text as UTF-16 without a BOM.
func utf16Bytes(s string, bigEndian bool) []byte {
	out := make([]byte, 0, len(s)*2)

	for _, r := range s {
		hi := byte(r >> 8)
		lo := byte(r & 0xFF)

		if bigEndian {
			out = append(out, hi, lo)
		} else {
			out = append(out, lo, hi)
		}
	}

	return out
}

func Test_DetectEncoding_Picks_Encoding_Deterministically(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		sample []byte
		want   Encoding
	}{
		{"plain ascii", []byte("hello\nworld\n"), EncodingUTF8},
		{"empty", nil, EncodingUTF8},
		{"utf-8 multibyte", []byte("héllo wörld"), EncodingUTF8},
		{"utf-8 bom", append([]byte{0xEF, 0xBB, 0xBF}, []byte("hello")...), EncodingUTF8},
		{"utf-16le bom", append([]byte{0xFF, 0xFE}, utf16Bytes("hi", false)...), EncodingUTF16LE},
		{"utf-16be bom", append([]byte{0xFE, 0xFF}, utf16Bytes("hi", true)...), EncodingUTF16BE},
		{"bom-less utf-16le", utf16Bytes("hello world", false), EncodingUTF16LE},
		{"bom-less utf-16be", utf16Bytes("hello world", true), EncodingUTF16BE},
		{"latin-1 bytes", []byte{'c', 'a', 'f', 0xE9}, EncodingLatin1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := DetectEncoding(tt.sample)
			if got != tt.want {
				t.Fatalf("DetectEncoding(%q) = %q, want %q", tt.sample, got, tt.want)
			}

			// Deterministic: same input, same answer.
			if again := DetectEncoding(tt.sample); again != got {
				t.Fatalf("DetectEncoding(%q) = %q on second call, want %q", tt.sample, again, got)
			}
		})
	}
}

func Test_Decode_Roundtrips_Detected_Content(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"utf-8", []byte("héllo"), "héllo"},
		{"utf-8 bom stripped", append([]byte{0xEF, 0xBB, 0xBF}, []byte("hello")...), "hello"},
		{"utf-16le bom", append([]byte{0xFF, 0xFE}, utf16Bytes("hi", false)...), "hi"},
		{"utf-16be", utf16Bytes("hello", true), "hello"},
		{"latin-1", []byte{'c', 'a', 'f', 0xE9}, "café"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			enc := DetectEncoding(tt.data)

			got, err := Decode(tt.data, enc)
			if err != nil {
				t.Fatalf("Decode(%q, %q): %v", tt.data, enc, err)
			}
			if got != tt.want {
				t.Fatalf("Decode(%q, %q) = %q, want %q", tt.data, enc, got, tt.want)
			}
		})
	}
}

func Test_Decode_Returns_ErrDecode_For_Invalid_Input(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte{0xFF, 0xFE, 0x00}, EncodingUTF16LE)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("Decode(odd utf-16): err = %v, want %v", err, ErrDecode)
	}

	_, err = Decode([]byte{0xC3}, EncodingUTF8)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("Decode(truncated utf-8): err = %v, want %v", err, ErrDecode)
	}
}

func Test_Decode_Latin1_Always_Succeeds(t *testing.T) {
	t.Parallel()

	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}

	got, err := Decode(data, EncodingLatin1)
	if err != nil {
		t.Fatalf("Decode(all bytes, latin-1): %v", err)
	}
	if len([]rune(got)) != 256 {
		t.Fatalf("Decode(all bytes, latin-1): %d runes, want 256", len([]rune(got)))
	}
}

func Test_ParseEncoding_Rejects_Unknown_Names(t *testing.T) {
	t.Parallel()

	_, err := ParseEncoding("koi8-r")
	if !errors.Is(err, ErrUnknownEncoding) {
		t.Fatalf("ParseEncoding(koi8-r): err = %v, want %v", err, ErrUnknownEncoding)
	}

	enc, err := ParseEncoding("")
	if err != nil || enc != Encoding("") {
		t.Fatalf("ParseEncoding(\"\") = %q, %v, want empty, nil", enc, err)
	}
}

func Test_IsBinary_Distinguishes_Binary_From_Text(t *testing.T) {
	t.Parallel()

	if IsBinary([]byte("plain text\n")) {
		t.Fatalf("IsBinary(text) = true, want false")
	}

	if !IsBinary([]byte{0x7F, 'E', 'L', 'F', 0x02, 0x01, 0x01, 0x00, 0x00}) {
		t.Fatalf("IsBinary(elf header) = false, want true")
	}

	if IsBinary(utf16Bytes("utf-16 text", false)) {
		t.Fatalf("IsBinary(utf-16 text) = true, want false")
	}
}
