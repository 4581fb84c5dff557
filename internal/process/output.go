package process

import (
	"strings"
	"unicode/utf8"
)

// tailBuffer keeps the last max bytes of output for failure classification.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 10000
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) WriteString(s string) {
	t.buf = append(t.buf, s...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

// String returns the retained text. A rune cut at the front is dropped.
func (t *tailBuffer) String() string {
	return strings.ToValidUTF8(string(t.buf), "")
}

// utf8Decoder turns a byte stream into text chunks without splitting runes
// that straddle reads.
type utf8Decoder struct {
	carry []byte
}

func (d *utf8Decoder) decode(p []byte) string {
	data := append(d.carry, p...)
	cut := len(data)
	for i := 1; i <= utf8.UTFMax && i <= len(data); i++ {
		if utf8.RuneStart(data[len(data)-i]) {
			if !utf8.FullRune(data[len(data)-i:]) {
				cut = len(data) - i
			}
			break
		}
	}
	d.carry = append([]byte(nil), data[cut:]...)
	return strings.ToValidUTF8(string(data[:cut]), "�")
}

func (d *utf8Decoder) flush() string {
	if len(d.carry) == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(d.carry), "�")
	d.carry = nil
	return s
}
