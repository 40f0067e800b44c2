package escpos

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func seq(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func styleBytes(bold, underline, size byte) []byte {
	return []byte{esc, 'E', bold, esc, '-', underline, gs, '!', size}
}

func TestFormatText_Plain(t *testing.T) {
	got := FormatText("Hello", 32)
	assert.Equal(t, seq([]byte{esc, 'a', alignLeft}, []byte("Hello"), []byte{lf}), got)
}

func TestFormatText_Alignment(t *testing.T) {
	got := FormatText("[C]Title\n[R]42.00", 32)
	want := seq(
		[]byte{esc, 'a', alignCenter}, []byte("Title"), []byte{lf},
		[]byte{esc, 'a', alignRight}, []byte("42.00"), []byte{lf},
	)
	assert.Equal(t, want, got)
}

func TestFormatText_BoldResetsAtLineEnd(t *testing.T) {
	got := FormatText("[L]<b>Total</b> 5", 32)
	want := seq(
		[]byte{esc, 'a', alignLeft},
		styleBytes(1, 0, sizeNormal), []byte("Total"),
		styleBytes(0, 0, sizeNormal), []byte(" 5"),
		[]byte{lf},
	)
	assert.Equal(t, want, got)
}

func TestFormatText_UnclosedStyleIsReset(t *testing.T) {
	got := FormatText("<font size='big'>X", 32)
	want := seq(
		[]byte{esc, 'a', alignLeft},
		styleBytes(0, 0, sizeBig), []byte("X"), []byte{lf},
		styleBytes(0, 0, sizeNormal),
	)
	assert.Equal(t, want, got)
}

func TestFormatText_UnknownTagIsLiteral(t *testing.T) {
	got := FormatText("a<x>b", 32)
	assert.Equal(t, seq([]byte{esc, 'a', alignLeft}, []byte("a<x>b"), []byte{lf}), got)
}

func TestFormatText_Wraps(t *testing.T) {
	got := FormatText("abcdef", 4)
	assert.Equal(t, seq([]byte{esc, 'a', alignLeft}, []byte("abcd"), []byte{lf}, []byte("ef"), []byte{lf}), got)
}

func TestFormatText_WideCharsCountDouble(t *testing.T) {
	got := FormatText("<font size='wide'>abc", 4)
	want := seq(
		[]byte{esc, 'a', alignLeft},
		styleBytes(0, 0, sizeWide), []byte("ab"), []byte{lf}, []byte("c"), []byte{lf},
		styleBytes(0, 0, sizeNormal),
	)
	assert.Equal(t, want, got)
}

func TestFormatText_Multibyte(t *testing.T) {
	got := FormatText("äöü", 2)
	assert.Equal(t, seq([]byte{esc, 'a', alignLeft}, []byte("äö"), []byte{lf}, []byte("ü"), []byte{lf}), got)
}
