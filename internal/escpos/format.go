package escpos

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

const (
	alignLeft   byte = 0
	alignCenter byte = 1
	alignRight  byte = 2
)

const (
	sizeNormal byte = 0x00
	sizeTall   byte = 0x01
	sizeWide   byte = 0x10
	sizeBig    byte = 0x11
)

type style struct {
	bold      bool
	underline bool
	size      byte
}

func (s style) charWidth() int {
	if s.size&sizeWide != 0 {
		return 2
	}
	return 1
}

// FormatText encodes formatted text into ESC/POS bytes.
//
// Each line may start with an alignment marker ([L], [C] or [R]) and may
// contain <b>, <u> and <font size='normal|wide|tall|big'> tags with their
// closing forms. Unknown tags are printed literally. Lines longer than
// maxChars columns are wrapped; maxChars <= 0 disables wrapping. Styles do
// not carry over from one line to the next.
func FormatText(text string, maxChars int) []byte {
	var buf bytes.Buffer

	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		writeLine(&buf, line, maxChars)
	}

	return buf.Bytes()
}

func writeLine(buf *bytes.Buffer, line string, maxChars int) {
	align := alignLeft
	if len(line) >= 3 && line[0] == '[' && line[2] == ']' {
		switch line[1] {
		case 'L':
			align, line = alignLeft, line[3:]
		case 'C':
			align, line = alignCenter, line[3:]
		case 'R':
			align, line = alignRight, line[3:]
		}
	}
	buf.Write([]byte{esc, 'a', align})

	var st style
	col := 0
	for len(line) > 0 {
		if line[0] == '<' {
			if end := strings.IndexByte(line, '>'); end > 0 {
				if next, ok := applyTag(st, line[1:end]); ok {
					if next != st {
						writeStyle(buf, next)
						st = next
					}
					line = line[end+1:]
					continue
				}
			}
		}

		_, size := utf8.DecodeRuneInString(line)
		w := st.charWidth()
		if maxChars > 0 && col > 0 && col+w > maxChars {
			buf.WriteByte(lf)
			col = 0
		}
		buf.WriteString(line[:size])
		col += w
		line = line[size:]
	}
	buf.WriteByte(lf)

	if st != (style{}) {
		writeStyle(buf, style{})
	}
}

func applyTag(st style, tag string) (style, bool) {
	tag = strings.ToLower(strings.TrimSpace(tag))

	switch tag {
	case "b":
		st.bold = true
	case "/b":
		st.bold = false
	case "u":
		st.underline = true
	case "/u":
		st.underline = false
	case "/font":
		st.size = sizeNormal
	default:
		if !strings.HasPrefix(tag, "font") {
			return st, false
		}
		st.size = parseFontSize(tag)
	}

	return st, true
}

func parseFontSize(tag string) byte {
	i := strings.Index(tag, "size=")
	if i < 0 {
		return sizeNormal
	}
	v := strings.Trim(tag[i+len("size="):], `'" `)
	if j := strings.IndexAny(v, `'" `); j >= 0 {
		v = v[:j]
	}

	switch v {
	case "wide":
		return sizeWide
	case "tall":
		return sizeTall
	case "big":
		return sizeBig
	default:
		return sizeNormal
	}
}

func writeStyle(buf *bytes.Buffer, st style) {
	var bold, underline byte
	if st.bold {
		bold = 1
	}
	if st.underline {
		underline = 1
	}
	buf.Write([]byte{esc, 'E', bold})
	buf.Write([]byte{esc, '-', underline})
	buf.Write([]byte{gs, '!', st.size})
}
