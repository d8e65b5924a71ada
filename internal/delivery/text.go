package delivery

import (
	"strings"
	"unicode"
)

// emoji covers the pictographic blocks devices cannot render: symbols and
// pictographs, dingbats, transport and map symbols, flags, plus the joiners
// and variation selectors that glue emoji sequences together.
var emoji = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x200d, Hi: 0x200d, Stride: 1},
		{Lo: 0x2300, Hi: 0x23ff, Stride: 1},
		{Lo: 0x2600, Hi: 0x27bf, Stride: 1},
		{Lo: 0x2b00, Hi: 0x2bff, Stride: 1},
		{Lo: 0xfe00, Hi: 0xfe0f, Stride: 1},
	},
	R32: []unicode.Range32{
		{Lo: 0x1f000, Hi: 0x1faff, Stride: 1},
		{Lo: 0xe0020, Hi: 0xe007f, Stride: 1},
	},
}

func isEmoji(r rune) bool { return unicode.Is(emoji, r) }

// StripEmoji removes emoji from s, leaving all other text untouched.
func StripEmoji(s string) string {
	if strings.IndexFunc(s, isEmoji) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isEmoji(r) {
			return -1
		}
		return r
	}, s)
}

// TrimDecoration strips punctuation, emoji and whitespace from both ends of
// s. Interior characters are kept.
func TrimDecoration(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r) || isEmoji(r)
	})
}
