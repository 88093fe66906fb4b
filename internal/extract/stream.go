package extract

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// literalRe matches PDF string literals: (text here)
var literalRe = regexp.MustCompile(`\(([^)]*)\)`)

// pageText returns the text drawn by one page's content stream, or "" when
// the page has none. The page number is 1-based.
func pageText(pdfCtx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
	if err != nil || r == nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return streamText(data)
}

// streamText walks content stream lines for text-showing operators. Shown
// strings come from Tj, TJ and ' operands; Td, TD and T* movements become
// spaces and line breaks so words do not run together.
func streamText(data []byte) string {
	var sb strings.Builder

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range literalRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodeLiteral(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range literalRe.FindAllSubmatch(line, -1) {
				if s := decodeLiteral(m[1]); s != "" {
					sb.WriteByte('\n')
					sb.WriteString(s)
				}
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}

	return tidyText(sb.String())
}

// decodeLiteral resolves PDF string escape sequences, including octal byte
// escapes like \040.
func decodeLiteral(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] < '0' || raw[i] > '7' {
				sb.WriteByte(raw[i])
				break
			}
			val := int(raw[i] - '0')
			for d := 0; d < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; d++ {
				i++
				val = val*8 + int(raw[i]-'0')
			}
			sb.WriteByte(byte(val))
		}
	}
	return sb.String()
}

// tidyText collapses runs of horizontal whitespace and drops unprintable
// bytes while keeping line breaks, so page text stays line-oriented.
func tidyText(text string) string {
	var sb strings.Builder
	var prevSpace, prevNewline bool
	for _, r := range text {
		switch {
		case r == '\n' || r == '\r':
			if !prevNewline && sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			prevNewline = true
			prevSpace = false
		case unicode.IsSpace(r):
			if !prevSpace && !prevNewline && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			prevSpace = true
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			prevSpace = false
			prevNewline = false
		}
	}
	return strings.TrimSpace(sb.String())
}
