package terminal

import (
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

type parserState uint8

const (
	stateGround parserState = iota
	stateEscape
	stateEscapeIntermediate
	stateCSIEntry
	stateCSIParam
	stateCSIIntermediate
	stateCSIIgnore
	stateOSC
	stateIgnoreString
)

const (
	maxParams     = 16
	maxParamValue = 65535
	maxOSC        = 4096
)

// parser holds the escape-sequence state between Write calls.
type parser struct {
	state         parserState
	params        []int
	cur           int // -1 when the current parameter has no digits
	private       byte
	intermediates []byte
	osc           []byte

	utf     [utf8.UTFMax]byte
	utfLen  int
	utfNeed int
}

func (b *Buffer) feed(c byte) {
	p := &b.p

	if p.utfNeed > 0 {
		if c&0xc0 == 0x80 {
			p.utf[p.utfLen] = c
			p.utfLen++
			if p.utfLen == p.utfNeed {
				r, _ := utf8.DecodeRune(p.utf[:p.utfLen])
				p.utfNeed, p.utfLen = 0, 0
				b.printRune(r)
			}
			return
		}
		// Truncated sequence: replace it and reprocess c.
		p.utfNeed, p.utfLen = 0, 0
		b.printRune(utf8.RuneError)
	}

	// These act in every state.
	switch c {
	case 0x18, 0x1a: // CAN, SUB
		p.state = stateGround
		return
	case 0x1b:
		if p.state == stateOSC {
			b.dispatchOSC()
		}
		p.state = stateEscape
		p.intermediates = p.intermediates[:0]
		return
	}

	switch p.state {
	case stateGround:
		switch {
		case c < 0x20 || c == 0x7f:
			b.execute(c)
		case c < 0x80:
			b.print(rune(c), 1)
		default:
			b.startUTF8(c)
		}

	case stateEscape:
		switch {
		case c < 0x20:
			b.execute(c)
		case c <= 0x2f:
			p.intermediates = append(p.intermediates, c)
			p.state = stateEscapeIntermediate
		case c == '[':
			p.params = p.params[:0]
			p.cur = -1
			p.private = 0
			p.state = stateCSIEntry
		case c == ']':
			p.osc = p.osc[:0]
			p.state = stateOSC
		case c == 'P' || c == 'X' || c == '^' || c == '_':
			p.state = stateIgnoreString
		case c == 0x7f:
		default:
			p.state = stateGround
			b.escDispatch(c)
		}

	case stateEscapeIntermediate:
		switch {
		case c < 0x20:
			b.execute(c)
		case c <= 0x2f:
			if len(p.intermediates) < 2 {
				p.intermediates = append(p.intermediates, c)
			}
		case c < 0x7f:
			p.state = stateGround
			b.escDispatch(c)
		}

	case stateCSIEntry, stateCSIParam:
		switch {
		case c < 0x20:
			b.execute(c)
		case c >= '0' && c <= '9':
			if p.cur < 0 {
				p.cur = 0
			}
			p.cur = min(p.cur*10+int(c-'0'), maxParamValue)
			p.state = stateCSIParam
		case c == ';' || c == ':':
			p.pushParam()
			p.state = stateCSIParam
		case c >= 0x3c && c <= 0x3f:
			if p.state == stateCSIEntry {
				p.private = c
				p.state = stateCSIParam
			} else {
				p.state = stateCSIIgnore
			}
		case c <= 0x2f:
			p.intermediates = append(p.intermediates[:0], c)
			p.state = stateCSIIntermediate
		case c >= 0x40 && c <= 0x7e:
			p.state = stateGround
			p.finishParams()
			b.csiDispatch(c)
		}

	case stateCSIIntermediate:
		switch {
		case c < 0x20:
			b.execute(c)
		case c <= 0x2f:
			if len(p.intermediates) < 2 {
				p.intermediates = append(p.intermediates, c)
			}
		case c <= 0x3f:
			p.state = stateCSIIgnore
		case c <= 0x7e:
			p.state = stateGround
			p.finishParams()
			b.csiDispatch(c)
		}

	case stateCSIIgnore:
		switch {
		case c < 0x20:
			b.execute(c)
		case c >= 0x40 && c <= 0x7e:
			p.state = stateGround
		}

	case stateOSC:
		switch {
		case c == 0x07:
			b.dispatchOSC()
			p.state = stateGround
		case c < 0x20:
		default:
			if len(p.osc) < maxOSC {
				p.osc = append(p.osc, c)
			}
		}

	case stateIgnoreString:
		if c == 0x07 {
			p.state = stateGround
		}
	}
}

func (b *Buffer) startUTF8(c byte) {
	p := &b.p
	switch {
	case c&0xe0 == 0xc0:
		p.utfNeed = 2
	case c&0xf0 == 0xe0:
		p.utfNeed = 3
	case c&0xf8 == 0xf0:
		p.utfNeed = 4
	default:
		b.printRune(utf8.RuneError)
		return
	}
	p.utf[0] = c
	p.utfLen = 1
}

func (b *Buffer) printRune(r rune) {
	if b.p.state != stateGround {
		return
	}
	w := runewidth.RuneWidth(r)
	if w == 0 {
		// Combining marks and other zero-width runes are dropped.
		return
	}
	b.print(r, w)
}

func (p *parser) pushParam() {
	if len(p.params) < maxParams {
		p.params = append(p.params, p.cur)
	}
	p.cur = -1
}

func (p *parser) finishParams() {
	if p.cur >= 0 || len(p.params) > 0 {
		p.pushParam()
	}
}

// param returns parameter i, or def when it is missing or empty.
func (p *parser) param(i, def int) int {
	if i >= len(p.params) || p.params[i] < 0 {
		return def
	}
	return p.params[i]
}

// count returns parameter i as a repeat count, where 0 means 1.
func (p *parser) count(i int) int {
	return max(p.param(i, 1), 1)
}

func (b *Buffer) execute(c byte) {
	switch c {
	case 0x08: // BS
		if b.col > 0 {
			b.col--
		}
		b.pendingWrap = false
	case 0x09: // HT, fixed stops every 8 columns
		b.col = min((b.col/8+1)*8, b.cols-1)
		b.pendingWrap = false
	case 0x0a, 0x0b, 0x0c: // LF, VT, FF
		b.index()
		b.pendingWrap = false
	case 0x0d: // CR
		b.col = 0
		b.pendingWrap = false
	}
}

func (b *Buffer) escDispatch(final byte) {
	p := &b.p
	if len(p.intermediates) > 0 {
		if p.intermediates[0] == '#' && final == '8' {
			b.alignmentTest()
		}
		// Charset designations (ESC ( B and friends) are ignored.
		return
	}
	switch final {
	case 'D': // IND
		b.index()
		b.pendingWrap = false
	case 'E': // NEL
		b.col = 0
		b.index()
		b.pendingWrap = false
	case 'M': // RI
		b.reverseIndex()
		b.pendingWrap = false
	case '7': // DECSC
		b.saveCursor()
	case '8': // DECRC
		b.restoreCursor()
	case 'c': // RIS keeps scrollback
		b.reset()
	}
}

func (b *Buffer) csiDispatch(final byte) {
	p := &b.p
	if p.private == '?' {
		if len(p.intermediates) == 0 && (final == 'h' || final == 'l') {
			b.setModes(final == 'h')
		}
		return
	}
	if p.private != 0 || len(p.intermediates) > 0 {
		return
	}

	b.pendingWrap = false
	switch final {
	case 'A': // CUU
		lo := 0
		if b.row >= b.top {
			lo = b.top
		}
		b.row = max(b.row-p.count(0), lo)
	case 'B', 'e': // CUD, VPR
		hi := b.rows - 1
		if b.row <= b.bottom {
			hi = b.bottom
		}
		b.row = min(b.row+p.count(0), hi)
	case 'C', 'a': // CUF, HPR
		b.col = min(b.col+p.count(0), b.cols-1)
	case 'D': // CUB
		b.col = max(b.col-p.count(0), 0)
	case 'E': // CNL
		b.row = min(b.row+p.count(0), b.rows-1)
		b.col = 0
	case 'F': // CPL
		b.row = max(b.row-p.count(0), 0)
		b.col = 0
	case 'G', '`': // CHA, HPA
		b.col = clamp(p.count(0)-1, 0, b.cols-1)
	case 'H', 'f': // CUP, HVP
		b.row = clamp(p.count(0)-1, 0, b.rows-1)
		b.col = clamp(p.count(1)-1, 0, b.cols-1)
	case 'd': // VPA
		b.row = clamp(p.count(0)-1, 0, b.rows-1)
	case 'J': // ED
		b.eraseDisplay(p.param(0, 0))
	case 'K': // EL
		b.eraseLine(p.param(0, 0))
	case 'X': // ECH
		b.eraseCells(b.row, b.col, b.col+p.count(0))
	case 'L': // IL
		b.insertLines(p.count(0))
	case 'M': // DL
		b.deleteLines(p.count(0))
	case '@': // ICH
		b.insertChars(p.count(0))
	case 'P': // DCH
		b.deleteChars(p.count(0))
	case 'S': // SU
		b.scrollUp(p.count(0))
	case 'T': // SD
		b.scrollDown(p.count(0))
	case 'm':
		b.sgr()
	case 'r': // DECSTBM
		bottom := p.param(1, 0)
		if bottom == 0 {
			bottom = b.rows
		}
		b.setRegion(p.count(0)-1, bottom-1)
	case 's':
		b.saveCursor()
	case 'u':
		b.restoreCursor()
	}
}

func (b *Buffer) setModes(on bool) {
	for _, mode := range b.p.params {
		switch mode {
		case 7:
			b.autowrap = on
			if !on {
				b.pendingWrap = false
			}
		case 25:
			b.visible = on
		case 47:
			if on {
				b.enterAlt(false)
			} else {
				b.exitAlt(false)
			}
		case 1047:
			if on {
				b.enterAlt(false)
				b.clearAlt()
			} else {
				b.clearAlt()
				b.exitAlt(false)
			}
		case 1049:
			if on {
				b.enterAlt(true)
				b.clearAlt()
				b.row, b.col = 0, 0
			} else {
				b.exitAlt(true)
			}
		}
	}
}

// sgr applies Select Graphic Rendition parameters to the current style.
func (b *Buffer) sgr() {
	params := b.p.params
	if len(params) == 0 {
		params = []int{0}
	}
	for i := 0; i < len(params); i++ {
		n := params[i]
		if n < 0 {
			n = 0
		}
		switch {
		case n == 0:
			b.style = Style{}
		case n == 1:
			b.style.Bold = true
		case n == 4:
			b.style.Underline = true
		case n == 7:
			b.style.Reverse = true
		case n == 22:
			b.style.Bold = false
		case n == 24:
			b.style.Underline = false
		case n == 27:
			b.style.Reverse = false
		case n >= 30 && n <= 37:
			b.style.FG = Indexed(n - 30)
		case n == 39:
			b.style.FG = Color{}
		case n >= 40 && n <= 47:
			b.style.BG = Indexed(n - 40)
		case n == 49:
			b.style.BG = Color{}
		case n >= 90 && n <= 97:
			b.style.FG = Indexed(n - 90 + 8)
		case n >= 100 && n <= 107:
			b.style.BG = Indexed(n - 100 + 8)
		case n == 38 || n == 48:
			c, used, ok := extendedColor(params[i+1:])
			i += used
			if !ok {
				return
			}
			if n == 38 {
				b.style.FG = c
			} else {
				b.style.BG = c
			}
		}
	}
}

// extendedColor parses the tail of an SGR 38/48: "5;n" or "2;r;g;b". It
// reports how many parameters it consumed.
func extendedColor(rest []int) (Color, int, bool) {
	if len(rest) == 0 {
		return Color{}, 0, false
	}
	switch rest[0] {
	case 5:
		if len(rest) < 2 {
			return Color{}, len(rest), false
		}
		return Indexed(clamp(rest[1], 0, 255)), 2, true
	case 2:
		if len(rest) < 4 {
			return Color{}, len(rest), false
		}
		return RGB(clamp(rest[1], 0, 255), clamp(rest[2], 0, 255), clamp(rest[3], 0, 255)), 4, true
	}
	return Color{}, 1, false
}

// dispatchOSC handles window title sets (OSC 0 and 2). Everything else is
// dropped.
func (b *Buffer) dispatchOSC() {
	s := string(b.p.osc)
	b.p.osc = b.p.osc[:0]
	code, text, ok := strings.Cut(s, ";")
	if !ok {
		return
	}
	if code == "0" || code == "2" {
		b.title = strings.ToValidUTF8(text, "")
	}
}
