// Package terminal keeps the screen state of a remote PTY: a grid of styled
// cells, a cursor, a scroll region, the alternate screen and a bounded
// scrollback. Output bytes go in through Write, which runs them through a
// VT100/xterm escape sequence parser; readers take consistent copies with
// Snapshot.
//
// Malformed or unsupported sequences are absorbed. Nothing fed to Write can
// move the cursor or scroll region outside the grid.
package terminal

import (
	"strings"
	"sync"
)

const (
	DefaultScrollback = 10000

	// MaxCols and MaxRows bound Resize.
	MaxCols = 500
	MaxRows = 500
)

// ColorKind says how a Color value is interpreted.
type ColorKind uint8

const (
	ColorDefault ColorKind = iota
	ColorIndexed
	ColorRGB
)

// Color is a terminal color: the default, a 256-color palette index, or a
// 24-bit RGB value packed as 0xRRGGBB.
type Color struct {
	Kind  ColorKind `json:"kind"`
	Value uint32    `json:"value"`
}

func Indexed(i int) Color { return Color{Kind: ColorIndexed, Value: uint32(i)} }

func RGB(r, g, b int) Color {
	return Color{Kind: ColorRGB, Value: uint32(r&0xff)<<16 | uint32(g&0xff)<<8 | uint32(b&0xff)}
}

type Style struct {
	FG        Color `json:"fg"`
	BG        Color `json:"bg"`
	Bold      bool  `json:"bold,omitempty"`
	Underline bool  `json:"underline,omitempty"`
	Reverse   bool  `json:"reverse,omitempty"`
}

// Cell is one grid position. A wide rune occupies its cell with Width 2
// and the next cell with Width 0.
type Cell struct {
	Rune  rune  `json:"rune"`
	Width int   `json:"width"`
	Style Style `json:"style"`
}

type Cursor struct {
	Row     int  `json:"row"`
	Col     int  `json:"col"`
	Visible bool `json:"visible"`
}

// Snapshot is an immutable copy of the screen.
type Snapshot struct {
	Cols          int      `json:"cols"`
	Rows          int      `json:"rows"`
	Cells         [][]Cell `json:"cells"`
	Cursor        Cursor   `json:"cursor"`
	AltScreen     bool     `json:"alt_screen"`
	Title         string   `json:"title,omitempty"`
	ScrollbackLen int      `json:"scrollback_len"`
}

// Lines returns the text of every row with trailing blanks removed.
func (s Snapshot) Lines() []string {
	out := make([]string, len(s.Cells))
	for i, row := range s.Cells {
		out[i] = LineText(row)
	}
	return out
}

// Text returns the screen as newline-joined lines, without trailing empty
// lines.
func (s Snapshot) Text() string {
	lines := s.Lines()
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// LineText renders one row with trailing blanks removed.
func LineText(row []Cell) string {
	var sb strings.Builder
	for _, c := range row {
		if c.Width == 0 {
			continue
		}
		sb.WriteRune(c.Rune)
	}
	return strings.TrimRight(sb.String(), " ")
}

type savedCursor struct {
	row, col    int
	style       Style
	pendingWrap bool
	autowrap    bool
}

// Buffer is safe for concurrent use.
type Buffer struct {
	mu sync.Mutex

	cols, rows int
	grid       [][]Cell
	scrollback lineRing

	row, col    int
	pendingWrap bool
	style       Style
	top, bottom int
	autowrap    bool
	visible     bool
	title       string
	saved       savedCursor

	alt        bool
	mainGrid   [][]Cell
	mainCursor savedCursor

	p parser
}

// New returns a blank cols×rows buffer keeping up to scrollback lines.
func New(cols, rows, scrollback int) *Buffer {
	cols, rows = clampSize(cols, rows)
	if scrollback < 0 {
		scrollback = 0
	}
	b := &Buffer{cols: cols, rows: rows, scrollback: lineRing{max: scrollback}}
	b.reset()
	return b
}

func clampSize(cols, rows int) (int, int) {
	return clamp(cols, 1, MaxCols), clamp(rows, 1, MaxRows)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (b *Buffer) reset() {
	b.grid = newGrid(b.cols, b.rows, Style{})
	b.row, b.col, b.pendingWrap = 0, 0, false
	b.style = Style{}
	b.top, b.bottom = 0, b.rows-1
	b.autowrap = true
	b.visible = true
	b.title = ""
	b.alt = false
	b.mainGrid = nil
	b.saved = savedCursor{autowrap: true}
	b.p = parser{}
}

func newGrid(cols, rows int, st Style) [][]Cell {
	g := make([][]Cell, rows)
	for i := range g {
		g[i] = blankLine(cols, st)
	}
	return g
}

func blankLine(cols int, st Style) []Cell {
	line := make([]Cell, cols)
	for i := range line {
		line[i] = Cell{Rune: ' ', Width: 1, Style: st}
	}
	return line
}

// blank is the erase cell: a space carrying only the current background.
func (b *Buffer) blank() Cell {
	return Cell{Rune: ' ', Width: 1, Style: Style{BG: b.style.BG}}
}

// Write feeds terminal output. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range p {
		b.feed(c)
	}
	return len(p), nil
}

// Size returns the current dimensions.
func (b *Buffer) Size() (cols, rows int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cols, b.rows
}

// Snapshot returns a copy of the visible screen and cursor.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	cells := make([][]Cell, len(b.grid))
	for i, row := range b.grid {
		cells[i] = append([]Cell(nil), row...)
	}
	return Snapshot{
		Cols:          b.cols,
		Rows:          b.rows,
		Cells:         cells,
		Cursor:        Cursor{Row: b.row, Col: b.col, Visible: b.visible},
		AltScreen:     b.alt,
		Title:         b.title,
		ScrollbackLen: b.scrollback.len(),
	}
}

// Scrollback returns copies of up to the n most recent scrollback lines,
// oldest first. n <= 0 returns all of them.
func (b *Buffer) Scrollback(n int) [][]Cell {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scrollback.last(n)
}

// Resize changes the dimensions, keeping content anchored top-left.
func (b *Buffer) Resize(cols, rows int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cols, rows = clampSize(cols, rows)
	if cols == b.cols && rows == b.rows {
		return
	}
	b.grid = resizeGrid(b.grid, cols, rows)
	if b.mainGrid != nil {
		b.mainGrid = resizeGrid(b.mainGrid, cols, rows)
	}
	b.cols, b.rows = cols, rows
	b.top, b.bottom = 0, rows-1
	b.row = clamp(b.row, 0, rows-1)
	b.col = clamp(b.col, 0, cols-1)
	b.pendingWrap = false
	b.saved.row = clamp(b.saved.row, 0, rows-1)
	b.saved.col = clamp(b.saved.col, 0, cols-1)
	b.mainCursor.row = clamp(b.mainCursor.row, 0, rows-1)
	b.mainCursor.col = clamp(b.mainCursor.col, 0, cols-1)
}

func resizeGrid(old [][]Cell, cols, rows int) [][]Cell {
	g := newGrid(cols, rows, Style{})
	for r := 0; r < rows && r < len(old); r++ {
		copy(g[r], old[r])
		// Do not leave half of a wide rune on the new right edge.
		if last := g[r][cols-1]; last.Width == 2 {
			g[r][cols-1] = Cell{Rune: ' ', Width: 1}
		}
	}
	return g
}

// print places r at the cursor, wrapping first if a wrap is pending.
func (b *Buffer) print(r rune, width int) {
	if width == 2 && b.cols < 2 {
		r, width = '?', 1
	}
	if b.pendingWrap && b.autowrap {
		b.col = 0
		b.index()
	}
	b.pendingWrap = false
	if width == 2 && b.col == b.cols-1 {
		if b.autowrap {
			b.clearWide(b.grid[b.row], b.col)
			b.col = 0
			b.index()
		} else {
			b.col = b.cols - 2
		}
	}

	line := b.grid[b.row]
	b.clearWide(line, b.col)
	if width == 2 {
		b.clearWide(line, b.col+1)
	}
	line[b.col] = Cell{Rune: r, Width: width, Style: b.style}
	if width == 2 {
		line[b.col+1] = Cell{Rune: 0, Width: 0, Style: b.style}
	}

	b.col += width
	if b.col >= b.cols {
		b.col = b.cols - 1
		b.pendingWrap = b.autowrap
	}
}

// clearWide blanks both halves of a wide rune overlapping col.
func (b *Buffer) clearWide(line []Cell, col int) {
	switch line[col].Width {
	case 0:
		if col > 0 {
			line[col-1] = b.blank()
		}
		line[col] = b.blank()
	case 2:
		line[col] = b.blank()
		if col+1 < len(line) {
			line[col+1] = b.blank()
		}
	}
}

// index moves down one line, scrolling at the bottom of the region.
func (b *Buffer) index() {
	switch {
	case b.row == b.bottom:
		b.scrollUp(1)
	case b.row < b.rows-1:
		b.row++
	}
}

func (b *Buffer) reverseIndex() {
	switch {
	case b.row == b.top:
		b.scrollDown(1)
	case b.row > 0:
		b.row--
	}
}

// scrollUp scrolls the region up by n. Lines leaving the top of a
// full-height region on the main screen go to scrollback.
func (b *Buffer) scrollUp(n int) {
	height := b.bottom - b.top + 1
	n = clamp(n, 0, height)
	toScrollback := b.top == 0 && !b.alt
	for i := 0; i < n; i++ {
		if toScrollback {
			b.scrollback.push(b.grid[b.top])
		}
		copy(b.grid[b.top:b.bottom], b.grid[b.top+1:b.bottom+1])
		b.grid[b.bottom] = blankLineStyle(b.cols, b.blank())
	}
}

func (b *Buffer) scrollDown(n int) {
	height := b.bottom - b.top + 1
	n = clamp(n, 0, height)
	for i := 0; i < n; i++ {
		copy(b.grid[b.top+1:b.bottom+1], b.grid[b.top:b.bottom])
		b.grid[b.top] = blankLineStyle(b.cols, b.blank())
	}
}

func blankLineStyle(cols int, c Cell) []Cell {
	line := make([]Cell, cols)
	for i := range line {
		line[i] = c
	}
	return line
}

func (b *Buffer) eraseCells(row, from, to int) {
	line := b.grid[row]
	from = clamp(from, 0, b.cols)
	to = clamp(to, 0, b.cols)
	if from < to {
		// Erasing half of a wide rune erases all of it.
		if line[from].Width == 0 && from > 0 {
			line[from-1] = b.blank()
		}
		if to < b.cols && line[to].Width == 0 {
			line[to] = b.blank()
		}
	}
	for c := from; c < to; c++ {
		line[c] = b.blank()
	}
}

func (b *Buffer) eraseDisplay(mode int) {
	switch mode {
	case 0:
		b.eraseCells(b.row, b.col, b.cols)
		for r := b.row + 1; r < b.rows; r++ {
			b.eraseCells(r, 0, b.cols)
		}
	case 1:
		for r := 0; r < b.row; r++ {
			b.eraseCells(r, 0, b.cols)
		}
		b.eraseCells(b.row, 0, b.col+1)
	case 2, 3:
		for r := 0; r < b.rows; r++ {
			b.eraseCells(r, 0, b.cols)
		}
		if mode == 3 {
			b.scrollback.clear()
		}
	}
}

func (b *Buffer) eraseLine(mode int) {
	switch mode {
	case 0:
		b.eraseCells(b.row, b.col, b.cols)
	case 1:
		b.eraseCells(b.row, 0, b.col+1)
	case 2:
		b.eraseCells(b.row, 0, b.cols)
	}
}

// insertLines and deleteLines act on the region below the cursor and are
// ignored when the cursor is outside the scroll region.
func (b *Buffer) insertLines(n int) {
	if b.row < b.top || b.row > b.bottom {
		return
	}
	n = clamp(n, 0, b.bottom-b.row+1)
	for i := 0; i < n; i++ {
		copy(b.grid[b.row+1:b.bottom+1], b.grid[b.row:b.bottom])
		b.grid[b.row] = blankLineStyle(b.cols, b.blank())
	}
	b.col = 0
}

func (b *Buffer) deleteLines(n int) {
	if b.row < b.top || b.row > b.bottom {
		return
	}
	n = clamp(n, 0, b.bottom-b.row+1)
	for i := 0; i < n; i++ {
		copy(b.grid[b.row:b.bottom], b.grid[b.row+1:b.bottom+1])
		b.grid[b.bottom] = blankLineStyle(b.cols, b.blank())
	}
	b.col = 0
}

func (b *Buffer) insertChars(n int) {
	line := b.grid[b.row]
	n = clamp(n, 0, b.cols-b.col)
	b.clearWide(line, b.col)
	copy(line[b.col+n:], line[b.col:b.cols-n])
	for c := b.col; c < b.col+n; c++ {
		line[c] = b.blank()
	}
	if last := line[b.cols-1]; last.Width == 2 {
		line[b.cols-1] = b.blank()
	}
}

func (b *Buffer) deleteChars(n int) {
	line := b.grid[b.row]
	n = clamp(n, 0, b.cols-b.col)
	b.clearWide(line, b.col)
	if b.col+n < b.cols {
		b.clearWide(line, b.col+n)
	}
	copy(line[b.col:], line[b.col+n:])
	for c := b.cols - n; c < b.cols; c++ {
		line[c] = b.blank()
	}
}

func (b *Buffer) setRegion(top, bottom int) {
	top = clamp(top, 0, b.rows-1)
	bottom = clamp(bottom, 0, b.rows-1)
	if top >= bottom {
		return
	}
	b.top, b.bottom = top, bottom
	b.row, b.col, b.pendingWrap = 0, 0, false
}

func (b *Buffer) saveCursor() {
	b.saved = savedCursor{row: b.row, col: b.col, style: b.style, pendingWrap: b.pendingWrap, autowrap: b.autowrap}
}

func (b *Buffer) restoreCursor() {
	b.row = clamp(b.saved.row, 0, b.rows-1)
	b.col = clamp(b.saved.col, 0, b.cols-1)
	b.style = b.saved.style
	b.pendingWrap = b.saved.pendingWrap
	b.autowrap = b.saved.autowrap
}

// enterAlt switches to a blank alternate screen. saveCursor is used by
// mode 1049, which also saves and restores the cursor.
func (b *Buffer) enterAlt(saveCursor bool) {
	if b.alt {
		return
	}
	if saveCursor {
		b.saveCursor()
	}
	b.mainGrid = b.grid
	b.mainCursor = savedCursor{row: b.row, col: b.col, style: b.style}
	b.grid = newGrid(b.cols, b.rows, Style{})
	b.alt = true
	b.top, b.bottom = 0, b.rows-1
}

func (b *Buffer) exitAlt(restoreCursor bool) {
	if !b.alt {
		return
	}
	b.grid = b.mainGrid
	b.mainGrid = nil
	b.alt = false
	b.top, b.bottom = 0, b.rows-1
	b.row, b.col = b.mainCursor.row, b.mainCursor.col
	if restoreCursor {
		b.restoreCursor()
	}
	b.pendingWrap = false
}

func (b *Buffer) clearAlt() {
	if b.alt {
		b.grid = newGrid(b.cols, b.rows, Style{})
	}
}

// alignmentTest fills the screen with 'E' (DECALN).
func (b *Buffer) alignmentTest() {
	for r := range b.grid {
		b.grid[r] = blankLineStyle(b.cols, Cell{Rune: 'E', Width: 1})
	}
	b.top, b.bottom = 0, b.rows-1
	b.row, b.col, b.pendingWrap = 0, 0, false
}

// lineRing is a fixed-capacity FIFO of lines.
type lineRing struct {
	max   int
	lines [][]Cell
	head  int
}

func (l *lineRing) push(line []Cell) {
	if l.max <= 0 {
		return
	}
	if len(l.lines) < l.max {
		l.lines = append(l.lines, line)
		return
	}
	l.lines[l.head] = line
	l.head = (l.head + 1) % l.max
}

func (l *lineRing) len() int { return len(l.lines) }

func (l *lineRing) clear() {
	l.lines = nil
	l.head = 0
}

func (l *lineRing) last(n int) [][]Cell {
	total := len(l.lines)
	if n <= 0 || n > total {
		n = total
	}
	out := make([][]Cell, 0, n)
	for i := total - n; i < total; i++ {
		out = append(out, append([]Cell(nil), l.lines[(l.head+i)%total]...))
	}
	return out
}
