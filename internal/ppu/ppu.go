package ppu

import (
	"bytes"
	"encoding/gob"
)

// InterruptRequester is a callback signature to request IF bits (0:VBlank, 1:STAT, etc.).
type InterruptRequester func(bit int)

// PPU models VRAM/OAM, LCDC/STAT regs, LY/LYC, and basic timing.
// It exposes CPU-facing Read/Write for VRAM/OAM and PPU IO regs.
type PPU struct {
	// memory
	vram [0x2000]byte // 0x8000–0x9FFF
	oam  [0xA0]byte   // 0xFE00–0xFE9F

	// regs
	lcdc byte // FF40
	stat byte // FF41 (mode bits 0-1, coincidence flag bit2, enables bits3-6)
	scy  byte // FF42
	scx  byte // FF43
	ly   byte // FF44
	lyc  byte // FF45
	bgp  byte // FF47
	obp0 byte // FF48
	obp1 byte // FF49
	wy   byte // FF4A
	wx   byte // FF4B

	dot int // dots within current line [0..455]

	winLine      byte // window-internal line counter, increments once per line the window is drawn
	winTriggered bool // latched once ly>=WY this frame; persists even if WY changes later
	lineSnap     [144]LineRegs

	frame  [144][160]byte // palette-applied 2-bit shades (0=lightest, 3=darkest)
	frames uint64         // completed frames, bumped on each VBlank entry

	req InterruptRequester
}

// LineRegs is a snapshot of the registers that affect rendering, latched at
// the moment a scanline enters mode 3 (pixel transfer). WinLine is the
// window-internal line counter for that scanline: it only advances on lines
// where the window is actually drawn, and resets at the start of each frame.
type LineRegs struct {
	LCDC, SCX, SCY, WX, WY, BGP, OBP0, OBP1 byte
	WinLine                                 byte
}

func New(req InterruptRequester) *PPU { return &PPU{req: req} }

// LineRegs returns the latched register snapshot for scanline ly (0..143).
func (p *PPU) LineRegs(ly int) LineRegs {
	if ly < 0 || ly >= len(p.lineSnap) {
		return LineRegs{}
	}
	return p.lineSnap[ly]
}

func (p *PPU) resetWindow() {
	p.winLine = 0
	p.winTriggered = false
}

// windowVisible reports whether the window is enabled and horizontally
// visible per the WX>166 hardware quirk.
func (p *PPU) windowVisible() bool {
	return (p.lcdc&0x20) != 0 && p.wx < 167
}

// latchLine captures the current PPU registers for scanline ly as it enters
// pixel transfer, and advances the window-line counter if the window is
// drawn on this line.
func (p *PPU) latchLine() {
	if p.ly >= byte(len(p.lineSnap)) {
		return
	}
	active := p.windowVisible() && p.ly >= p.wy
	if active && !p.winTriggered {
		p.winTriggered = true
	}
	var wl byte
	if p.winTriggered {
		wl = p.winLine
	}
	p.lineSnap[p.ly] = LineRegs{
		LCDC: p.lcdc, SCX: p.scx, SCY: p.scy,
		WX: p.wx, WY: p.wy, BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1,
		WinLine: wl,
	}
	if active {
		p.winLine++
	}
}

// CPURead returns bytes for VRAM, OAM, and PPU IO registers. Returns 0xFF for others.
func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		// VRAM is inaccessible to CPU during mode 3
		if (p.stat & 0x03) == 3 {
			return 0xFF
		}
		return p.vram[addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		// OAM is inaccessible during modes 2 and 3
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return 0xFF
		}
		return p.oam[addr-0xFE00]
	case addr == 0xFF40:
		return p.lcdc
	case addr == 0xFF41:
		// On DMG, bit7 reads as 1; bits 6..3 are enables; bit 2 coincidence; bits 1..0 mode
		return 0x80 | (p.stat & 0x7F)
	case addr == 0xFF42:
		return p.scy
	case addr == 0xFF43:
		return p.scx
	case addr == 0xFF44:
		return p.ly
	case addr == 0xFF45:
		return p.lyc
	case addr == 0xFF47:
		return p.bgp
	case addr == 0xFF48:
		return p.obp0
	case addr == 0xFF49:
		return p.obp1
	case addr == 0xFF4A:
		return p.wy
	case addr == 0xFF4B:
		return p.wx
	default:
		return 0xFF
	}
}

// CPUWrite handles writes to VRAM, OAM, and PPU IO regs. Others are ignored here.
func (p *PPU) CPUWrite(addr uint16, value byte) {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return
		}
		p.vram[addr-0x8000] = value
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return
		}
		p.oam[addr-0xFE00] = value
	case addr == 0xFF40:
		prev := p.lcdc
		p.lcdc = value
		if (p.lcdc&0x80) == 0 && (prev&0x80) != 0 {
			// Turning LCD off resets LY/mode
			p.ly = 0
			p.dot = 0
			p.setMode(0)
			p.updateLYC()
		} else if (p.lcdc&0x80) != 0 && (prev&0x80) == 0 {
			// Turning LCD on: start at LY=0, mode 2 (OAM)
			p.ly = 0
			p.dot = 0
			p.resetWindow()
			p.setMode(2)
			p.updateLYC()
		}
	case addr == 0xFF41:
		p.stat = (p.stat & 0x07) | (value & 0x78)
	case addr == 0xFF42:
		p.scy = value
	case addr == 0xFF43:
		p.scx = value
	case addr == 0xFF44:
		p.ly = 0
		p.dot = 0
		p.updateLYC()
		if (p.lcdc & 0x80) != 0 {
			p.setMode(2)
		}
	case addr == 0xFF45:
		p.lyc = value
		p.updateLYC()
	case addr == 0xFF47:
		p.bgp = value
	case addr == 0xFF48:
		p.obp0 = value
	case addr == 0xFF49:
		p.obp1 = value
	case addr == 0xFF4A:
		p.wy = value
	case addr == 0xFF4B:
		p.wx = value
	}
}

// Tick advances PPU state by the given number of dots (CPU cycles).
func (p *PPU) Tick(cycles int) {
	if cycles <= 0 {
		return
	}
	for i := 0; i < cycles; i++ {
		if (p.lcdc & 0x80) == 0 { // LCD off
			continue
		}
		p.dot++
		// Mode scheduling
		var mode byte
		if p.ly >= 144 {
			mode = 1
		} else {
			switch {
			case p.dot < 80:
				mode = 2
			case p.dot < 80+172:
				mode = 3
			default:
				mode = 0
			}
		}
		p.setMode(mode)

		if p.dot >= 456 {
			p.dot = 0
			p.ly++
			if p.ly == 144 {
				// Enter VBlank
				p.frames++
				if p.req != nil {
					p.req(0)
				} // VBlank IF
				if (p.stat & (1 << 4)) != 0 {
					if p.req != nil {
						p.req(1)
					}
				} // STAT VBlank
			} else if p.ly > 153 {
				p.ly = 0
				p.resetWindow()
			}
			p.updateLYC()
			// Set mode for new line start (dot=0)
			if p.ly >= 144 {
				p.setMode(1)
			} else {
				p.setMode(2)
			}
		}
	}
}

func (p *PPU) setMode(mode byte) {
	prev := p.stat & 0x03
	if prev == mode {
		return
	}
	p.stat = (p.stat &^ 0x03) | (mode & 0x03)
	switch mode {
	case 0: // HBlank: pixel transfer for this line is done, compose it
		p.renderScanline(p.ly)
		if (p.stat & (1 << 3)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	case 2: // OAM
		if (p.stat & (1 << 5)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	case 3: // entering pixel transfer: latch regs for this scanline
		p.latchLine()
	}
}

// Read gives the scanline/fetcher helpers direct VRAM access, bypassing the
// CPU-visibility mode restrictions CPURead enforces: rendering happens
// internally once a line's pixel transfer is complete, not from the bus.
func (p *PPU) Read(addr uint16) byte { return p.vram[addr-0x8000] }

// WriteOAM stores a byte at OAM offset idx (0..0x9F) regardless of the
// current mode. OAM DMA uses this: the transfer is not subject to the CPU
// access blocking CPUWrite enforces.
func (p *PPU) WriteOAM(idx int, v byte) {
	if idx >= 0 && idx < len(p.oam) {
		p.oam[idx] = v
	}
}

// scanOAM returns up to 10 sprites visible on scanline ly, in OAM order.
func (p *PPU) scanOAM(ly int, tall bool) []Sprite {
	height := 8
	if tall {
		height = 16
	}
	var out []Sprite
	for i := 0; i < 40 && len(out) < 10; i++ {
		base := i * 4
		y := int(p.oam[base]) - 16
		x := int(p.oam[base+1]) - 8
		tile := p.oam[base+2]
		attr := p.oam[base+3]
		if ly < y || ly >= y+height {
			continue
		}
		out = append(out, Sprite{X: x, Y: y, Tile: tile, Attr: attr, OAMIndex: i})
	}
	return out
}

// renderScanline composes BG, window, and sprites for ly using the register
// values latched when the line entered pixel transfer, and writes the
// result (palette-applied 2-bit shades) into the frame buffer.
func (p *PPU) renderScanline(ly byte) {
	if int(ly) >= len(p.frame) {
		return
	}
	lr := p.lineSnap[ly]
	if lr.LCDC&0x80 == 0 {
		return
	}

	var bg [160]byte
	if lr.LCDC&0x01 != 0 {
		mapBase := uint16(0x9800)
		if lr.LCDC&0x08 != 0 {
			mapBase = 0x9C00
		}
		tileData8000 := lr.LCDC&0x10 != 0
		bg = RenderBGScanlineUsingFetcher(p, mapBase, tileData8000, lr.SCX, lr.SCY, ly)
	}
	if lr.LCDC&0x20 != 0 && lr.WX < 167 && ly >= lr.WY {
		winMapBase := uint16(0x9800)
		if lr.LCDC&0x40 != 0 {
			winMapBase = 0x9C00
		}
		tileData8000 := lr.LCDC&0x10 != 0
		wxStart := int(lr.WX) - 7
		win := RenderWindowScanlineUsingFetcher(p, winMapBase, tileData8000, wxStart, lr.WinLine)
		for x := wxStart; x < 160; x++ {
			if x < 0 {
				continue
			}
			bg[x] = win[x]
		}
	}

	var shaded [160]byte
	for x := 0; x < 160; x++ {
		shaded[x] = (lr.BGP >> (bg[x] * 2)) & 0x03
	}

	if lr.LCDC&0x02 != 0 {
		tall := lr.LCDC&0x04 != 0
		sprites := p.scanOAM(int(ly), tall)
		spr := ComposeSpriteLine(p, sprites, int(ly), bg, tall)
		for x := 0; x < 160; x++ {
			ci := spr[x] & 0x03
			if ci == 0 {
				continue
			}
			pal := lr.OBP0
			if spr[x]&0x04 != 0 {
				pal = lr.OBP1
			}
			shaded[x] = (pal >> (ci * 2)) & 0x03
		}
	}

	p.frame[ly] = shaded
}

// Frame returns the fully composed frame as palette-applied 2-bit shades
// (0=lightest, 3=darkest). Callers map shades to their own color scheme.
func (p *PPU) Frame() [144][160]byte { return p.frame }

// FrameCount returns the number of completed frames since power-on. It bumps
// on each VBlank entry, so callers can run the CPU until it changes to step
// exactly one frame.
func (p *PPU) FrameCount() uint64 { return p.frames }

// ppuState is the gob-serializable subset of PPU fields a save state needs.
// VRAM/OAM are included; the composed frame buffer and line-register
// snapshots are not, since they're fully determined by the next scanline
// that renders after a load.
type ppuState struct {
	VRAM                         [0x2000]byte
	OAM                          [0xA0]byte
	LCDC, STAT, SCY, SCX, LY     byte
	LYC, BGP, OBP0, OBP1, WY, WX byte
	Dot                          int
	WinLine                      byte
	WinTriggered                 bool
}

// SaveState serializes VRAM, OAM, registers, and timing/window state.
func (p *PPU) SaveState() []byte {
	var buf bytes.Buffer
	s := ppuState{
		VRAM: p.vram, OAM: p.oam,
		LCDC: p.lcdc, STAT: p.stat, SCY: p.scy, SCX: p.scx, LY: p.ly,
		LYC: p.lyc, BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1, WY: p.wy, WX: p.wx,
		Dot: p.dot, WinLine: p.winLine, WinTriggered: p.winTriggered,
	}
	_ = gob.NewEncoder(&buf).Encode(s)
	return buf.Bytes()
}

// LoadState restores state written by SaveState. A decode failure leaves
// the PPU untouched.
func (p *PPU) LoadState(data []byte) {
	var s ppuState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	p.vram, p.oam = s.VRAM, s.OAM
	p.lcdc, p.stat, p.scy, p.scx, p.ly = s.LCDC, s.STAT, s.SCY, s.SCX, s.LY
	p.lyc, p.bgp, p.obp0, p.obp1, p.wy, p.wx = s.LYC, s.BGP, s.OBP0, s.OBP1, s.WY, s.WX
	p.dot, p.winLine, p.winTriggered = s.Dot, s.WinLine, s.WinTriggered
}

func (p *PPU) updateLYC() {
	if p.ly == p.lyc {
		p.stat |= 1 << 2
		if (p.stat & (1 << 6)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	} else {
		p.stat &^= 1 << 2
	}
}

// Expose palettes and scroll for renderer convenience (optional helpers)
func (p *PPU) BGP() byte  { return p.bgp }
func (p *PPU) OBP0() byte { return p.obp0 }
func (p *PPU) OBP1() byte { return p.obp1 }
func (p *PPU) LCDC() byte { return p.lcdc }
func (p *PPU) SCY() byte  { return p.scy }
func (p *PPU) SCX() byte  { return p.scx }
func (p *PPU) WY() byte   { return p.wy }
func (p *PPU) WX() byte   { return p.wx }
