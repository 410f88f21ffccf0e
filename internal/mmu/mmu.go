package mmu

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"dmgcore/internal/cart"
	"dmgcore/internal/ppu"
)

// Interrupt bit positions in IE/IF.
const (
	IntVBlank = iota
	IntStat
	IntTimer
	IntSerial
	IntJoypad
)

// MMU wires the CPU-visible 16-bit address space to cartridge, WRAM, HRAM,
// the PPU (VRAM/OAM/LCD registers), and the IO register file. Write-side
// effects (joypad multiplex, DIV reset, OAM DMA, serial transfer) live here
// so the CPU and PPU only ever see Read/Write.
type MMU struct {
	cart cart.Cartridge

	// 8 KiB work RAM at 0xC000; 0xE000–0xFDFF echoes C000–DDFF
	wram [0x2000]byte

	// 127 bytes of high RAM at 0xFF80
	hram [0x7F]byte

	// owns VRAM/OAM and the LCD register file
	ppu *ppu.PPU

	ie    byte // 0xFFFF
	ifReg byte // 0xFF0F, low 5 bits backed

	// joypad multiplex
	joypSelect byte // last written row-select bits (5-4)
	joypad     byte // held buttons, Joyp* constants, 1=held
	joypLower4 byte // previous low nibble, for press-edge interrupt detection

	div  byte // FF04, top byte of divInternal
	tima byte // FF05
	tma  byte // FF06
	tac  byte // FF07, low 3 bits backed

	// Countdown until an overflowed TIMA picks up TMA. Zero when idle.
	timaReloadDelay int

	// serial port
	sb byte      // FF01
	sc byte      // FF02, bit7 start / bit0 clock source; transfers complete in the write
	sw io.Writer // optional serial sink

	// Full divider; DIV exposes the top byte, TIMA watches one of its bits.
	divInternal uint16

	// Last value written to FF46. The transfer itself completes inside the write.
	dma byte

	// optional boot ROM overlay
	bootROM     []byte
	bootEnabled bool

	// debug
	debugTimer bool
	debugBus   bool
}

// New constructs a MMU around cart.NewCartridge(rom), which picks the mapper
// from the header and falls back to ROM-only when the header does not parse.
func New(rom []byte) *MMU {
	return NewWithCartridge(cart.NewCartridge(rom))
}

// NewWithCartridge builds the address space around the given cartridge.
func NewWithCartridge(c cart.Cartridge) *MMU {
	b := &MMU{cart: c}
	// The PPU raises interrupts by setting IF bits here.
	b.ppu = ppu.New(func(bit int) { b.ifReg |= 1 << bit })
	if os.Getenv("GB_DEBUG_TIMER") != "" {
		b.debugTimer = true
	}
	if os.Getenv("GB_DEBUG_BUS") != "" {
		b.debugBus = true
	}
	return b
}

// PPU exposes the graphics unit so the machine can pull composed frames.
func (b *MMU) PPU() *ppu.PPU { return b.ppu }

// Cart exposes the cartridge, mainly for battery save handling.
func (b *MMU) Cart() cart.Cartridge { return b.cart }

// ioReg pairs the read and write behavior of one FF00–FF7F register. A nil
// read means the register reads back 0xFF; a nil write drops the byte.
type ioReg struct {
	read  func(b *MMU) byte
	write func(b *MMU, v byte)
}

// ioRegs is the FF00–FF7F register file, keyed by the address low byte.
// Registers the table doesn't know (the APU block among them) read 0xFF and
// swallow writes.
var ioRegs map[byte]ioReg

func init() {
	ioRegs = map[byte]ioReg{
		0x00: { // JOYP
			read:  func(b *MMU) byte { return 0xC0 | (b.joypSelect & 0x30) | b.joypRow() },
			write: func(b *MMU, v byte) { b.joypSelect = v & 0x30; b.updateJoypadIRQ() },
		},
		0x01: { // SB
			read:  func(b *MMU) byte { return b.sb },
			write: func(b *MMU, v byte) { b.sb = v },
		},
		0x02: { // SC: bit7 reads as in-progress, but a transfer never outlives the write
			read: func(b *MMU) byte { return 0x7E | (b.sc & 0x81) },
			write: func(b *MMU, v byte) {
				b.sc = v & 0x81
				if b.sc&0x80 != 0 {
					if b.sw != nil {
						_, _ = b.sw.Write([]byte{b.sb})
					}
					b.ifReg |= 1 << IntSerial
					b.sc &^= 0x80
				}
			},
		},
		0x04: { // DIV: the readable byte is the top half of divInternal
			read: func(b *MMU) byte { return b.div },
			write: func(b *MMU, v byte) {
				// Zeroing the divider can itself look like a falling edge to TIMA.
				prev := b.timerLine()
				b.divInternal = 0
				b.div = 0
				if prev && !b.timerLine() {
					b.clockTIMA()
				}
				if b.debugTimer {
					fmt.Printf("[TMR] DIV cleared; tima=%02X tma=%02X tac=%02X reload=%d\n", b.tima, b.tma, b.tac, b.timaReloadDelay)
				}
			},
		},
		0x05: { // TIMA: a write inside the reload window wins over TMA
			read: func(b *MMU) byte { return b.tima },
			write: func(b *MMU, v byte) {
				b.tima = v
				b.timaReloadDelay = 0
				if b.debugTimer {
					fmt.Printf("[TMR] TIMA=%02X tma=%02X tac=%02X reload=%d\n", v, b.tma, b.tac, b.timaReloadDelay)
				}
			},
		},
		0x06: { // TMA
			read: func(b *MMU) byte { return b.tma },
			write: func(b *MMU, v byte) {
				b.tma = v
				if b.debugTimer {
					fmt.Printf("[TMR] TMA=%02X (tima=%02X tac=%02X reload=%d)\n", v, b.tima, b.tac, b.timaReloadDelay)
				}
			},
		},
		0x07: { // TAC: re-routing the input bit can drop the line just like a DIV clear
			read: func(b *MMU) byte { return 0xF8 | (b.tac & 0x07) },
			write: func(b *MMU, v byte) {
				prev := b.timerLine()
				b.tac = v & 0x07
				if prev && !b.timerLine() {
					b.clockTIMA()
				}
				if b.debugTimer {
					fmt.Printf("[TMR] TAC=%02X (line %v->%v) tima=%02X tma=%02X reload=%d\n", b.tac, prev, b.timerLine(), b.tima, b.tma, b.timaReloadDelay)
				}
			},
		},
		0x0F: { // IF: only the five interrupt bits are backed; the rest read high
			read:  func(b *MMU) byte { return 0xE0 | (b.ifReg & 0x1F) },
			write: func(b *MMU, v byte) { b.ifReg = v & 0x1F },
		},
		0x46: { // OAM DMA: the whole 160-byte block lands before the write returns
			read: func(b *MMU) byte { return b.dma },
			write: func(b *MMU, v byte) {
				b.dma = v
				src := uint16(v) << 8
				for i := 0; i < 0xA0; i++ {
					// WriteOAM sidesteps the mode-2/3 blocking that applies to
					// CPU stores; the copy must land whatever the PPU is doing.
					b.ppu.WriteOAM(i, b.Read(src+uint16(i)))
				}
			},
		},
		0x50: { // boot ROM disable; reads back 0xFF on DMG
			write: func(b *MMU, v byte) {
				if v != 0x00 {
					b.bootEnabled = false
				}
			},
		},
	}

	// The LCD register file lives on the PPU; route those addresses through.
	for _, r := range []byte{0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x47, 0x48, 0x49, 0x4A, 0x4B} {
		reg := uint16(0xFF00) + uint16(r)
		ioRegs[r] = ioReg{
			read:  func(b *MMU) byte { return b.ppu.CPURead(reg) },
			write: func(b *MMU, v byte) { b.ppu.CPUWrite(reg, v) },
		}
	}
}

func (b *MMU) Read(addr uint16) byte {
	switch {
	case addr < 0x8000:
		// Boot ROM overlays the first 256 bytes until FF50 is written
		if b.bootEnabled && addr < 0x0100 && len(b.bootROM) >= 0x100 {
			return b.bootROM[addr]
		}
		return b.cart.Read(addr)
	case addr < 0xA000: // VRAM, mode-gated by the PPU
		return b.ppu.CPURead(addr)
	case addr < 0xC000: // external RAM on the cartridge
		return b.cart.Read(addr)
	case addr < 0xE000:
		return b.wram[addr-0xC000]
	case addr < 0xFE00: // echo of C000–DDFF
		return b.wram[addr-0xE000]
	case addr < 0xFEA0: // OAM, mode-gated by the PPU
		return b.ppu.CPURead(addr)
	case addr < 0xFF00: // unusable pad
		return 0xFF
	case addr < 0xFF80:
		if h, ok := ioRegs[byte(addr)]; ok && h.read != nil {
			return h.read(b)
		}
		return 0xFF
	case addr < 0xFFFF:
		return b.hram[addr-0xFF80]
	default:
		return b.ie
	}
}

// Read16 returns the little-endian pair at addr; address arithmetic wraps in
// 16 bits.
func (b *MMU) Read16(addr uint16) uint16 {
	return uint16(b.Read(addr)) | uint16(b.Read(addr+1))<<8
}

// Write16 stores v little-endian at addr and addr+1 (wrapping).
func (b *MMU) Write16(addr uint16, v uint16) {
	b.Write(addr, byte(v))
	b.Write(addr+1, byte(v>>8))
}

func (b *MMU) Write(addr uint16, value byte) {
	switch {
	case addr < 0x8000: // MBC control
		b.cart.Write(addr, value)
	case addr < 0xA000: // VRAM
		b.ppu.CPUWrite(addr, value)
	case addr < 0xC000: // external RAM
		b.cart.Write(addr, value)
	case addr < 0xE000:
		b.wram[addr-0xC000] = value
	case addr < 0xFE00: // echo of C000–DDFF
		b.wram[addr-0xE000] = value
	case addr < 0xFEA0: // OAM
		b.ppu.CPUWrite(addr, value)
	case addr < 0xFF00: // unusable pad: dropped
		b.dropWrite(addr, value)
	case addr < 0xFF80:
		if h, ok := ioRegs[byte(addr)]; ok && h.write != nil {
			h.write(b, value)
			return
		}
		b.dropWrite(addr, value)
	case addr < 0xFFFF:
		b.hram[addr-0xFF80] = value
	default:
		b.ie = value
	}
}

// dropWrite discards a store to an unmapped address. Surfaced under
// GB_DEBUG_BUS, since a guest poking here usually means a wild pointer in
// the ROM or a decode bug on our side.
func (b *MMU) dropWrite(addr uint16, value byte) {
	if b.debugBus {
		fmt.Printf("[BUS] dropped write %02X -> %04X\n", value, addr)
	}
}

// Button bits for SetJoypadState; a set bit is a held button.
const (
	JoypRight     = 1 << 0
	JoypLeft      = 1 << 1
	JoypUp        = 1 << 2
	JoypDown      = 1 << 3
	JoypA         = 1 << 4
	JoypB         = 1 << 5
	JoypSelectBtn = 1 << 6
	JoypStart     = 1 << 7
)

// SetJoypadState replaces the held-button mask (Joyp* constants) and raises
// the Joypad interrupt if a press became visible on a selected row.
func (b *MMU) SetJoypadState(mask byte) {
	b.joypad = mask
	b.updateJoypadIRQ()
}

// SetSerialWriter attaches a sink for bytes the guest pushes out the serial
// port.
func (b *MMU) SetSerialWriter(w io.Writer) { b.sw = w }

// SetBootROM overlays a 256-byte DMG boot ROM at 0x0000 until the guest
// writes 0xFF50.
func (b *MMU) SetBootROM(data []byte) {
	b.bootROM = nil
	b.bootEnabled = false
	if len(data) >= 0x100 {
		b.bootROM = make([]byte, 0x100)
		copy(b.bootROM, data[:0x100])
		b.bootEnabled = true
	}
}

// Tick moves the machine clock forward: divider, TIMA edge detection and its
// delayed reload, and the PPU advance together, one cycle at a time so no
// edge between two divider states is skipped.
func (b *MMU) Tick(cycles int) {
	for ; cycles > 0; cycles-- {
		prev := b.timerLine()
		b.divInternal++
		b.div = byte(b.divInternal >> 8)

		// Close out a pending reload before edge handling, so an edge landing
		// on the reload cycle counts against the reloaded value.
		if b.timaReloadDelay > 0 {
			b.timaReloadDelay--
			if b.timaReloadDelay == 0 {
				b.tima = b.tma
				b.ifReg |= 1 << IntTimer
			}
		}
		if prev && !b.timerLine() {
			b.clockTIMA()
		}

		b.ppu.Tick(1)
	}
}

// timerLine samples the divider bit TAC routes to TIMA, after the enable
// gate. TIMA counts 1->0 transitions of this line, which is what lets DIV
// and TAC writes clock it outside Tick.
func (b *MMU) timerLine() bool {
	if b.tac&0x04 == 0 {
		return false
	}
	var bit uint
	switch b.tac & 0x03 {
	case 0x00:
		bit = 9 // 4096 Hz
	case 0x01:
		bit = 3 // 262144 Hz
	case 0x02:
		bit = 5 // 65536 Hz
	case 0x03:
		bit = 7 // 16384 Hz
	}
	return (b.divInternal>>bit)&1 != 0
}

// clockTIMA advances TIMA one count. Overflow parks it at zero for four
// cycles; the TMA reload and interrupt request land when that window closes,
// and edges arriving inside the window are lost.
func (b *MMU) clockTIMA() {
	if b.timaReloadDelay > 0 {
		return
	}
	b.tima++
	if b.tima == 0 {
		b.timaReloadDelay = 4
	}
}

// Typed IO accessors. These go through Read/Write so every side effect stays
// on the one dispatch path; callers (tools, tests, the machine) never poke
// register bytes directly.
func (b *MMU) LCDC() byte     { return b.Read(0xFF40) }
func (b *MMU) SetLCDC(v byte) { b.Write(0xFF40, v) }
func (b *MMU) STAT() byte     { return b.Read(0xFF41) }
func (b *MMU) SetSTAT(v byte) { b.Write(0xFF41, v) }
func (b *MMU) LY() byte       { return b.Read(0xFF44) }
func (b *MMU) DIV() byte      { return b.Read(0xFF04) }
func (b *MMU) TIMA() byte     { return b.Read(0xFF05) }
func (b *MMU) IF() byte       { return b.Read(0xFF0F) }
func (b *MMU) SetIF(v byte)   { b.Write(0xFF0F, v) }
func (b *MMU) IE() byte       { return b.Read(0xFFFF) }
func (b *MMU) SetIE(v byte)   { b.Write(0xFFFF, v) }

// RequestInterrupt sets bit (0:VBlank, 1:STAT, 2:Timer, 3:Serial, 4:Joypad)
// in IF.
func (b *MMU) RequestInterrupt(bit int) { b.ifReg |= 1 << bit }

// joypRow folds the pressed-button mask into JOYP's active-low low nibble
// for whichever row(s) the select bits have pulled low. Direction buttons
// occupy the mask's low nibble, action buttons the high nibble, both in
// JOYP bit order.
func (b *MMU) joypRow() byte {
	low := byte(0x0F)
	if b.joypSelect&0x10 == 0 {
		low &^= b.joypad & 0x0F
	}
	if b.joypSelect&0x20 == 0 {
		low &^= (b.joypad >> 4) & 0x0F
	}
	return low
}

// updateJoypadIRQ raises IF bit 4 when any selected input line goes low,
// i.e. a button press became visible through the current multiplex setting.
func (b *MMU) updateJoypadIRQ() {
	low := b.joypRow()
	if b.joypLower4&^low != 0 {
		b.ifReg |= 1 << IntJoypad
	}
	b.joypLower4 = low
}

// mmuState is the gob image of the MMU's own registers and RAM.
type mmuState struct {
	WRAM      [0x2000]byte
	HRAM      [0x7F]byte
	IE, IF    byte
	JoypSel   byte
	Joypad    byte
	JoypL4    byte
	DIV       byte
	TIMA      byte
	TMA       byte
	TAC       byte
	TIMARelay int
	SB, SC    byte
	DivInt    uint16
	DMA       byte
	BootEn    bool
	// PPU and cartridge serialize themselves; their blobs follow this struct
}

func (b *MMU) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	s := mmuState{
		WRAM: b.wram, HRAM: b.hram,
		IE: b.ie, IF: b.ifReg,
		JoypSel: b.joypSelect, Joypad: b.joypad, JoypL4: b.joypLower4,
		DIV: b.div, TIMA: b.tima, TMA: b.tma, TAC: b.tac, TIMARelay: b.timaReloadDelay,
		SB: b.sb, SC: b.sc, DivInt: b.divInternal,
		DMA:    b.dma,
		BootEn: b.bootEnabled,
	}
	_ = enc.Encode(s)
	// PPU blob, then cartridge blob, in a fixed order LoadState mirrors
	if b.ppu != nil {
		ps := b.ppu.SaveState()
		_ = enc.Encode(ps)
	} else {
		_ = enc.Encode([]byte(nil))
	}
	// Cart state
	if bb, ok := b.cart.(interface{ SaveState() []byte }); ok {
		cs := bb.SaveState()
		_ = enc.Encode(cs)
	} else {
		_ = enc.Encode([]byte(nil))
	}
	return buf.Bytes()
}

func (b *MMU) LoadState(data []byte) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var s mmuState
	if err := dec.Decode(&s); err != nil {
		return
	}
	b.wram = s.WRAM
	b.hram = s.HRAM
	b.ie, b.ifReg = s.IE, s.IF
	b.joypSelect, b.joypad, b.joypLower4 = s.JoypSel, s.Joypad, s.JoypL4
	b.div, b.tima, b.tma, b.tac, b.timaReloadDelay = s.DIV, s.TIMA, s.TMA, s.TAC, s.TIMARelay
	b.sb, b.sc, b.divInternal = s.SB, s.SC, s.DivInt
	b.dma = s.DMA
	b.bootEnabled = s.BootEn
	// PPU
	var ps []byte
	if err := dec.Decode(&ps); err == nil && b.ppu != nil {
		b.ppu.LoadState(ps)
	}
	// Cart
	var cs []byte
	if err := dec.Decode(&cs); err == nil {
		if bb, ok := b.cart.(interface{ LoadState([]byte) }); ok {
			bb.LoadState(cs)
		}
	}
}
