package emu

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash"

	"dmgcore/internal/cart"
	"dmgcore/internal/cpu"
	"dmgcore/internal/mmu"
)

// Buttons is the host-side view of the joypad: one bool per physical button.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

// shades maps the PPU's 2-bit palette-applied output (0=lightest) to RGBA.
// Classic DMG greens.
var shades = [4][3]byte{
	{0xE0, 0xF8, 0xD0},
	{0x88, 0xC0, 0x70},
	{0x34, 0x68, 0x56},
	{0x08, 0x18, 0x20},
}

// Machine composes cartridge, MMU, CPU, and PPU and drives them one CPU
// instruction at a time: the CPU's cycle count feeds the MMU's Tick, which
// advances the timers and the PPU.
type Machine struct {
	cfg Config

	bus *mmu.MMU
	cpu *cpu.CPU

	cart    cart.Cartridge
	header  *cart.Header
	romPath string
	boot    []byte

	sw io.Writer

	fb        []byte // RGBA 160x144*4
	lastFrame time.Time
}

// New creates a machine with no cartridge loaded. Call LoadCartridge or
// LoadROMFromFile before stepping.
func New(cfg Config) *Machine {
	return &Machine{
		cfg: cfg,
		fb:  make([]byte, 160*144*4),
	}
}

// LoadCartridge wires a cartridge from the raw ROM image and resets the
// machine. A truncated image or reserved ROM-size byte is a cartridge-format
// error and leaves the machine unchanged. If boot is a 256-byte DMG boot ROM
// it is mapped at 0x0000 and execution starts there; otherwise the machine
// comes up in the post-boot state.
func (m *Machine) LoadCartridge(rom []byte, boot []byte) error {
	c, h, err := cart.NewCartridgeChecked(rom)
	if err != nil {
		return fmt.Errorf("load cartridge: %w", err)
	}
	m.cart = c
	m.header = h
	m.bus = mmu.NewWithCartridge(c)
	m.cpu = cpu.New(m.bus)
	if len(boot) >= 0x100 {
		m.boot = boot
	}
	if m.sw != nil {
		m.bus.SetSerialWriter(m.sw)
	}
	if len(m.boot) >= 0x100 {
		m.bus.SetBootROM(m.boot)
		m.cpu.SP = 0xFFFE
		m.cpu.PC = 0x0000
	} else {
		m.Reset()
	}
	return nil
}

// LoadROMFromFile reads a ROM image from disk and loads it, remembering the
// path for battery/state placement.
func (m *Machine) LoadROMFromFile(path string) error {
	rom, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read ROM: %w", err)
	}
	if err := m.LoadCartridge(rom, m.boot); err != nil {
		return err
	}
	m.romPath = path
	return nil
}

// SetBootROM installs a DMG boot ROM used by subsequent LoadCartridge calls.
func (m *Machine) SetBootROM(data []byte) {
	m.boot = data
	if m.bus != nil {
		m.bus.SetBootROM(data)
	}
}

// Reset applies the boot-ROM-skip state: registers, IO defaults, and PC at
// the cartridge entry point.
func (m *Machine) Reset() {
	if m.cpu == nil {
		return
	}
	m.cpu.ResetNoBoot()
	m.cpu.SetPC(0x0100)
	b := m.bus
	b.Write(0xFF00, 0xCF) // JOYP: both rows selected, nothing pressed
	b.Write(0xFF05, 0x00) // TIMA
	b.Write(0xFF06, 0x00) // TMA
	b.Write(0xFF07, 0x00) // TAC
	b.SetIF(0xE1)
	b.SetLCDC(0x91)
	b.Write(0xFF42, 0x00) // SCY
	b.Write(0xFF43, 0x00) // SCX
	b.Write(0xFF45, 0x00) // LYC
	b.Write(0xFF47, 0xFC) // BGP
	b.Write(0xFF48, 0xFF) // OBP0
	b.Write(0xFF49, 0xFF) // OBP1
	b.Write(0xFF4A, 0x00) // WY
	b.Write(0xFF4B, 0x00) // WX
	b.SetIE(0x00)
}

// Step executes one CPU instruction plus the timer/PPU work it induces and
// reports the elapsed cycles. redraw is true when this step crossed into
// VBlank, meaning a full frame has been composed and Framebuffer is stale
// until RenderFrame (StepFrame does this automatically).
func (m *Machine) Step() (cycles int, redraw bool) {
	before := m.bus.PPU().FrameCount()
	if m.cfg.Trace {
		pc := m.cpu.PC
		fmt.Printf("PC=%04X OP=%02X A=%02X F=%02X SP=%04X\n",
			pc, m.bus.Read(pc), m.cpu.A, m.cpu.F, m.cpu.SP)
	}
	cycles = m.cpu.Step()
	redraw = m.bus.PPU().FrameCount() != before
	return cycles, redraw
}

// frameBudget caps a StepFrame loop at two frames' worth of cycles, so a machine with the LCD off still returns at frame cadence.
const frameBudget = 70224 * 2

// StepFrame runs until the PPU finishes the current frame, then converts the
// composed picture into the RGBA framebuffer.
func (m *Machine) StepFrame() {
	m.stepFrame()
	m.RenderFrame()
}

// StepFrameNoRender runs a frame's worth of emulation without touching the
// RGBA framebuffer. Headless tooling (blargg runs, benchmarks) uses this.
func (m *Machine) StepFrameNoRender() {
	m.stepFrame()
}

func (m *Machine) stepFrame() {
	if m.cpu == nil {
		return
	}
	spent := 0
	for spent < frameBudget {
		cycles, redraw := m.Step()
		spent += cycles
		if redraw {
			break
		}
	}
	if m.cfg.LimitFPS {
		const framePeriod = time.Second * 70224 / 4194304
		if d := framePeriod - time.Since(m.lastFrame); d > 0 {
			time.Sleep(d)
		}
		m.lastFrame = time.Now()
	}
}

// RenderFrame converts the PPU's 2-bit shade frame into RGBA pixels.
func (m *Machine) RenderFrame() {
	if m.bus == nil {
		return
	}
	frame := m.bus.PPU().Frame()
	for y := 0; y < 144; y++ {
		row := frame[y]
		for x := 0; x < 160; x++ {
			s := shades[row[x]&0x03]
			i := (y*160 + x) * 4
			m.fb[i+0] = s[0]
			m.fb[i+1] = s[1]
			m.fb[i+2] = s[2]
			m.fb[i+3] = 0xFF
		}
	}
}

// Framebuffer returns the RGBA 160x144 pixel buffer filled by StepFrame.
func (m *Machine) Framebuffer() []byte { return m.fb }

// FrameHash returns a 64-bit xxhash of the current RGBA framebuffer. Tests
// and headless tooling use it to compare frames without keeping pixel dumps.
func (m *Machine) FrameHash() uint64 { return xxhash.Sum64(m.fb) }

// SetButtons pushes the host's current button state into the joypad matrix.
// A newly pressed button on a selected row raises the Joypad interrupt.
func (m *Machine) SetButtons(b Buttons) {
	if m.bus == nil {
		return
	}
	var mask byte
	if b.Right {
		mask |= mmu.JoypRight
	}
	if b.Left {
		mask |= mmu.JoypLeft
	}
	if b.Up {
		mask |= mmu.JoypUp
	}
	if b.Down {
		mask |= mmu.JoypDown
	}
	if b.A {
		mask |= mmu.JoypA
	}
	if b.B {
		mask |= mmu.JoypB
	}
	if b.Select {
		mask |= mmu.JoypSelectBtn
	}
	if b.Start {
		mask |= mmu.JoypStart
	}
	m.bus.SetJoypadState(mask)
}

// SetSerialWriter attaches a sink for serial output (blargg test ROMs report
// results this way). Survives subsequent LoadCartridge calls.
func (m *Machine) SetSerialWriter(w io.Writer) {
	m.sw = w
	if m.bus != nil {
		m.bus.SetSerialWriter(w)
	}
}

// ROMTitle returns the cartridge header title, or "" when no header parsed.
func (m *Machine) ROMTitle() string {
	if m.header == nil {
		return ""
	}
	return m.header.Title
}

// ROMPath returns the path of the last LoadROMFromFile, or "".
func (m *Machine) ROMPath() string { return m.romPath }

// Bus exposes the MMU for diagnostic memory inspection.
func (m *Machine) Bus() *mmu.MMU { return m.bus }

// Registers is a diagnostic snapshot of the CPU register file.
type Registers struct {
	A, F, B, C, D, E, H, L byte
	SP, PC                 uint16
	IME                    bool
}

// Registers returns the current CPU register file for diagnostics.
func (m *Machine) Registers() Registers {
	c := m.cpu
	if c == nil {
		return Registers{}
	}
	return Registers{
		A: c.A, F: c.F, B: c.B, C: c.C, D: c.D, E: c.E, H: c.H, L: c.L,
		SP: c.SP, PC: c.PC, IME: c.IME,
	}
}

// SaveBattery returns a copy of the cartridge's external RAM when the
// cartridge is battery-backed and has RAM to persist.
func (m *Machine) SaveBattery() ([]byte, bool) {
	bb, ok := m.cart.(cart.BatteryBacked)
	if !ok {
		return nil, false
	}
	data := bb.SaveRAM()
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}

// LoadBattery restores external RAM saved by SaveBattery.
func (m *Machine) LoadBattery(data []byte) bool {
	bb, ok := m.cart.(cart.BatteryBacked)
	if !ok || len(data) == 0 {
		return false
	}
	bb.LoadRAM(data)
	return true
}

// SaveState serializes the full machine (CPU + MMU, which carries PPU and
// cartridge banking state).
func (m *Machine) SaveState() []byte {
	if m.cpu == nil || m.bus == nil {
		return nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(m.cpu.SaveState())
	_ = enc.Encode(m.bus.SaveState())
	return buf.Bytes()
}

// LoadState restores a SaveState blob. The currently loaded cartridge must
// match the one the state was taken from.
func (m *Machine) LoadState(data []byte) error {
	if m.cpu == nil || m.bus == nil {
		return fmt.Errorf("load state: no cartridge loaded")
	}
	dec := gob.NewDecoder(bytes.NewReader(data))
	var cs, ms []byte
	if err := dec.Decode(&cs); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if err := dec.Decode(&ms); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	m.cpu.LoadState(cs)
	m.bus.LoadState(ms)
	return nil
}

// SaveStateToFile writes a machine state snapshot to path.
func (m *Machine) SaveStateToFile(path string) error {
	data := m.SaveState()
	if data == nil {
		return fmt.Errorf("save state: no cartridge loaded")
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadStateFromFile restores a snapshot written by SaveStateToFile.
func (m *Machine) LoadStateFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return m.LoadState(data)
}
