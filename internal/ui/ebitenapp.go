package ui

import (
	"fmt"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"dmgcore/internal/emu"
)

// App is the ebiten host: it owns a Machine, steps it once per Update, and
// blits the framebuffer in Draw. Input is polled each tick and pushed into
// the joypad matrix before stepping.
type App struct {
	cfg    Config
	m      *emu.Machine
	tex    *ebiten.Image
	paused bool
	turbo  int // frames stepped per tick: 4 while Tab is held, 1 otherwise

	// save-state slot management
	currentSlot int // 0..3

	// rom picker state
	showPicker bool
	romList    []string
	romSel     int
	romOff     int // scroll offset for ROM list

	// toast feedback
	toastMsg   string
	toastUntil time.Time
}

func NewApp(cfg Config, m *emu.Machine) *App {
	cfg.Defaults()
	ebiten.SetWindowTitle(cfg.Title)
	ebiten.SetWindowSize(160*cfg.Scale, 144*cfg.Scale)
	a := &App{cfg: cfg, m: m, turbo: 1}
	// No ROM loaded yet: open the picker so the window isn't a black box
	if m != nil && m.ROMPath() == "" {
		a.showPicker = true
		a.romList = a.findROMs()
	}
	if m != nil && m.ROMPath() != "" {
		a.setTitleFromROM()
	}
	return a
}

func (a *App) Run() error { return ebiten.RunGame(a) }

func (a *App) setTitleFromROM() {
	title := a.cfg.Title
	if t := a.m.ROMTitle(); t != "" {
		title = a.cfg.Title + " - [" + t + "]"
	}
	ebiten.SetWindowTitle(title)
}

func (a *App) Update() error {
	if a.showPicker {
		return a.updatePicker()
	}

	// Hotkeys
	if inpututil.IsKeyJustPressed(ebiten.KeyP) {
		a.paused = !a.paused
		if a.paused {
			a.toast("Paused")
		} else {
			a.toast("Resumed")
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		a.showPicker = true
		a.romList = a.findROMs()
		return nil
	}
	for i, k := range []ebiten.Key{ebiten.Key1, ebiten.Key2, ebiten.Key3, ebiten.Key4} {
		if inpututil.IsKeyJustPressed(k) {
			a.currentSlot = i
			a.toast(fmt.Sprintf("Slot %d", i+1))
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF5) {
		if err := a.saveSlot(a.currentSlot); err != nil {
			a.toast("Save failed: " + err.Error())
		} else {
			a.toast(fmt.Sprintf("Saved slot %d", a.currentSlot+1))
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF9) {
		if err := a.loadSlot(a.currentSlot); err != nil {
			a.toast("Load failed: " + err.Error())
		} else {
			a.toast(fmt.Sprintf("Loaded slot %d", a.currentSlot+1))
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF12) {
		if err := a.saveScreenshot(); err != nil {
			a.toast("Screenshot failed: " + err.Error())
		} else {
			a.toast("Screenshot saved")
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyR) {
		a.m.Reset()
		a.toast("Reset")
	}
	a.turbo = 1
	if ebiten.IsKeyPressed(ebiten.KeyTab) {
		a.turbo = 4
	}

	a.m.SetButtons(emu.Buttons{
		A:      ebiten.IsKeyPressed(ebiten.KeyX),
		B:      ebiten.IsKeyPressed(ebiten.KeyZ),
		Start:  ebiten.IsKeyPressed(ebiten.KeyEnter),
		Select: ebiten.IsKeyPressed(ebiten.KeyShiftRight) || ebiten.IsKeyPressed(ebiten.KeyBackspace),
		Up:     ebiten.IsKeyPressed(ebiten.KeyArrowUp),
		Down:   ebiten.IsKeyPressed(ebiten.KeyArrowDown),
		Left:   ebiten.IsKeyPressed(ebiten.KeyArrowLeft),
		Right:  ebiten.IsKeyPressed(ebiten.KeyArrowRight),
	})

	if a.paused {
		return nil
	}
	// Turbo steps extra frames without rendering; only the last one is drawn.
	for i := 1; i < a.turbo; i++ {
		a.m.StepFrameNoRender()
	}
	a.m.StepFrame()
	return nil
}

func (a *App) updatePicker() error {
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) && a.m.ROMPath() != "" {
		a.showPicker = false
		return nil
	}
	if len(a.romList) > 0 {
		if inpututil.IsKeyJustPressed(ebiten.KeyArrowDown) {
			a.romSel = (a.romSel + 1) % len(a.romList)
		}
		if inpututil.IsKeyJustPressed(ebiten.KeyArrowUp) {
			a.romSel = (a.romSel - 1 + len(a.romList)) % len(a.romList)
		}
		// Keep selection within the 8-row view
		if a.romSel < a.romOff {
			a.romOff = a.romSel
		}
		if a.romSel >= a.romOff+8 {
			a.romOff = a.romSel - 7
		}
		if inpututil.IsKeyJustPressed(ebiten.KeyEnter) {
			path := a.romList[a.romSel]
			if err := a.m.LoadROMFromFile(path); err != nil {
				a.toast("Load failed: " + err.Error())
			} else {
				a.showPicker = false
				a.setTitleFromROM()
			}
		}
	}
	return nil
}

func (a *App) Draw(screen *ebiten.Image) {
	if a.tex == nil {
		a.tex = ebiten.NewImage(160, 144)
	}
	a.tex.WritePixels(a.m.Framebuffer())
	screen.DrawImage(a.tex, nil)

	if a.toastMsg != "" && time.Now().Before(a.toastUntil) {
		ebitenutil.DebugPrintAt(screen, a.toastMsg, 6, 4)
	}

	if a.showPicker {
		overlay := ebiten.NewImage(160, 144)
		overlay.Fill(color.RGBA{0, 0, 0, 140})
		screen.DrawImage(overlay, nil)
		ebitenutil.DebugPrintAt(screen, "Select ROM ("+a.cfg.ROMsDir+"):", 6, 6)
		if len(a.romList) == 0 {
			ebitenutil.DebugPrintAt(screen, "  no .gb files found", 6, 22)
			return
		}
		end := a.romOff + 8
		if end > len(a.romList) {
			end = len(a.romList)
		}
		for i := a.romOff; i < end; i++ {
			prefix := "  "
			if i == a.romSel {
				prefix = "> "
			}
			name := filepath.Base(a.romList[i])
			if len(name) > 24 {
				name = name[:21] + "..."
			}
			ebitenutil.DebugPrintAt(screen, prefix+name, 6, 22+(i-a.romOff)*14)
		}
	}
}

func (a *App) Layout(outW, outH int) (int, int) { return 160, 144 }

func (a *App) toast(msg string) {
	a.toastMsg = msg
	a.toastUntil = time.Now().Add(2 * time.Second)
}

// findROMs lists .gb files under the configured ROMs directory plus the
// current directory, sorted by name.
func (a *App) findROMs() []string {
	var out []string
	for _, dir := range []string{a.cfg.ROMsDir, "."} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if strings.HasSuffix(strings.ToLower(e.Name()), ".gb") {
				out = append(out, filepath.Join(dir, e.Name()))
			}
		}
	}
	sort.Strings(out)
	return out
}

// --- Save states (per-ROM, per-slot) ---

// statePath builds <ROMName>.slot<slot>.savestate next to the ROM.
func (a *App) statePath(slot int) string {
	base := "unknown"
	if a.m != nil && a.m.ROMPath() != "" {
		base = a.m.ROMPath()
	}
	dir := filepath.Dir(base)
	name := filepath.Base(base)
	return filepath.Join(dir, fmt.Sprintf("%s.slot%d.savestate", name, slot))
}

func (a *App) saveSlot(slot int) error { return a.m.SaveStateToFile(a.statePath(slot)) }
func (a *App) loadSlot(slot int) error { return a.m.LoadStateFromFile(a.statePath(slot)) }

// saveScreenshot writes the current framebuffer as a timestamped PNG next to
// the ROM (or the working directory when no ROM path is known).
func (a *App) saveScreenshot() error {
	dir := "."
	if a.m.ROMPath() != "" {
		dir = filepath.Dir(a.m.ROMPath())
	}
	name := fmt.Sprintf("gbemu_%s.png", time.Now().Format("20060102_150405"))
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()
	if a.tex == nil {
		a.tex = ebiten.NewImage(160, 144)
		a.tex.WritePixels(a.m.Framebuffer())
	}
	return png.Encode(f, a.tex)
}
