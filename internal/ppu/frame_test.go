package ppu

import "testing"

func TestFrameBGShading(t *testing.T) {
	p := New(nil)
	p.CPUWrite(0xFF40, 0x80|0x01) // LCD on, BG on, map 0x9800, tile data 0x8800 (bit4=0)
	// tilemap 0x9800 defaults to zero bytes -> tile index 0, which under
	// 0x8800 addressing lives at 0x9000.
	for row := 0; row < 8; row++ {
		p.CPUWrite(0x9000+uint16(row)*2, 0xFF)
		p.CPUWrite(0x9001+uint16(row)*2, 0xFF)
	}
	p.CPUWrite(0xFF47, 0xE4) // identity BGP: 0->0,1->1,2->2,3->3

	advanceLines(p, 1)
	p.Tick(80 + 172 + 4) // finish pixel transfer into HBlank for line 0

	frame := p.Frame()
	if frame[0][0] != 3 {
		t.Fatalf("expected shade 3 at (0,0), got %d", frame[0][0])
	}
}

func TestFrameSpriteOverBG(t *testing.T) {
	p := New(nil)
	// Write tile and OAM data first, while LCD is off (mode 0, no access
	// restrictions), then enable LCDC so the OAM write below isn't blocked
	// by the mode-2/3 access rules CPUWrite enforces.
	p.CPUWrite(0xFF47, 0xE4)
	p.CPUWrite(0xFF48, 0xE4) // OBP0 identity

	// Sprite tile 1 at 0x8010: solid color 1 row
	p.CPUWrite(0x8010, 0xFF)
	p.CPUWrite(0x8011, 0x00)
	// OAM entry 0: Y=16 (screen Y=0), X=8 (screen X=0), tile=1, attr=0
	p.CPUWrite(0xFE00, 16)
	p.CPUWrite(0xFE01, 8)
	p.CPUWrite(0xFE02, 1)
	p.CPUWrite(0xFE03, 0)

	// LCD+BG+OBJ on, tile data 0x8000 (bit4 set) so tile 0/1 are unsigned.
	p.CPUWrite(0xFF40, 0x80|0x01|0x02|0x10)

	advanceLines(p, 1)
	p.Tick(80 + 172 + 4)

	frame := p.Frame()
	if frame[0][0] != 1 {
		t.Fatalf("expected sprite shade 1 at (0,0), got %d", frame[0][0])
	}
}
