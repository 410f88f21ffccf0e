package cart

import "testing"

func TestMBC5_NineBitROMBanking(t *testing.T) {
	// 8 MiB worth would be wasteful; 513 banks just to cross bit 8 is
	// overkill too. Use 2 MiB (128 banks) for the low-byte path and fake
	// the high bit by checking the computed offset clamps to 0xFF reads.
	rom := make([]byte, 2*1024*1024)
	for bank := 0; bank < 128; bank++ {
		rom[bank*0x4000] = byte(bank)
	}
	m := NewMBC5(rom, 0)

	if got := m.Read(0x4000); got != 0x01 {
		t.Fatalf("default bank got %02X want 01", got)
	}

	// Low 8 bits select directly; unlike MBC1 there are no hole banks.
	m.Write(0x2000, 0x64)
	if got := m.Read(0x4000); got != 0x64 {
		t.Fatalf("bank 0x64 read got %02X want 64", got)
	}

	// Bit 8 write pushes the index past this ROM's end: reads fall to 0xFF.
	m.Write(0x3000, 0x01)
	if got := m.Read(0x4000); got != 0xFF {
		t.Fatalf("out-of-range bank read got %02X want FF", got)
	}
	m.Write(0x3000, 0x00)
	if got := m.Read(0x4000); got != 0x64 {
		t.Fatalf("clearing bit 8 should restore bank 0x64, got %02X", got)
	}

	// Writing 0 to the low byte maps to bank 1 on the next read.
	m.Write(0x2000, 0x00)
	if got := m.Read(0x4000); got != 0x01 {
		t.Fatalf("bank 0 remap got %02X want 01", got)
	}
}

func TestMBC5_RAMBankingAndState(t *testing.T) {
	rom := make([]byte, 64*0x4000)
	m := NewMBC5(rom, 32*1024) // 4 banks of 8 KiB

	// Disabled RAM reads as 0xFF and swallows writes.
	m.Write(0xA000, 0x11)
	if got := m.Read(0xA000); got != 0xFF {
		t.Fatalf("disabled RAM read got %02X want FF", got)
	}

	m.Write(0x0000, 0x0A) // enable
	m.Write(0x4000, 0x02) // bank 2
	m.Write(0xA000, 0x22)
	m.Write(0x4000, 0x00)
	if got := m.Read(0xA000); got != 0x00 {
		t.Fatalf("bank 0 should not alias bank 2: got %02X", got)
	}
	m.Write(0x4000, 0x02)
	if got := m.Read(0xA000); got != 0x22 {
		t.Fatalf("bank 2 read-back got %02X want 22", got)
	}

	// Banking registers and RAM survive a state round-trip.
	snap := m.SaveState()
	m2 := NewMBC5(rom, 32*1024)
	m2.LoadState(snap)
	if got := m2.Read(0xA000); got != 0x22 {
		t.Fatalf("restored bank 2 read got %02X want 22", got)
	}
}
