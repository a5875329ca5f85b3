package elfimage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// writeMinimalELF hand-assembles the smallest ELF64 ET_EXEC x86_64 file
// with one PT_LOAD segment that debug/elf will accept, so Parse can be
// exercised without shipping a prebuilt binary fixture.
func writeMinimalELF(t *testing.T, entry uint64, filesz, memsz uint64, flags uint32) string {
	t.Helper()

	const ehsize = 64
	const phoff = ehsize
	const phentsize = 56

	buf := make([]byte, phoff+phentsize)

	// e_ident
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EI_VERSION

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)            // e_type = ET_EXEC
	le.PutUint16(buf[18:], 62)           // e_machine = EM_X86_64
	le.PutUint32(buf[20:], 1)            // e_version
	le.PutUint64(buf[24:], entry)        // e_entry
	le.PutUint64(buf[32:], phoff)        // e_phoff
	le.PutUint64(buf[40:], 0)            // e_shoff
	le.PutUint32(buf[48:], 0)            // e_flags
	le.PutUint16(buf[52:], ehsize)       // e_ehsize
	le.PutUint16(buf[54:], phentsize)    // e_phentsize
	le.PutUint16(buf[56:], 1)            // e_phnum
	le.PutUint16(buf[58:], 0)            // e_shentsize
	le.PutUint16(buf[60:], 0)            // e_shnum
	le.PutUint16(buf[62:], 0)            // e_shstrndx

	ph := buf[phoff:]
	le.PutUint32(ph[0:], 1)       // p_type = PT_LOAD
	le.PutUint32(ph[4:], flags)   // p_flags
	le.PutUint64(ph[8:], 0)       // p_offset
	le.PutUint64(ph[16:], 0x400000)
	le.PutUint64(ph[24:], 0x400000)
	le.PutUint64(ph[32:], filesz) // p_filesz
	le.PutUint64(ph[40:], memsz)  // p_memsz
	le.PutUint64(ph[48:], 0x1000) // p_align

	if uint64(len(buf)) < filesz {
		buf = append(buf, make([]byte, filesz-uint64(len(buf)))...)
	}

	path := filepath.Join(t.TempDir(), "fixture.elf")
	if err := os.WriteFile(path, buf, 0o755); err != nil {
		t.Fatalf("writing ELF fixture: %v", err)
	}
	return path
}

func TestParseLoadSegment(t *testing.T) {
	const flagsRX = 5 // PF_R | PF_X
	path := writeMinimalELF(t, 0x401000, 200, 200, flagsRX)

	exe, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if exe.Entry != 0x401000 {
		t.Fatalf("Entry = 0x%x, want 0x401000", exe.Entry)
	}
	if len(exe.Segments) != 1 {
		t.Fatalf("len(Segments) = %d, want 1", len(exe.Segments))
	}
	seg := exe.Segments[0]
	if seg.VAddr != 0x400000 {
		t.Fatalf("VAddr = 0x%x, want 0x400000", seg.VAddr)
	}
	if seg.Perm != PermRead|PermExec {
		t.Fatalf("Perm = %s, want r-x", seg.Perm)
	}
}

func TestParseBSSTail(t *testing.T) {
	const flagsRW = 6 // PF_R | PF_W
	path := writeMinimalELF(t, 0x401000, 50, 500, flagsRW)

	exe, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	seg := exe.Segments[0]
	if seg.FileSize != 50 || seg.MemSize != 500 {
		t.Fatalf("FileSize/MemSize = %d/%d, want 50/500", seg.FileSize, seg.MemSize)
	}
}

func TestPermString(t *testing.T) {
	cases := []struct {
		p    Perm
		want string
	}{
		{0, "---"},
		{PermRead, "r--"},
		{PermRead | PermWrite, "rw-"},
		{PermRead | PermExec, "r-x"},
		{PermRead | PermWrite | PermExec, "rwx"},
	}
	for _, c := range cases {
		if got := c.p.String(); got != c.want {
			t.Errorf("Perm(%d).String() = %q, want %q", c.p, got, c.want)
		}
	}
}

func TestParseRejectsNonExec(t *testing.T) {
	path := writeMinimalELF(t, 0, 0, 0, 5)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	raw[16] = 3 // e_type = ET_DYN
	if err := os.WriteFile(path, raw, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Parse(path); err == nil {
		t.Fatalf("Parse of an ET_DYN file should fail")
	}
}
