package loader

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/xyproto/ploader/internal/fault"
)

// writeMinimalELF hand-assembles a one-segment ELF64 ET_EXEC x86_64
// file, just enough for elfimage.Parse to accept it, without needing a
// prebuilt binary fixture on disk.
func writeMinimalELF(t *testing.T) string {
	t.Helper()

	const ehsize, phoff, phentsize = 64, 64, 56
	buf := make([]byte, phoff+phentsize)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4], buf[5], buf[6] = 2, 1, 1

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)
	le.PutUint16(buf[18:], 62)
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], 0x401000)
	le.PutUint64(buf[32:], phoff)
	le.PutUint16(buf[52:], ehsize)
	le.PutUint16(buf[54:], phentsize)
	le.PutUint16(buf[56:], 1)

	ph := buf[phoff:]
	le.PutUint32(ph[0:], 1)
	le.PutUint32(ph[4:], 5)
	le.PutUint64(ph[16:], 0x400000)
	le.PutUint64(ph[24:], 0x400000)
	le.PutUint64(ph[32:], uint64(len(buf)))
	le.PutUint64(ph[40:], uint64(len(buf)))
	le.PutUint64(ph[48:], 0x1000)

	path := filepath.Join(t.TempDir(), "fixture.elf")
	if err := os.WriteFile(path, buf, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestExecuteRejectsMissingFile(t *testing.T) {
	l := New(func() (fault.Backend, error) { return fault.NewFakeBackend(), nil })
	if err := l.Execute("/nonexistent/path/to/a/binary", nil, nil); err == nil {
		t.Fatalf("Execute on a missing file should fail")
	}
}

func TestExecuteRejectsNonELF(t *testing.T) {
	l := New(func() (fault.Backend, error) { return fault.NewFakeBackend(), nil })
	if err := l.Execute("loader_test.go", nil, nil); err == nil {
		t.Fatalf("Execute on a non-ELF file should fail")
	}
}

func TestExecutePropagatesBackendFactoryError(t *testing.T) {
	path := writeMinimalELF(t)
	wantErr := errors.New("backend unavailable")
	l := New(func() (fault.Backend, error) { return nil, wantErr })

	err := l.Execute(path, nil, nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Execute error = %v, want it to wrap the backend factory's error %v", err, wantErr)
	}
}
