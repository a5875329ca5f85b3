// Completion: 100% - Platform-specific module complete
//go:build linux && amd64

package launch

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/ploader/internal/elfimage"
)

const (
	stackSize  = 8 << 20 // 8 MiB, matching the default Linux process stack limit
	trampoline = 22       // movabs rsp, imm64 (10) + movabs rax, imm64 (10) + jmp rax (2)
)

// start builds a System V AMD64 initial stack (argc, argv, envp, a
// minimal auxv) and a tiny machine-code trampoline that loads that
// stack pointer and jumps to exe.Entry. The trampoline exists because
// Go gives no other way to set %rsp and transfer control to a raw
// address in one step; see DESIGN.md for why this, rather than a
// syscall-level exec, is how control actually reaches the loaded image.
func start(exe *elfimage.Executable, opts Options) error {
	stackTop, err := buildStack(opts)
	if err != nil {
		return fmt.Errorf("launch: building initial stack: %w", err)
	}

	code := buildTrampoline(stackTop, exe.Entry)
	page, err := allocateExecutablePage(len(code))
	if err != nil {
		return fmt.Errorf("launch: allocating trampoline page: %w", err)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(page)), len(code)), code)

	// A Go func value is itself a pointer to a funcval struct whose
	// first word is the entry PC. page is only the PC (the trampoline's
	// address), not a pointer to such a struct, so it cannot be used as
	// the func value's bits directly. codeAddr supplies that missing
	// level of indirection: its own address serves as the "funcval",
	// with codeAddr's content as that funcval's first (and only
	// relevant) word, the entry PC.
	codeAddr := page
	ptr := unsafe.Pointer(&codeAddr)
	jump := *(*func())(unsafe.Pointer(&ptr))
	jump()
	return fmt.Errorf("launch: entry point returned unexpectedly")
}

// buildTrampoline hand-assembles:
//
//	48 BC <imm64>   movabs rsp, stackTop
//	48 B8 <imm64>   movabs rax, entry
//	FF E0           jmp    rax
func buildTrampoline(stackTop uintptr, entry uint64) []byte {
	buf := make([]byte, trampoline)
	buf[0], buf[1] = 0x48, 0xBC
	putUint64(buf[2:10], uint64(stackTop))
	buf[10], buf[11] = 0x48, 0xB8
	putUint64(buf[12:20], entry)
	buf[20], buf[21] = 0xFF, 0xE0
	return buf
}

func putUint64(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

// buildStack lays out argc, a null-terminated argv pointer array, a
// null-terminated envp pointer array, a minimal auxv (AT_NULL only),
// and the backing string data, in one anonymous read-write mapping, and
// returns the address to load into %rsp.
func buildStack(opts Options) (uintptr, error) {
	base, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		0,
		stackSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
		^uintptr(0),
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("mmap stack: %w", errno)
	}

	top := base + stackSize
	write := func(s string) uintptr {
		b := append([]byte(s), 0)
		top -= uintptr(len(b))
		dst := unsafe.Slice((*byte)(unsafe.Pointer(top)), len(b))
		copy(dst, b)
		return top
	}

	argvPtrs := make([]uintptr, len(opts.Argv))
	for i, a := range opts.Argv {
		argvPtrs[i] = write(a)
	}
	envpPtrs := make([]uintptr, len(opts.Envp))
	for i, e := range opts.Envp {
		envpPtrs[i] = write(e)
	}

	// 16-byte align before writing the pointer tables.
	top &^= 0xF

	pushWord := func(v uintptr) {
		top -= 8
		*(*uintptr)(unsafe.Pointer(top)) = v
	}

	// auxv: AT_NULL terminator only. A real exec supplies AT_PAGESZ,
	// AT_RANDOM and friends; this loader's targets are expected not to
	// depend on them (see SPEC_FULL.md's Non-goals around dynamic
	// linking).
	pushWord(0)
	pushWord(0)

	pushWord(0) // envp terminator
	for i := len(envpPtrs) - 1; i >= 0; i-- {
		pushWord(envpPtrs[i])
	}
	pushWord(0) // argv terminator
	for i := len(argvPtrs) - 1; i >= 0; i-- {
		pushWord(argvPtrs[i])
	}
	pushWord(uintptr(len(argvPtrs))) // argc

	return top, nil
}

// allocateExecutablePage mmaps a RWX anonymous region, rounded up to
// whole 4096-byte pages, to stage the trampoline's machine code before
// running it.
func allocateExecutablePage(size int) (uintptr, error) {
	pageSize := 4096
	allocSize := ((size + pageSize - 1) / pageSize) * pageSize

	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		0,
		uintptr(allocSize),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON,
		^uintptr(0),
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("mmap executable page: %w", errno)
	}
	return addr, nil
}
