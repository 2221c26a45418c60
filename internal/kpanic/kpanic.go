// Package kpanic implements the four error severities of spec.md §7:
// recoverable API errors are plain kernerr.Errno returns and never touch
// this package; resource exhaustion escalates to Panic only when a boot-time
// invariant cannot be maintained; CPU exceptions (trap vectors 0-31) funnel
// through Handler.Trap; allocator double-free/bounds violations are routed
// through LogIgnore and never treated as fatal.
//
// This is a hosted simulation: there is no VGA framebuffer to paint
// white-on-red. Handler renders the same textual content spec.md §7
// describes (message, file:line, register dump, backtrace) to a
// structured logr.Logger and to an io.Writer standing in for the console.
package kpanic

import (
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/lattice-os/corekernel/internal/arch"
)

// HaltFunc stops the (simulated) CPU. In production this never returns; in
// tests it is typically a function that records the call instead of exiting
// the process.
type HaltFunc func()

// Handler is the registered trap/panic sink for a booted kernel instance.
type Handler struct {
	log  logr.Logger
	out  io.Writer
	halt HaltFunc
}

// NewHandler constructs a Handler. If halt is nil, halting is a no-op,
// which is what every test of boot/panic behavior wants: observe the dump,
// don't kill the test binary.
func NewHandler(log logr.Logger, out io.Writer, halt HaltFunc) *Handler {
	if halt == nil {
		halt = func() {}
	}
	return &Handler{log: log.WithName("kpanic"), out: out, halt: halt}
}

// FrameReader resolves the return address and caller's frame pointer stored
// at frame pointer fp. It returns ok=false when fp does not look like a
// valid frame (heuristic bounds are the caller's responsibility to apply by
// returning false past some known stack extent).
type FrameReader func(fp uintptr) (retAddr, callerFP uintptr, ok bool)

// Backtrace walks a frame-pointer chain starting at startFP, returning
// return addresses oldest-call-last. It is best-effort: it stops at the
// first unreadable frame, a zero frame pointer, or a chain that fails to
// move strictly upward (a common heuristic for a corrupted or terminal
// frame), and never walks more than 32 frames.
func Backtrace(startFP uintptr, read FrameReader) []uintptr {
	const maxFrames = 32
	var frames []uintptr
	fp := startFP
	for i := 0; i < maxFrames && fp != 0; i++ {
		retAddr, callerFP, ok := read(fp)
		if !ok {
			break
		}
		frames = append(frames, retAddr)
		if callerFP <= fp {
			break
		}
		fp = callerFP
	}
	return frames
}

// Trap handles a CPU exception (trap vectors 0-31) taken in kernel context:
// it renders a diagnostic dump and halts. It never returns.
func (h *Handler) Trap(vector int, ctx *arch.CPUContext, reason, file string, line int, read FrameReader) {
	var bt []uintptr
	if ctx != nil && read != nil {
		bt = Backtrace(ctx.FP, read)
	}
	h.render(fmt.Sprintf("trap %d: %s", vector, reason), file, line, ctx, bt)
	h.halt()
}

// Panic is the severity-2 escalation path: a resource exhaustion that a
// core invariant cannot tolerate (spec.md §4.D's "no processes to schedule
// and no idle task", or any boot stage whose failure leaves the kernel
// unable to proceed). It never returns.
func (h *Handler) Panic(reason, file string, line int) {
	h.render(reason, file, line, nil, nil)
	h.halt()
}

func (h *Handler) render(reason, file string, line int, ctx *arch.CPUContext, backtrace []uintptr) {
	fmt.Fprintf(h.out, "\x1b[37;41m*** KERNEL PANIC ***\x1b[0m\n")
	fmt.Fprintf(h.out, "%s\n", reason)
	fmt.Fprintf(h.out, "at %s:%d\n", file, line)
	if ctx != nil {
		fmt.Fprintf(h.out, "sp=%#x fp=%#x regs=%v\n", ctx.SP, ctx.FP, ctx.Regs)
	}
	if len(backtrace) > 0 {
		fmt.Fprintf(h.out, "backtrace:\n")
		for i, addr := range backtrace {
			fmt.Fprintf(h.out, "  #%d %#x\n", i, addr)
		}
	}
	h.log.Error(nil, reason, "file", file, "line", line, "backtrace", backtrace)
}

// LogIgnore is severity 4: a double-free or allocator bounds violation.
// These are logged and ignored rather than panicked, because panicking in
// a free path tends to mask the bug that caused the invalid free in the
// first place.
func LogIgnore(log logr.Logger, op, detail string) {
	log.Info("allocator violation ignored", "op", op, "detail", detail)
}
