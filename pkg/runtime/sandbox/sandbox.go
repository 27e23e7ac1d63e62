// Package sandbox executes hosted WASM verifiers under strict confinement
// using wazero (pure-Go WebAssembly runtime). Deny-by-default: no
// filesystem, no network, no environment, no ambient authority.
//
// A limit breach or trap is an engine failure, never a verification
// verdict; callers decide whether to fall back to the native verifier.
package sandbox

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/capassure/capcore/pkg/caperrors"
)

// Limits bounds a single execution. Fuel is enforced as a wall-clock
// deadline under wazero, which meters time rather than instructions.
type Limits struct {
	MemoryLimitBytes int64
	WallClock        time.Duration
	OutputMaxBytes   int
}

// DefaultLimits are the contract defaults: 128 MiB memory, 3 s wall-clock,
// 1 MiB output.
func DefaultLimits() Limits {
	return Limits{
		MemoryLimitBytes: 128 * 1024 * 1024,
		WallClock:        3 * time.Second,
		OutputMaxBytes:   1024 * 1024,
	}
}

// Sandbox is a reusable wazero runtime with WASI instantiated. One
// process-wide instance is expected; Close releases it on shutdown.
type Sandbox struct {
	runtime wazero.Runtime
	limits  Limits
}

// New creates a sandbox with the given limits.
func New(ctx context.Context, limits Limits) (*Sandbox, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if limits.MemoryLimitBytes > 0 {
		// wazero measures memory in 64 KiB pages.
		pages := uint32(limits.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, caperrors.WasmFault("sandbox: WASI instantiation failed: %v", err)
	}
	return &Sandbox{runtime: r, limits: limits}, nil
}

// Run executes wasmBytes with input on stdin and returns its stdout. The
// module is expected to expose the standard _start entry point, read its
// request from stdin, and write a response to stdout. Any trap, limit
// breach, or nonzero exit is a WasmFault.
func (s *Sandbox) Run(ctx context.Context, wasmBytes, input []byte) ([]byte, error) {
	if s.limits.WallClock > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.limits.WallClock)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("cap-verifier").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	// Deny-by-default: no WithFSConfig, no WithSysNanotime, no
	// WithRandSource, no env vars.

	compiled, err := s.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, caperrors.WasmFault("sandbox: compile failed: %v", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := s.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		if exitErr, ok := err.(*sys.ExitError); ok && exitErr.ExitCode() == 0 {
			// _start returning exit code 0 surfaces as an ExitError;
			// that is a clean run, not a fault.
		} else {
			if ctx.Err() != nil {
				return nil, caperrors.WasmFault("sandbox: execution exceeded wall-clock limit (%s)", s.limits.WallClock)
			}
			if isMemoryError(err) {
				return nil, caperrors.WasmFault("sandbox: execution exceeded memory limit (%d bytes)", s.limits.MemoryLimitBytes)
			}
			return nil, caperrors.WasmFault("sandbox: execution trapped: %v", err)
		}
	}
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}

	if s.limits.OutputMaxBytes > 0 && stdout.Len()+stderr.Len() > s.limits.OutputMaxBytes {
		return nil, caperrors.WasmFault("sandbox: output size %d exceeds limit %d", stdout.Len()+stderr.Len(), s.limits.OutputMaxBytes)
	}

	return stdout.Bytes(), nil
}

// Close shuts down the wazero runtime, freeing all compiled modules.
func (s *Sandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
