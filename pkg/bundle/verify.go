package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/capassure/capcore/pkg/caperrors"
	"github.com/capassure/capcore/pkg/canonicalize"
	"github.com/capassure/capcore/pkg/registry"
	"github.com/capassure/capcore/pkg/runtime/sandbox"
	"github.com/capassure/capcore/pkg/verifier"
)

// VerifyConfig controls how a parsed bundle is verified.
type VerifyConfig struct {
	Options     verifier.Options
	TrustedKeys map[string]verifier.TrustedKey
	// Sandbox, when set and the bundle carries verifier.wasm, hosts the
	// bundled verifier. Nil means native verification.
	Sandbox *sandbox.Sandbox
	// FallbackNative permits falling back to the native verifier on a
	// WasmFault. The fault itself is an engine failure, not a verdict.
	FallbackNative bool
}

// wasmRequest is the byte-slice contract of the hosted verifier entry
// point: manifest, proof and options as one canonical JSON document on
// stdin, a canonical VerifyReport on stdout.
type wasmRequest struct {
	Manifest  json.RawMessage  `json:"manifest"`
	Proof     json.RawMessage  `json:"proof"`
	Options   verifier.Options `json:"options"`
	Registry  []registry.Entry `json:"registry,omitempty"`
	Timestamp json.RawMessage  `json:"timestamp,omitempty"`
}

// Verify runs verification for a parsed bundle, dispatching to the
// bundled WASM verifier when present and configured, and to the native
// verifier core otherwise.
func Verify(ctx context.Context, p *Parsed, cfg VerifyConfig) (verifier.Report, error) {
	if p.VerifierWasm != nil && cfg.Sandbox != nil {
		report, err := verifyHosted(ctx, p, cfg)
		if err == nil {
			return report, nil
		}
		var capErr *caperrors.Error
		if errors.As(err, &capErr) && capErr.Kind == caperrors.KindWasmFault && cfg.FallbackNative {
			return verifyNative(p, cfg), nil
		}
		return verifier.Report{}, err
	}
	return verifyNative(p, cfg), nil
}

func verifyNative(p *Parsed, cfg VerifyConfig) verifier.Report {
	in := verifier.Input{
		Manifest:    p.Manifest,
		Proof:       p.Proof,
		Timestamp:   p.Timestamp,
		TrustedKeys: cfg.TrustedKeys,
		Options:     cfg.Options,
	}
	if p.Registry != nil {
		in.Registry = p.Registry.Entries
	}
	return verifier.Verify(in)
}

func verifyHosted(ctx context.Context, p *Parsed, cfg VerifyConfig) (verifier.Report, error) {
	manifestJSON, err := canonicalize.JCS(p.Manifest)
	if err != nil {
		return verifier.Report{}, caperrors.Canonicalisation("manifest", "failed to canonicalise manifest: %v", err)
	}
	proofJSON, err := canonicalize.JCS(p.Proof)
	if err != nil {
		return verifier.Report{}, caperrors.Canonicalisation("proof", "failed to canonicalise proof: %v", err)
	}
	req := wasmRequest{
		Manifest: manifestJSON,
		Proof:    proofJSON,
		Options:  cfg.Options,
	}
	if p.Registry != nil {
		req.Registry = p.Registry.Entries
	}
	if p.Timestamp != nil {
		tsJSON, err := canonicalize.JCS(p.Timestamp)
		if err != nil {
			return verifier.Report{}, caperrors.Canonicalisation("timestamp", "failed to canonicalise timestamp: %v", err)
		}
		req.Timestamp = tsJSON
	}
	input, err := canonicalize.JCS(req)
	if err != nil {
		return verifier.Report{}, caperrors.Canonicalisation("request", "failed to canonicalise verifier request: %v", err)
	}

	out, err := cfg.Sandbox.Run(ctx, p.VerifierWasm, input)
	if err != nil {
		return verifier.Report{}, err
	}
	var report verifier.Report
	if err := json.Unmarshal(out, &report); err != nil {
		return verifier.Report{}, caperrors.WasmFault("bundle: hosted verifier produced invalid report: %v", err)
	}
	return report, nil
}

// Result pairs a bundle path with its verification outcome.
type Result struct {
	Path   string
	Report verifier.Report
	Err    error
}

// VerifyAll parses and verifies many bundles concurrently with a bounded
// worker pool, preserving input order in the results.
func VerifyAll(ctx context.Context, paths []string, workers int, cfg VerifyConfig) []Result {
	if workers <= 0 {
		workers = 4
	}
	results := make([]Result, len(paths))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, path := range paths {
		wg.Add(1)
		go func(idx int, dir string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res := Result{Path: dir}
			if err := ctx.Err(); err != nil {
				res.Err = caperrors.Cancelled("bundle: verification cancelled")
				results[idx] = res
				return
			}
			parsed, err := Parse(dir)
			if err != nil {
				res.Err = err
				results[idx] = res
				return
			}
			res.Report, res.Err = Verify(ctx, parsed, cfg)
			results[idx] = res
		}(i, path)
	}
	wg.Wait()
	return results
}
