// Package caperrors defines the closed set of typed error kinds surfaced
// by the core. Every kind carries a machine-readable code plus structural
// field paths and hashes; none carry personally identifying information.
package caperrors

import "fmt"

// Kind enumerates the error categories from the error-handling design.
type Kind string

const (
	KindCanonicalisation     Kind = "canonicalisation"
	KindSchemaValidation     Kind = "schema_validation"
	KindHashMismatch         Kind = "hash_mismatch"
	KindSignatureInvalid     Kind = "signature_invalid"
	KindUnknownSigner        Kind = "unknown_signer"
	KindRegistryMiss         Kind = "registry_miss"
	KindTimestampInvalid     Kind = "timestamp_invalid"
	KindStorageIO            Kind = "storage_io"
	KindStorageCorruption    Kind = "storage_corruption"
	KindWasmFault            Kind = "wasm_fault"
	KindHashConflict         Kind = "hash_conflict"
	KindCancelled            Kind = "cancelled"
	KindMissingStatement     Kind = "missing_statement"
	KindManifestProofMismatch Kind = "manifest_proof_mismatch"
	KindPolicyHashMismatch   Kind = "policy_hash_mismatch"
	KindAnchorInconsistent   Kind = "anchor_inconsistent"
	KindKeyNotActive         Kind = "key_not_active"
	KindDomain               Kind = "domain_error"
)

// Error is the single error type used across the core. Field and Hashes
// are optional structural pointers into the offending data, never free text
// containing user data.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	Hashes  map[string]string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WithField returns a copy of e with Field set, for call sites that learn
// the offending field after construction.
func (e *Error) WithField(field string) *Error {
	cp := *e
	cp.Field = field
	return &cp
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func new_(kind Kind, field, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Field: field}
}

func Canonicalisation(field, format string, args ...interface{}) *Error {
	return new_(KindCanonicalisation, field, format, args...)
}

func SchemaValidation(ruleID, format string, args ...interface{}) *Error {
	return new_(KindSchemaValidation, ruleID, format, args...)
}

func HashMismatch(field, expected, actual string) *Error {
	e := new_(KindHashMismatch, field, "hash mismatch: expected %s, got %s", expected, actual)
	e.Hashes = map[string]string{"expected": expected, "actual": actual}
	return e
}

func SignatureInvalid(field string) *Error {
	return new_(KindSignatureInvalid, field, "signature verification failed")
}

func UnknownSigner(kid string) *Error {
	return new_(KindUnknownSigner, "kid", "unknown signer kid %q", kid)
}

func RegistryMiss() *Error {
	return new_(KindRegistryMiss, "", "no matching registry entry")
}

func TimestampInvalid() *Error {
	return new_(KindTimestampInvalid, "timestamp", "timestamp verification failed")
}

func StorageIO(format string, args ...interface{}) *Error {
	return new_(KindStorageIO, "", format, args...)
}

func StorageCorruption(format string, args ...interface{}) *Error {
	return new_(KindStorageCorruption, "", format, args...)
}

func WasmFault(format string, args ...interface{}) *Error {
	return new_(KindWasmFault, "", format, args...)
}

func HashConflict(field string) *Error {
	return new_(KindHashConflict, field, "conflicting body for existing identifier")
}

func Cancelled(format string, args ...interface{}) *Error {
	return new_(KindCancelled, "", format, args...)
}

func MissingStatement(field string) *Error {
	return new_(KindMissingStatement, field, "required statement field absent")
}

func ManifestProofMismatch(field string) *Error {
	return new_(KindManifestProofMismatch, field, "manifest and proof disagree")
}

func PolicyHashMismatch() *Error {
	return new_(KindPolicyHashMismatch, "policy.hash", "manifest policy hash does not match proof policy hash")
}

func AnchorInconsistent(field string) *Error {
	return new_(KindAnchorInconsistent, field, "dual anchor is internally inconsistent")
}

func KeyNotActive(kid string) *Error {
	return new_(KindKeyNotActive, "kid", "key %q is not active", kid)
}

func Domain(format string, args ...interface{}) *Error {
	return new_(KindDomain, "", format, args...)
}
