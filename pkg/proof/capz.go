package proof

import (
	"encoding/binary"
	"encoding/json"

	"github.com/capassure/capcore/pkg/caperrors"
	"github.com/capassure/capcore/pkg/canonicalize"
)

// CAPZ v2 backend identifiers.
const (
	BackendMock  uint8 = 0
	BackendZKVM  uint8 = 1
	BackendHalo2 uint8 = 2
)

var knownBackends = map[uint8]bool{BackendMock: true, BackendZKVM: true, BackendHalo2: true}

// The fixed header is 78 bytes: the declared fields occupy 76, followed
// by two zero padding bytes, so the payload starts at offset 78.
const (
	capzMagic      = "CAPZ"
	capzVersion    = uint16(0x0002)
	capzHeaderLen  = 78
	capzMaxPayload = 100 * 1024 * 1024 // 100 MiB
)

// Header is the 78-byte CAPZ v2 header.
type Header struct {
	Version    uint16
	Backend    uint8
	VKHash     [32]byte
	ParamsHash [32]byte
	PayloadLen uint32
}

// Encode assembles the CAPZ container: header followed by the canonical
// JSON payload of p.
func Encode(p Proof, vkHash, paramsHash [32]byte) ([]byte, error) {
	payload, err := canonicalize.JCS(p)
	if err != nil {
		return nil, caperrors.Canonicalisation("proof", "failed to canonicalise proof payload: %v", err)
	}
	if len(payload) > capzMaxPayload {
		return nil, caperrors.StorageIO("proof: payload length %d exceeds CAPZ limit", len(payload))
	}

	backend, err := backendIDForType(p.Type)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, capzHeaderLen+len(payload))
	buf = append(buf, []byte(capzMagic)...)
	buf = binary.LittleEndian.AppendUint16(buf, capzVersion)
	buf = append(buf, backend)
	buf = append(buf, 0) // reserved
	buf = append(buf, vkHash[:]...)
	buf = append(buf, paramsHash[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, 0, 0) // header padding
	buf = append(buf, payload...)

	return buf, nil
}

// Decode validates and parses a CAPZ container, returning the header, the
// decoded proof, and the raw vk/params hashes.
func Decode(data []byte) (Header, Proof, error) {
	if len(data) < capzHeaderLen {
		return Header{}, Proof{}, caperrors.StorageCorruption("proof: CAPZ blob shorter than header (%d bytes)", len(data)).WithField("header")
	}
	if string(data[0:4]) != capzMagic {
		return Header{}, Proof{}, caperrors.StorageCorruption("proof: bad CAPZ magic").WithField("magic")
	}

	version := binary.LittleEndian.Uint16(data[4:6])
	if version > capzVersion {
		return Header{}, Proof{}, caperrors.StorageCorruption("proof: unsupported CAPZ version %d", version).WithField("version")
	}

	backend := data[6]
	if !knownBackends[backend] {
		return Header{}, Proof{}, caperrors.StorageCorruption("proof: unknown CAPZ backend %d", backend).WithField("backend")
	}

	var h Header
	h.Version = version
	h.Backend = backend
	copy(h.VKHash[:], data[8:40])
	copy(h.ParamsHash[:], data[40:72])
	h.PayloadLen = binary.LittleEndian.Uint32(data[72:76])

	if h.PayloadLen > capzMaxPayload {
		return Header{}, Proof{}, caperrors.StorageCorruption("proof: payload_len %d exceeds limit", h.PayloadLen).WithField("payload_len")
	}
	if uint32(len(data)-capzHeaderLen) != h.PayloadLen {
		return Header{}, Proof{}, caperrors.StorageCorruption("proof: declared payload_len %d does not match actual %d", h.PayloadLen, len(data)-capzHeaderLen).WithField("payload_len")
	}

	var p Proof
	if err := json.Unmarshal(data[capzHeaderLen:], &p); err != nil {
		return Header{}, Proof{}, caperrors.StorageCorruption("proof: payload is not valid proof JSON: %v", err).WithField("payload")
	}

	return h, p, nil
}

func backendIDForType(proofType string) (uint8, error) {
	switch proofType {
	case "mock", "none":
		return BackendMock, nil
	case "zk", "risc0":
		return BackendZKVM, nil
	case "halo2", "spartan":
		return BackendHalo2, nil
	default:
		return 0, caperrors.Domain("proof: unrecognised proof type %q", proofType)
	}
}
