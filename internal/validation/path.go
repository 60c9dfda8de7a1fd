package validation

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// DecodePath parses hex-encoded little-endian 16-bit vertex indices. The
// result must have exactly slots entries.
func DecodePath(s string, slots int) ([]uint16, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("path is not hex: %w", err)
	}
	if len(raw) != 2*slots {
		return nil, fmt.Errorf("path has %d bytes, want %d", len(raw), 2*slots)
	}
	path := make([]uint16, slots)
	for i := range path {
		path[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return path, nil
}

// EncodePath is the inverse of DecodePath.
func EncodePath(path []uint16) string {
	raw := make([]byte, 0, 2*len(path))
	for _, vertex := range path {
		raw = binary.LittleEndian.AppendUint16(raw, vertex)
	}
	return hex.EncodeToString(raw)
}

// NewRequest decodes a wire submission against a job payload.
func NewRequest(payloadHex, nonceHex, pathHex string, slots int, jobTarget, blockTarget *big.Int, at time.Time) (*Request, error) {
	payload, err := hex.DecodeString(payloadHex)
	if err != nil {
		return nil, fmt.Errorf("job payload is not hex: %w", err)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("nonce is not hex: %w", err)
	}
	path, err := DecodePath(pathHex, slots)
	if err != nil {
		return nil, err
	}
	return &Request{
		Payload:     payload,
		Nonce:       nonce,
		Path:        path,
		JobTarget:   jobTarget,
		BlockTarget: blockTarget,
		SubmittedAt: at,
	}, nil
}

// BlockHex splices a solved header over the header region of the template's
// serialized block.
func BlockHex(header []byte, templateBlockHex string) (string, error) {
	headerHex := hex.EncodeToString(header)
	if len(templateBlockHex) < len(headerHex) {
		return "", fmt.Errorf("template block is %d hex chars, shorter than the %d char header",
			len(templateBlockHex), len(headerHex))
	}
	return headerHex + templateBlockHex[len(headerHex):], nil
}
