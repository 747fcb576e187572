// Package address derives deterministic record addresses and validates the
// base58 identifiers used for tokens and users.
//
// Addresses follow the program-derived-address scheme: SHA-256 over the
// seeds, a bump byte, the program id and a fixed marker, searching bumps from
// 255 downwards until the digest is not a valid ed25519 point. No private key
// can exist for such an address.
package address

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Size is the byte length of every address and identifier.
const Size = 32

const pdaMarker = "ProgramDerivedAddress"

var (
	// ErrInvalidAddress is returned for strings that are not base58
	// encodings of exactly 32 bytes.
	ErrInvalidAddress = errors.New("address: invalid base58 identifier")

	// ErrNoViableBump is returned when every bump yields an on-curve point.
	ErrNoViableBump = errors.New("address: unable to find a viable bump seed")
)

// Program identifies the deployment whose records are being addressed.
type Program [Size]byte

// DefaultProgram is the program id used when none is configured.
var DefaultProgram = NewProgram("recovery-room/v1")

// NewProgram derives a program id from a human-readable name.
func NewProgram(name string) Program {
	return Program(sha256.Sum256([]byte(name)))
}

// ParseProgram decodes a base58 program id.
func ParseProgram(s string) (Program, error) {
	b, err := Decode(s)
	if err != nil {
		return Program{}, err
	}
	return Program(b), nil
}

func (p Program) String() string {
	return base58.Encode(p[:])
}

// Decode parses a base58 string into 32 bytes.
func Decode(s string) ([Size]byte, error) {
	var out [Size]byte
	raw, err := base58.Decode(s)
	if err != nil {
		return out, fmt.Errorf("%w: %s", ErrInvalidAddress, s)
	}
	if len(raw) != Size {
		return out, fmt.Errorf("%w: %s decodes to %d bytes", ErrInvalidAddress, s, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// Encode returns the base58 text form of b.
func Encode(b [Size]byte) string {
	return base58.Encode(b[:])
}

// Validate reports whether s is a well-formed identifier.
func Validate(s string) error {
	_, err := Decode(s)
	return err
}

// Derive finds the program-derived address for seeds and returns it with the
// bump that produced it.
func Derive(program Program, seeds ...[]byte) (string, uint8, error) {
	for bump := 255; bump > 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{byte(bump)})
		h.Write(program[:])
		h.Write([]byte(pdaMarker))
		sum := h.Sum(nil)

		if !onCurve(sum) {
			return base58.Encode(sum), uint8(bump), nil
		}
	}
	return "", 0, ErrNoViableBump
}

func onCurve(b []byte) bool {
	if len(b) != Size {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// Protocol returns the address of the singleton protocol config.
func Protocol(program Program) (string, error) {
	addr, _, err := Derive(program, []byte("protocol"))
	return addr, err
}

// Round returns the address of round id.
func Round(program Program, id uint64) (string, error) {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], id)
	addr, _, err := Derive(program, []byte("round"), le[:])
	return addr, err
}

// Pool returns the address of the token pool belonging to roundAddr.
func Pool(program Program, roundAddr string) (string, error) {
	r, err := Decode(roundAddr)
	if err != nil {
		return "", err
	}
	addr, _, err := Derive(program, []byte("token_pool"), r[:])
	return addr, err
}

// Participation returns the address of user's record in roundAddr. The
// address is unique per (round, user), which is what limits a user to one
// participation per round.
func Participation(program Program, roundAddr, user string) (string, error) {
	r, err := Decode(roundAddr)
	if err != nil {
		return "", err
	}
	u, err := Decode(user)
	if err != nil {
		return "", err
	}
	addr, _, err := Derive(program, []byte("participation"), r[:], u[:])
	return addr, err
}
