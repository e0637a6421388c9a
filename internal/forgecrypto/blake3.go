// Package forgecrypto is the single source of hashing and signing for the
// core. Every component that needs a content digest, a fingerprint, or a
// tamper-evident signature goes through this package rather than calling a
// hash library directly, so the dispatch and key-derivation policy stays in
// one place.
package forgecrypto

import (
	"crypto/hkdf"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/sys/cpu"
	"lukechampine.com/blake3"
)

// Size is the digest length in bytes (BLAKE3-32, used for content-store
// addressing).
const Size = 32

// Digest is a fixed-size BLAKE3 output.
type Digest [Size]byte

func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:])
}

// IsZero reports whether d is the zero digest (never a valid hash output in
// practice, used as a sentinel for "not yet computed").
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest decodes a hex-encoded digest, as received in a remote cache
// URL path or header.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != Size*2 {
		return Digest{}, fmt.Errorf("forgecrypto: invalid digest length %q", s)
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return Digest{}, fmt.Errorf("forgecrypto: invalid digest %q: %w", s, err)
	}
	return d, nil
}

// path names which compression backend the dispatcher selected. It exists
// purely for diagnostics; callers never branch on it.
type path string

const (
	pathPortable path = "portable"
	pathSIMD     path = "simd-avx2"
	pathNEON     path = "neon"
)

// dispatcher is a function-pointer-style indirection: a single hash
// entrypoint selected once at startup by feature detection, never
// re-evaluated per call.
type dispatcher struct {
	path path
	hash func(data []byte) Digest
}

var active *dispatcher

func init() {
	active = selectDispatcher()
}

// selectDispatcher picks portable vs SIMD vs NEON. lukechampine.com/blake3
// already performs its own internal CPU dispatch for the compression
// function; forgecrypto layers a coarser, inspectable selection on top.
// FORGE_DISABLE_SIMD selects hashPortable, which changes the entry point
// and the reported path but not the library's own dispatch underneath.
func selectDispatcher() *dispatcher {
	if disableSIMDEnv() {
		return &dispatcher{path: pathPortable, hash: hashPortable}
	}
	switch {
	case cpu.X86.HasAVX2:
		return &dispatcher{path: pathSIMD, hash: hashBLAKE3}
	case cpu.ARM64.HasASIMD:
		return &dispatcher{path: pathNEON, hash: hashBLAKE3}
	default:
		return &dispatcher{path: pathPortable, hash: hashPortable}
	}
}

func disableSIMDEnv() bool {
	v := os.Getenv("FORGE_DISABLE_SIMD")
	return v == "1" || v == "true"
}

// hashBLAKE3 delegates to the blake3 library's dispatched implementation.
func hashBLAKE3(data []byte) Digest {
	return blake3.Sum256(data)
}

// hashPortable is the path used when SIMD is disabled or unavailable. It
// hashes through the library's streaming hasher instead of Sum256; the
// library still applies its own CPU dispatch for the compression function,
// so this is not a separate scalar implementation. The digest is identical
// to hashBLAKE3's.
func hashPortable(data []byte) Digest {
	h := blake3.New(Size, nil)
	h.Write(data)
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// Hash returns the unkeyed BLAKE3-32 digest of data, using whichever path
// the startup dispatcher selected.
func Hash(data []byte) Digest {
	return active.hash(data)
}

// ActivePath reports which compression path is in effect, for diagnostics
// and the `forge doctor` style of introspection.
func ActivePath() string {
	return string(active.path)
}

// KeyedHash computes a keyed BLAKE3 MAC, the primitive sign/verify build on.
// key must be exactly 32 bytes; shorter or longer keys are stretched or
// truncated via HKDF-SHA256 so callers can pass arbitrary key material
// (e.g. a derived workspace key) without handling the length constraint
// themselves.
func KeyedHash(key, data []byte) Digest {
	k := normalizeKey(key)
	h := blake3.New(Size, k[:])
	h.Write(data)
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

func normalizeKey(key []byte) [Size]byte {
	var out [Size]byte
	if len(key) == Size {
		copy(out[:], key)
		return out
	}
	derived, err := hkdf.Key(sha256.New, key, nil, "forge.build/cache-mac/v1", Size)
	if err != nil {
		// hkdf.Key only errors on a zero-length output, which Size never is.
		panic(fmt.Sprintf("forgecrypto: key derivation failed: %v", err))
	}
	copy(out[:], derived)
	return out
}

// ConstantTimeEqual compares two digests without leaking timing
// information about where they first differ, the comparison verify() uses.
func ConstantTimeEqual(a, b Digest) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// Sign produces a keyed MAC over data under key. The signed payload is the
// caller's responsibility to construct (version prefix + timestamp + body);
// Sign only performs the keyed hash.
func Sign(key, data []byte) Digest {
	return KeyedHash(key, data)
}

// Verify reports whether sig is the correct keyed MAC of data under key,
// using a constant-time comparison.
func Verify(key, data []byte, sig Digest) bool {
	return ConstantTimeEqual(KeyedHash(key, data), sig)
}

// DeriveWorkspaceKey derives a local signing key from a workspace path and a
// machine identifier, for caches that are not explicitly given an external
// key (the local, unshared cache case). The derivation is deterministic so
// the same workspace on the same machine always recovers the same key.
func DeriveWorkspaceKey(workspaceRoot, machineID string) []byte {
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], uint64(len(workspaceRoot))<<32|uint64(len(machineID)))
	ikm := append([]byte(workspaceRoot+"\x00"+machineID), salt[:]...)
	key, err := hkdf.Key(sha256.New, ikm, nil, "forge.build/workspace-key/v1", Size)
	if err != nil {
		panic(fmt.Sprintf("forgecrypto: workspace key derivation failed: %v", err))
	}
	return key
}
