//go:build !cgo || !rx

// Package hashengine — this file backs the engine when the native
// RandomX-family library isn't linked (no cgo, or built without -tags rx).
// It preserves the engine's external contract (same key derivation, same
// LIGHT==FULL equivalence, same thread-local VM shape) with a much cheaper
// construction, so the rest of the module — and its tests — never need the
// real native library to exercise HashEngine's logic.
package hashengine

import (
	"crypto/sha256"
	"errors"
)

type nativeFlags uint32

const (
	flagDefault     nativeFlags = 0
	flagHardAES     nativeFlags = 1 << 1
	flagFullMem     nativeFlags = 1 << 2
	flagJIT         nativeFlags = 1 << 3
	flagSecure      nativeFlags = 1 << 4
	flagArgon2SSSE3 nativeFlags = 1 << 5
	flagArgon2AVX2  nativeFlags = 1 << 6
	flagArgon2      nativeFlags = 1 << 7
)

func recommendedFlags() nativeFlags {
	return flagJIT | flagHardAES
}

var (
	errCacheAlloc   = errors.New("hashengine: cache allocation failed")
	errDatasetAlloc = errors.New("hashengine: dataset allocation failed")
	errVMCreate     = errors.New("hashengine: vm creation failed")
)

// cacheSize is intentionally small relative to real RandomX's ~256MiB cache:
// this backend stands in for memory-hardness, it does not reproduce it.
const cacheSize = 1 << 16

type nativeCache struct {
	buf []byte
}

func newNativeCache(flags nativeFlags, key []byte) (*nativeCache, error) {
	if len(key) == 0 {
		return nil, errCacheAlloc
	}
	buf := make([]byte, cacheSize)
	block := sha256.Sum256(key)
	for i := 0; i < len(buf); i += len(block) {
		copy(buf[i:], block[:])
		block = sha256.Sum256(block[:])
	}
	return &nativeCache{buf: buf}, nil
}

func (c *nativeCache) close() { c.buf = nil }

// nativeDataset exists only to mirror the real backend's allocation and
// partitioned-init shape; its contents are never read by hash(), which is
// exactly what makes the LIGHT==FULL equivalence hold trivially here.
type nativeDataset struct {
	items uint64
}

func newNativeDataset(flags nativeFlags, cache *nativeCache) (*nativeDataset, error) {
	if cache == nil {
		return nil, errDatasetAlloc
	}
	return &nativeDataset{items: 1 << 20}, nil
}

func (d *nativeDataset) itemCount() uint64 { return d.items }

func (d *nativeDataset) initRange(cache *nativeCache, start, count uint64) {
	// No-op: this backend's hash does not consult dataset contents.
}

func (d *nativeDataset) close() {}

type nativeVM struct {
	cache *nativeCache
}

func newNativeVM(flags nativeFlags, cache *nativeCache, dataset *nativeDataset) (*nativeVM, error) {
	if cache == nil {
		return nil, errVMCreate
	}
	return &nativeVM{cache: cache}, nil
}

func (v *nativeVM) hash(input []byte) [32]byte {
	h := sha256.New()
	h.Write(v.cache.buf[:4096])
	h.Write(input)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	// A handful of extra rounds mixing back into the cache slice gives the
	// stub a passing resemblance to a multi-round memory-hard function
	// without claiming to be one.
	for i := 0; i < 4; i++ {
		h2 := sha256.New()
		h2.Write(out[:])
		h2.Write(v.cache.buf[i*4096 : i*4096+4096])
		copy(out[:], h2.Sum(nil))
	}
	return out
}

func (v *nativeVM) close() { v.cache = nil }

const backendName = "stub"
