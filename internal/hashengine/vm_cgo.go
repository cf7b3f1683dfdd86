//go:build cgo && rx

// Package hashengine implements the R hash engine from spec.md §4.1: a
// memory-hard, epoch-keyed hash function with a light (cache-only) and full
// (dataset-preloaded) mode and per-thread execution contexts.
//
// This file binds the native RandomX-family library via cgo. Build with
// `-tags rx` against a host that has libRandomX installed; without the tag
// (or without cgo) the pure-Go placeholder in vm_stub.go is linked instead,
// so the module always compiles.
package hashengine

/*
#cgo CFLAGS: -I${SRCDIR}/include
#cgo LDFLAGS: -L${SRCDIR}/lib -lrandomx -lstdc++ -lm
#cgo linux LDFLAGS: -lpthread
#cgo darwin LDFLAGS: -lpthread

#include <stdlib.h>
#include <randomx.h>
*/
import "C"

import (
	"errors"
	"unsafe"
)

// nativeFlags mirrors the native randomx_flags bitset.
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
	return nativeFlags(C.randomx_get_flags())
}

var (
	errCacheAlloc   = errors.New("hashengine: native cache allocation failed")
	errDatasetAlloc = errors.New("hashengine: native dataset allocation failed")
	errVMCreate     = errors.New("hashengine: native vm creation failed")
)

type nativeCache struct {
	ptr *C.randomx_cache
}

func newNativeCache(flags nativeFlags, key []byte) (*nativeCache, error) {
	ptr := C.randomx_alloc_cache(C.randomx_flags(flags))
	if ptr == nil {
		return nil, errCacheAlloc
	}
	keyPtr := unsafe.Pointer(&key[0])
	C.randomx_init_cache(ptr, keyPtr, C.size_t(len(key)))
	return &nativeCache{ptr: ptr}, nil
}

func (c *nativeCache) close() {
	if c.ptr != nil {
		C.randomx_release_cache(c.ptr)
		c.ptr = nil
	}
}

type nativeDataset struct {
	ptr *C.randomx_dataset
}

func newNativeDataset(flags nativeFlags, cache *nativeCache) (*nativeDataset, error) {
	ptr := C.randomx_alloc_dataset(C.randomx_flags(flags))
	if ptr == nil {
		return nil, errDatasetAlloc
	}
	return &nativeDataset{ptr: ptr}, nil
}

func (d *nativeDataset) itemCount() uint64 {
	return uint64(C.randomx_dataset_item_count())
}

func (d *nativeDataset) initRange(cache *nativeCache, start, count uint64) {
	C.randomx_init_dataset(d.ptr, cache.ptr, C.ulong(start), C.ulong(count))
}

func (d *nativeDataset) close() {
	if d.ptr != nil {
		C.randomx_release_dataset(d.ptr)
		d.ptr = nil
	}
}

type nativeVM struct {
	ptr *C.randomx_vm
}

func newNativeVM(flags nativeFlags, cache *nativeCache, dataset *nativeDataset) (*nativeVM, error) {
	var ds *C.randomx_dataset
	if dataset != nil {
		ds = dataset.ptr
	}
	ptr := C.randomx_create_vm(C.randomx_flags(flags), cache.ptr, ds)
	if ptr == nil {
		return nil, errVMCreate
	}
	return &nativeVM{ptr: ptr}, nil
}

func (v *nativeVM) hash(input []byte) [32]byte {
	var out [32]byte
	if len(input) == 0 {
		var zero byte
		C.randomx_calculate_hash(v.ptr, unsafe.Pointer(&zero), 0, unsafe.Pointer(&out[0]))
		return out
	}
	C.randomx_calculate_hash(v.ptr, unsafe.Pointer(&input[0]), C.size_t(len(input)), unsafe.Pointer(&out[0]))
	return out
}

func (v *nativeVM) close() {
	if v.ptr != nil {
		C.randomx_destroy_vm(v.ptr)
		v.ptr = nil
	}
}

const backendName = "native"
