package blockhdr

import (
	"bytes"
	"math/big"
	"testing"
)

func TestSerializeNonceOffset(t *testing.T) {
	h := &Header{Version: 1, Time: 2, Bits: 3, Nonce: 0xdeadbeef}
	blob := h.Serialize()

	if len(blob) < NonceOffset+4 {
		t.Fatalf("blob too short: %d", len(blob))
	}
	if blob[NonceOffset] != 0xef || blob[NonceOffset+3] != 0xde {
		t.Errorf("nonce not little-endian at fixed offset: %x", blob[NonceOffset:NonceOffset+4])
	}
}

func TestSetNonceLEIsPortable(t *testing.T) {
	h := &Header{}
	blob := h.Serialize()
	SetNonceLE(blob, 0x01020304)
	want := []byte{0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(blob[NonceOffset:NonceOffset+4], want) {
		t.Errorf("got %x, want %x", blob[NonceOffset:NonceOffset+4], want)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	h := &Header{PrevoutStake: []byte{1, 2, 3}}
	clone := h.Clone()
	clone.PrevoutStake[0] = 0xff
	if h.PrevoutStake[0] == 0xff {
		t.Error("clone shares backing array with original")
	}
}

func TestCompactToTarget(t *testing.T) {
	// 0x1d00ffff is Bitcoin's genesis-era compact target.
	target := CompactToTarget(0x1d00ffff)
	want, _ := new(big.Int).SetString("00000000ffff0000000000000000000000000000000000000000000000000000", 16)
	if target.Cmp(want) != 0 {
		t.Errorf("got %x, want %x", target, want)
	}
}

func TestMeetsTarget(t *testing.T) {
	zero := make([]byte, 32)
	max := bytes.Repeat([]byte{0xff}, 32)

	if !MeetsTarget(zero, max) {
		t.Error("zero hash should meet any target")
	}
	if MeetsTarget(max, zero) {
		t.Error("max hash should not meet zero target")
	}

	target := TargetToBE32(big.NewInt(100))
	below := TargetToBE32(big.NewInt(50))
	above := TargetToBE32(big.NewInt(150))
	if !MeetsTarget(below[:], target[:]) {
		t.Error("50 should meet target 100")
	}
	if MeetsTarget(above[:], target[:]) {
		t.Error("150 should not meet target 100")
	}
}

func TestMeetsTargetEqualIsMet(t *testing.T) {
	v := TargetToBE32(big.NewInt(42))
	if !MeetsTarget(v[:], v[:]) {
		t.Error("hash == target should meet target")
	}
}

func TestSerializeWithoutGapFieldsLength(t *testing.T) {
	h := &Header{Shift: 25, GapSize: 148}
	full := h.Serialize()
	withoutGap := h.SerializeWithoutGapFields()
	if len(full)-len(withoutGap) != 4+32+4 {
		t.Errorf("gap-fields suffix length mismatch: full=%d withoutGap=%d", len(full), len(withoutGap))
	}
}
