package cnsocket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"
)

func TestDefaultKey_Value(t *testing.T) {
	if got, want := DefaultKey.Uint64(), uint64(0x51217e5472243e61); got != want {
		t.Errorf("DefaultKey = %#x, want %#x", got, want)
	}
	if KeyFromUint64(DefaultKey.Uint64()) != DefaultKey {
		t.Error("KeyFromUint64 does not invert Uint64")
	}
}

func TestNewKey(t *testing.T) {
	base := DefaultKey.Uint64()
	bigTime := uint64(1 << 40)
	iv := uint64(DefaultIV + 1)

	tests := []struct {
		name     string
		uTime    uint64
		iv1, iv2 int32
		want     uint64
	}{
		{"identity", 1, 0, 0, base},
		{"time", 2, 0, 0, base * 2},
		{"seeds", 3, 1, 2, base * (3 * 2 * 3)},
		{"zero seed", 5, -1, 7, 0},
		{"negative seed sign-extends", 1, -3, 0, base * uint64(0xFFFFFFFFFFFFFFFE)},
		{"wraps", bigTime, DefaultIV, DefaultIV, base * (bigTime * iv * iv)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewKey(tt.uTime, tt.iv1, tt.iv2).Uint64()
			if got != tt.want {
				t.Errorf("NewKey(%d, %d, %d) = %#x, want %#x", tt.uTime, tt.iv1, tt.iv2, got, tt.want)
			}
		})
	}
}

func TestSwapBlocks_Layout(t *testing.T) {
	// 16 bytes: block size 16%5*2+8 = 10, one complete block, swap 0 and 9.
	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i)
	}
	swapBlocks(data)

	want := []byte{9, 1, 2, 3, 4, 5, 6, 7, 8, 0, 10, 11, 12, 13, 14, 15}
	if !bytes.Equal(data, want) {
		t.Errorf("swapBlocks = %v, want %v", data, want)
	}
}

func TestSwapBlocks_ShortPayloadUntouched(t *testing.T) {
	for size := 0; size < 8; size++ {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i + 1)
		}
		orig := append([]byte(nil), data...)
		swapBlocks(data)
		if !bytes.Equal(data, orig) {
			t.Errorf("size %d: payload changed to %v", size, data)
		}
	}
}

func TestSwapBlocks_Involution(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for size := 0; size <= 512; size++ {
		data := make([]byte, size)
		rng.Read(data)
		orig := append([]byte(nil), data...)
		swapBlocks(data)
		swapBlocks(data)
		if !bytes.Equal(data, orig) {
			t.Fatalf("size %d: swapBlocks is not its own inverse", size)
		}
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	keys := map[string]Key{
		"default":   DefaultKey,
		"pre-auth":  NewKey(1700000000, 12, 34),
		"post-auth": NewKey(1700000001, DefaultIV, 99),
	}

	sizes := []int{0, 1, 4, 7, 8, 9, 15, 16, 17, 63, 64, 100, 1000, MaxFrameLength - 1, MaxFrameLength}
	for i := 0; i < 50; i++ {
		sizes = append(sizes, rng.Intn(MaxFrameLength+1))
	}

	for name, key := range keys {
		for _, size := range sizes {
			payload := make([]byte, size)
			rng.Read(payload)
			buf := append([]byte(nil), payload...)

			Encrypt(buf, key)
			Decrypt(buf, key)
			if !bytes.Equal(buf, payload) {
				t.Fatalf("%s: size %d: decrypt(encrypt(p)) != p", name, size)
			}
		}
	}
}

func TestEncrypt_ChangesPayload(t *testing.T) {
	payload := []byte("0123456789abcdef")
	buf := append([]byte(nil), payload...)
	Encrypt(buf, DefaultKey)
	if bytes.Equal(buf, payload) {
		t.Error("Encrypt left payload unchanged")
	}
}

func TestEncrypt_NoAllocs(t *testing.T) {
	buf := make([]byte, MaxFrameLength)
	key := NewKey(7, 1, 2)
	allocs := testing.AllocsPerRun(100, func() {
		Encrypt(buf, key)
		Decrypt(buf, key)
	})
	if allocs != 0 {
		t.Errorf("Encrypt/Decrypt allocated %v times per run", allocs)
	}
}

func TestSealOpen(t *testing.T) {
	key := NewKey(99, 5, 6)
	body := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}

	payload := make([]byte, TypeSize+len(body))
	copy(payload[TypeSize:], body)
	if err := Seal(payload, 0x123456, key); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	typeID, err := Open(payload, key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if typeID != 0x123456 {
		t.Errorf("type = %#x, want 0x123456", typeID)
	}
	if !bytes.Equal(payload[TypeSize:], body) {
		t.Errorf("body = %v, want %v", payload[TypeSize:], body)
	}
	if got := binary.LittleEndian.Uint32(payload); got != 0x123456 {
		t.Errorf("type word after Open = %#x, want checksum bits cleared", got)
	}
}

func TestOpen_ChecksumMismatch(t *testing.T) {
	key := DefaultKey
	payload := make([]byte, TypeSize+4)
	copy(payload[TypeSize:], []byte{10, 20, 30, 40})
	if err := Seal(payload, 1, key); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	// Flip one body bit. The reversal never moves bytes in an 8-byte payload,
	// so this lands on body byte 0 after decryption.
	payload[TypeSize] ^= 0x01

	_, err := Open(payload, key)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestOpen_WrongKey(t *testing.T) {
	payload := make([]byte, TypeSize+12)
	copy(payload[TypeSize:], []byte("hello, world"))
	if err := Seal(payload, 0x42, NewKey(1, 2, 3)); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	typeID, err := Open(payload, NewKey(4, 5, 6))
	if err == nil && typeID == 0x42 {
		t.Error("Open with the wrong key recovered the packet")
	}
}

func TestSeal_Errors(t *testing.T) {
	if err := Seal(make([]byte, 8), MaxTypeID+1, DefaultKey); !errors.Is(err, ErrInvalidType) {
		t.Errorf("expected ErrInvalidType, got %v", err)
	}
	if err := Seal(make([]byte, 3), 1, DefaultKey); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame, got %v", err)
	}
	if _, err := Open(make([]byte, 2), DefaultKey); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame, got %v", err)
	}
}
