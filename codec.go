package cnsocket

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Wire layout constants.
const (
	// MaxBuffer is the capacity of a session receive buffer.
	MaxBuffer = 4096
	// MaxFrameLength is the largest length prefix a frame may declare.
	MaxFrameLength = MaxBuffer - 8
	// LengthSize is the size of the little-endian frame length prefix.
	LengthSize = 4
	// TypeSize is the size of the type word at the start of every decrypted frame.
	TypeSize = 4
	// KeyLength is the size of a cipher key in bytes.
	KeyLength = 8
	// MaxTypeID is the largest type id that fits beside the folded checksum.
	MaxTypeID = 0x00FFFFFF
)

// DefaultIV is the seed constant the client expects for the first key derivation.
const DefaultIV = 268403508

// Key is an 8-byte cipher key. The byte order matches a little-endian uint64.
type Key [KeyLength]byte

// DefaultKey is the key every session starts with before one is negotiated.
var DefaultKey = Key{'a', '>', '$', 'r', 'T', '~', '!', 'Q'}

// KeyFromUint64 returns the key whose little-endian encoding is k.
func KeyFromUint64(k uint64) Key {
	var key Key
	binary.LittleEndian.PutUint64(key[:], k)
	return key
}

// Uint64 returns the key as a little-endian uint64.
func (k Key) Uint64() uint64 {
	return binary.LittleEndian.Uint64(k[:])
}

// NewKey derives a session key from a timestamp and two server-chosen seeds.
// The result is obfuscation only; anyone holding the seeds can recompute it.
func NewKey(uTime uint64, iv1, iv2 int32) Key {
	num := uint64(int64(iv1 + 1))
	num2 := uint64(int64(iv2 + 1))
	return KeyFromUint64(DefaultKey.Uint64() * (uTime * num * num2))
}

// blockSize returns the reversal block size used for a payload of the given length.
func blockSize(size int) int {
	return size%(KeyLength/2+1)*2 + KeyLength
}

// swapBlocks reverses byte pairs inside each complete block. Applying it twice
// restores the input.
func swapBlocks(data []byte) {
	size := len(data)
	block := blockSize(size)
	num, k := 0, 0
	for num+block <= size {
		i := num + k
		j := num + (block - 1 - k)
		data[i], data[j] = data[j], data[i]
		num += block
		k++
		if k > block/2 {
			k = 0
		}
	}
}

// xorKey XORs every byte with the key, cycling through its eight bytes.
func xorKey(data []byte, key Key) {
	for i := range data {
		data[i] ^= key[i%KeyLength]
	}
}

// Encrypt obfuscates data in place.
func Encrypt(data []byte, key Key) {
	xorKey(data, key)
	swapBlocks(data)
}

// Decrypt reverses Encrypt in place.
func Decrypt(data []byte, key Key) {
	swapBlocks(data)
	xorKey(data, key)
}

// checksum is the 8-bit wrapping sum of the low type bytes and the body.
func checksum(typeID uint32, body []byte) byte {
	sum := byte(typeID) + byte(typeID>>8) + byte(typeID>>16)
	for _, b := range body {
		sum += b
	}
	return sum
}

// Seal writes the type word with its folded checksum into payload[:TypeSize]
// and encrypts the whole payload in place. payload[TypeSize:] must already hold the body.
func Seal(payload []byte, typeID uint32, key Key) error {
	if typeID > MaxTypeID {
		return errors.Wrapf(ErrInvalidType, "type %#x", typeID)
	}
	if len(payload) < TypeSize {
		return errors.Wrapf(ErrMalformedFrame, "payload of %d bytes", len(payload))
	}
	sum := checksum(typeID, payload[TypeSize:])
	binary.LittleEndian.PutUint32(payload, typeID|uint32(sum)<<24)
	Encrypt(payload, key)
	return nil
}

// Open decrypts payload in place and validates the folded checksum.
// On success the type word is rewritten without the checksum bits.
func Open(payload []byte, key Key) (uint32, error) {
	if len(payload) < TypeSize {
		return 0, errors.Wrapf(ErrMalformedFrame, "payload of %d bytes", len(payload))
	}
	Decrypt(payload, key)

	word := binary.LittleEndian.Uint32(payload)
	typeID := word & MaxTypeID
	if byte(word>>24) != checksum(typeID, payload[TypeSize:]) {
		return 0, errors.Wrapf(ErrChecksumMismatch, "type %#x", typeID)
	}
	binary.LittleEndian.PutUint32(payload, typeID)
	return typeID, nil
}
