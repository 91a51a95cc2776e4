// Package quickxorhash implements QuickXorHash, the content hash Microsoft
// OneDrive reports for most files (SHA1/SHA256 are the fallback for the rare
// item Graph reports without a QuickXorHash).
//
// The algorithm XORs each input byte into a circular bit-shift buffer of
// 160 bits, advancing the insertion point by 11 bits per byte. The final
// digest mixes in the total byte count as well.
//
// Ported from the rclone implementation (BSD-0 license):
// github.com/rclone/rclone/backend/onedrive/quickxorhash, itself based on
// Microsoft's reference C# implementation:
// https://learn.microsoft.com/en-us/onedrive/developer/code-snippets/quickxorhash
package quickxorhash

import (
	"encoding/binary"
	"hash"
)

const (
	// Size is the digest length in bytes.
	Size = 20

	// BlockSize is the hash's preferred input block size in bytes.
	BlockSize = 64

	// bitShiftPerByte is how many bits the insertion point advances for
	// each byte absorbed.
	bitShiftPerByte = 11

	// bufferBits is the total width of the circular XOR buffer.
	bufferBits = 160

	// lastCellBits is how many bits of the final uint64 cell are actually
	// part of the buffer: bufferBits - (cellCount-1)*64 = 160 - 128 = 32.
	lastCellBits = 32

	bitsPerByte = 8
	bitsPerCell = 64
	cellCount   = 3 // ceil(bufferBits / bitsPerCell)
)

// digest holds the running state of a QuickXorHash computation: the
// circular buffer itself, the current insertion offset into it, and the
// total number of bytes absorbed so far (mixed into the final digest).
type digest struct {
	buffer     [cellCount]uint64
	offset     int
	totalBytes uint64
}

// New returns a hash.Hash computing QuickXorHash checksums.
func New() hash.Hash {
	return &digest{}
}

// validBitsInCell returns how many of the buffer's bits at index actually
// belong to the 160-bit window (every cell is full except the last).
func validBitsInCell(index int) int {
	if index == cellCount-1 {
		return lastCellBits
	}

	return bitsPerCell
}

// Write absorbs p into the running hash. It always returns len(p), nil —
// QuickXorHash has no failure mode once construction succeeds.
func (d *digest) Write(p []byte) (int, error) {
	cellIndex := d.offset / bitsPerCell
	cellOffset := d.offset % bitsPerCell
	span := min(len(p), bufferBits)

	for i := range span {
		cellBits := validBitsInCell(cellIndex)

		if cellOffset <= cellBits-bitsPerByte {
			// p[i] fits entirely inside the current cell.
			for j := i; j < len(p); j += bufferBits {
				d.buffer[cellIndex] ^= uint64(p[j]) << cellOffset
			}
		} else {
			// p[i] straddles this cell and the next: XOR every byte at
			// this shift position first, then split the result across
			// both cells.
			nextIndex := cellIndex + 1
			if cellIndex == cellCount-1 {
				nextIndex = 0
			}

			lowBits := byte(cellBits - cellOffset)

			var folded byte
			for j := i; j < len(p); j += bufferBits {
				folded ^= p[j]
			}

			d.buffer[cellIndex] ^= uint64(folded) << cellOffset
			d.buffer[nextIndex] ^= uint64(folded) >> lowBits
		}

		cellOffset += bitShiftPerByte
		for cellOffset >= validBitsInCell(cellIndex) {
			cellOffset -= validBitsInCell(cellIndex)
			if cellIndex == cellCount-1 {
				cellIndex = 0
			} else {
				cellIndex++
			}
		}
	}

	d.offset = (d.offset + bitShiftPerByte*(len(p)%bufferBits)) % bufferBits
	d.totalBytes += uint64(len(p))

	return len(p), nil
}

// Sum appends the digest to b and returns the resulting slice, leaving the
// hash's state untouched so writes can continue afterward.
func (d *digest) Sum(b []byte) []byte {
	snapshot := *d

	var out [Size]byte
	binary.LittleEndian.PutUint64(out[0:8], snapshot.buffer[0])
	binary.LittleEndian.PutUint64(out[8:16], snapshot.buffer[1])

	// buffer[2] only carries lastCellBits (32) valid bits, so the
	// truncation to uint32 below is safe by construction.
	lastCell := uint32(snapshot.buffer[2]) //nolint:gosec // see lastCellBits
	binary.LittleEndian.PutUint32(out[16:Size], lastCell)

	var lengthBytes [8]byte
	binary.LittleEndian.PutUint64(lengthBytes[:], snapshot.totalBytes)

	lengthStart := Size - len(lengthBytes)
	for i, lb := range lengthBytes {
		out[lengthStart+i] ^= lb
	}

	return append(b, out[:]...)
}

// Reset returns the hash to its initial state.
func (d *digest) Reset() {
	*d = digest{}
}

// Size returns the number of bytes Sum will append.
func (d *digest) Size() int {
	return Size
}

// BlockSize returns the hash's preferred input block size.
func (d *digest) BlockSize() int {
	return BlockSize
}
