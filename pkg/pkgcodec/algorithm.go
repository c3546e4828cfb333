package pkgcodec

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/pierrec/lz4/v4"
)

const copyBufferSize = 32 * 1024

func newHash(m DigestMethod) (hash.Hash, error) {
	switch m {
	case DigestCrc:
		return crc32.NewIEEE(), nil
	case DigestSha256:
		return sha256.New(), nil
	case DigestSha384:
		return sha512.New384(), nil
	}
	return nil, fmt.Errorf("%w: digest %s", ErrNotExistAlgorithm, m)
}

func cryptoHash(m DigestMethod) (crypto.Hash, error) {
	switch m {
	case DigestSha256:
		return crypto.SHA256, nil
	case DigestSha384:
		return crypto.SHA384, nil
	}
	return 0, fmt.Errorf("%w: cannot sign with %s", ErrNotExistAlgorithm, m)
}

// signSlot returns the position and size of the signature inside the
// signature area for digest method m.
func signSlot(m DigestMethod) (offset, length int64, err error) {
	switch m {
	case DigestSha256:
		return 0, SignSha256Len, nil
	case DigestSha384:
		return SignSha256Len, SignSha384Len, nil
	}
	return 0, 0, fmt.Errorf("%w: no signature slot for %s", ErrNotExistAlgorithm, m)
}

// digestMethodForLen picks the digest method producing n byte digests.
func digestMethodForLen(n int) (DigestMethod, error) {
	switch n {
	case sha256.Size:
		return DigestSha256, nil
	case sha512.Size384:
		return DigestSha384, nil
	}
	return DigestNone, invalidParam("unsupported digest length %d", n)
}

// hashRange feeds length bytes of r starting at off into w.
func hashRange(r io.ReaderAt, off, length int64, w io.Writer) error {
	buf := make([]byte, copyBufferSize)
	for length > 0 {
		n := int64(len(buf))
		if n > length {
			n = length
		}
		read, err := r.ReadAt(buf[:n], off)
		if int64(read) != n {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("failed to read package at %d: %w", off, err)
		}
		w.Write(buf[:n])
		off += n
		length -= n
	}
	return nil
}

// digestWithZeroedArea hashes the first size bytes of r into zeroed with the
// area [zeroOff, zeroOff+zeroLen) replaced by zeros. plain, if not nil,
// receives the content unmodified.
func digestWithZeroedArea(r io.ReaderAt, size, zeroOff, zeroLen int64, zeroed, plain hash.Hash) error {
	if zeroOff < 0 || zeroLen < 0 || zeroOff+zeroLen > size {
		return invalidFile("signature area outside of package")
	}
	var w io.Writer = zeroed
	if plain != nil {
		w = io.MultiWriter(zeroed, plain)
	}
	if err := hashRange(r, 0, zeroOff, w); err != nil {
		return err
	}
	area := make([]byte, zeroLen)
	if plain != nil {
		if err := hashRange(r, zeroOff, zeroLen, plain); err != nil {
			return err
		}
	}
	zeroed.Write(area)
	tail := zeroOff + zeroLen
	return hashRange(r, tail, size-tail, w)
}

var lz4Levels = []lz4.CompressionLevel{
	lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

func lz4Level(level int) lz4.CompressionLevel {
	if level < 0 || level >= len(lz4Levels) {
		return lz4.Fast
	}
	return lz4Levels[level]
}

// lz4 block encoding: uint32 unpacked size, uint32 packed size (0 when the
// block is stored uncompressed), then the block.
const lz4BlockHeaderLen = 8

func packLz4Block(src []byte) ([]byte, error) {
	dst := make([]byte, lz4BlockHeaderLen+lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst[lz4BlockHeaderLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 block compression failed: %w", err)
	}
	binary.LittleEndian.PutUint32(dst[0:], uint32(len(src)))
	if n == 0 || n >= len(src) {
		binary.LittleEndian.PutUint32(dst[4:], 0)
		return append(dst[:lz4BlockHeaderLen], src...), nil
	}
	binary.LittleEndian.PutUint32(dst[4:], uint32(n))
	return dst[:lz4BlockHeaderLen+n], nil
}

func unpackLz4Block(data []byte) ([]byte, error) {
	if len(data) < lz4BlockHeaderLen {
		return nil, invalidFile("short lz4 block")
	}
	unpacked := binary.LittleEndian.Uint32(data[0:])
	packed := binary.LittleEndian.Uint32(data[4:])
	body := data[lz4BlockHeaderLen:]
	if packed == 0 {
		if uint32(len(body)) != unpacked {
			return nil, invalidFile("stored lz4 block size mismatch")
		}
		return bytes.Clone(body), nil
	}
	if uint32(len(body)) != packed {
		return nil, invalidFile("lz4 block size mismatch")
	}
	out := make([]byte, unpacked)
	n, err := lz4.UncompressBlock(body, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	if uint32(n) != unpacked {
		return nil, invalidFile("lz4 block decoded %d of %d bytes", n, unpacked)
	}
	return out, nil
}
