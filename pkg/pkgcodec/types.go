// Package pkgcodec builds and verifies signed update packages.
//
// Four container types are supported. An upgrade package (.bin) is a TLV
// header, a component table and the raw component payloads, with the
// signature stored in a reserved area between the table and the payloads.
// Zip, gzip and lz4 packages (.zip, .gz, .lz4) hold an archive followed by a
// trailing signature block. In both layouts the package digest is computed
// with the signature area zeroed, and the signature is stored in the slot of
// the digest method: the first 256 bytes for SHA-256, the next 384 bytes for
// SHA-384.
package pkgcodec

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

type PkgType uint8

const (
	PkgTypeNone PkgType = iota
	PkgTypeUpgrade
	PkgTypeZip
	PkgTypeLz4
	PkgTypeGzip
)

func (t PkgType) String() string {
	switch t {
	case PkgTypeUpgrade:
		return "upgrade"
	case PkgTypeZip:
		return "zip"
	case PkgTypeLz4:
		return "lz4"
	case PkgTypeGzip:
		return "gzip"
	}
	return "none"
}

// PkgTypeByName derives the container type from the file extension.
func PkgTypeByName(path string) PkgType {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "bin":
		return PkgTypeUpgrade
	case "zip":
		return PkgTypeZip
	case "lz4":
		return PkgTypeLz4
	case "gz":
		return PkgTypeGzip
	}
	return PkgTypeNone
}

type CompressMethod uint8

const (
	CompressNone CompressMethod = iota
	CompressZip
	CompressLz4
	CompressLz4Block
	CompressGzip
)

type DigestMethod uint8

const (
	DigestNone DigestMethod = iota
	DigestCrc
	DigestSha256
	DigestSha384
)

func (d DigestMethod) String() string {
	switch d {
	case DigestCrc:
		return "crc32"
	case DigestSha256:
		return "sha256"
	case DigestSha384:
		return "sha384"
	}
	return "none"
}

type SignMethod uint8

const (
	SignNone SignMethod = iota
	SignRsa
	SignEcdsa
)

func (s SignMethod) String() string {
	switch s {
	case SignRsa:
		return "rsa"
	case SignEcdsa:
		return "ecdsa"
	}
	return "none"
}

// PkgFlags are package level feature bits
type PkgFlags uint8

const (
	// FlagSupportL1 marks a package whose signature is attached externally.
	FlagSupportL1 PkgFlags = 1 << iota
)

const (
	SignSha256Len = 256
	SignSha384Len = 384
	SignTotalLen  = SignSha256Len + SignSha384Len

	// Lz4CompressionLevel is applied to every lz4 entry.
	Lz4CompressionLevel = 2
)

// PkgInfo describes a package as a whole
type PkgInfo struct {
	PkgType      PkgType
	DigestMethod DigestMethod
	SignMethod   SignMethod
	EntryCount   int
	Flags        PkgFlags

	// Upgrade package header fields.
	UpdateFileVersion uint32
	SoftwareVersion   string
	ProductUpdateID   string
	Date              string
	Time              string
}

// ComponentInfo describes one file inside a package. Path is the source file
// when building; the codec fills in sizes and Digest.
type ComponentInfo struct {
	Path             string
	Identity         string
	ID               uint16
	ResType          uint8
	Type             uint8
	Flags            uint8
	Version          string
	PackMethod       CompressMethod
	CompressionLevel int
	DigestMethod     DigestMethod
	Digest           []byte
	PackedSize       int64
	UnpackedSize     int64
}

// Result codes reported to verify progress callbacks
type Result int

const (
	Success Result = iota
	InvalidParam
	InvalidFile
	InvalidSignature
	InvalidVersion
	NotExistAlgorithm
	IOFailure
)

var (
	ErrInvalidParam      = errors.New("invalid param")
	ErrInvalidFile       = errors.New("invalid package file")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvalidVersion    = errors.New("package version mismatch")
	ErrNotExistAlgorithm = errors.New("algorithm not supported")
)

// ResultOf maps an error returned by this package to its result code.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrInvalidParam):
		return InvalidParam
	case errors.Is(err, ErrInvalidFile):
		return InvalidFile
	case errors.Is(err, ErrInvalidSignature):
		return InvalidSignature
	case errors.Is(err, ErrInvalidVersion):
		return InvalidVersion
	case errors.Is(err, ErrNotExistAlgorithm):
		return NotExistAlgorithm
	}
	return IOFailure
}

func invalidParam(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidParam, fmt.Sprintf(format, args...))
}

func invalidFile(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidFile, fmt.Sprintf(format, args...))
}

// ProgressFunc receives verification progress. The final call always carries
// percent 100 and the overall result.
type ProgressFunc func(result Result, percent int)
