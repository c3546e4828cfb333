package pkgcodec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

func checkBuildParams(info *PkgInfo, comps []ComponentInfo, outPath string) error {
	if info == nil {
		return invalidParam("nil package info")
	}
	if len(comps) == 0 {
		return invalidParam("no components")
	}
	if outPath == "" {
		return invalidParam("empty output path")
	}
	for i := range comps {
		if comps[i].Path == "" {
			return invalidParam("component %d has no source path", i)
		}
		if comps[i].Identity == "" {
			return invalidParam("component %d has no identity", i)
		}
	}
	switch info.PkgType {
	case PkgTypeUpgrade, PkgTypeZip, PkgTypeGzip:
	case PkgTypeLz4:
		if len(comps) != 1 {
			return invalidParam("lz4 package takes exactly one component, got %d", len(comps))
		}
	default:
		return invalidParam("unknown package type %d", info.PkgType)
	}
	return nil
}

// applyDefaults fills the per type defaults into info and comps.
func applyDefaults(info *PkgInfo, comps []ComponentInfo) {
	if info.DigestMethod == DigestNone {
		info.DigestMethod = DigestSha256
	}
	if info.PkgType == PkgTypeUpgrade && info.SignMethod == SignNone {
		info.SignMethod = SignRsa
	}
	if info.Date == "" || info.Time == "" {
		now := time.Now()
		info.Date = now.Format("01/02/2006")
		info.Time = now.Format("15:04:05")
	}
	info.EntryCount = len(comps)

	for i := range comps {
		c := &comps[i]
		switch info.PkgType {
		case PkgTypeUpgrade:
			c.PackMethod = CompressNone
			c.DigestMethod = DigestSha256
		case PkgTypeZip:
			c.DigestMethod = DigestCrc
		case PkgTypeGzip:
			c.PackMethod = CompressGzip
			c.DigestMethod = DigestCrc
		case PkgTypeLz4:
			if c.PackMethod != CompressLz4Block {
				c.PackMethod = CompressLz4
			}
			c.CompressionLevel = Lz4CompressionLevel
		}
	}
}

// Build writes a signed package to outPath. keyPath names a PEM private key;
// the sign method follows the key type unless info fixes it. comps is updated
// with the sizes and digests that went into the package.
func Build(info *PkgInfo, comps []ComponentInfo, outPath, keyPath string) error {
	if err := checkBuildParams(info, comps, outPath); err != nil {
		return err
	}
	if keyPath == "" {
		return invalidParam("empty key path")
	}
	signer, keyMethod, err := loadSigner(keyPath)
	if err != nil {
		return err
	}
	applyDefaults(info, comps)
	if info.SignMethod == SignNone {
		info.SignMethod = keyMethod
	}
	if info.SignMethod != keyMethod {
		return invalidParam("sign method %s does not match %s key", info.SignMethod, keyMethod)
	}

	f, signOffset, err := writePackage(info, comps, outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	h, err := newHash(info.DigestMethod)
	if err != nil {
		return err
	}
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, 1<<62)); err != nil {
		return fmt.Errorf("failed to digest package: %w", err)
	}
	sig, err := signDigest(signer, info.DigestMethod, h.Sum(nil))
	if err != nil {
		return err
	}
	_, slotLen, _ := signSlot(info.DigestMethod)
	if int64(len(sig)) > slotLen {
		os.Remove(outPath)
		return fmt.Errorf("%w: signature of %d bytes exceeds %d byte slot", ErrInvalidSignature, len(sig), slotLen)
	}
	if _, err := f.WriteAt(sig, signOffset); err != nil {
		return fmt.Errorf("failed to write signature: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync package: %w", err)
	}
	log.Infof("built %s package %s with %d components, signature at %d", info.PkgType, outPath, len(comps), signOffset)
	return nil
}

// BuildL1 writes an unsigned upgrade package for external signing and returns
// the offset of its signature slot and the hex digest to sign.
func BuildL1(info *PkgInfo, comps []ComponentInfo, outPath string) (int64, string, error) {
	if err := checkBuildParams(info, comps, outPath); err != nil {
		return 0, "", err
	}
	if info.PkgType != PkgTypeUpgrade {
		return 0, "", invalidParam("L1 packaging requires an upgrade package")
	}
	applyDefaults(info, comps)
	info.Flags |= FlagSupportL1

	f, signOffset, err := writePackage(info, comps, outPath)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h, err := newHash(info.DigestMethod)
	if err != nil {
		return 0, "", err
	}
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, 1<<62)); err != nil {
		return 0, "", fmt.Errorf("failed to digest package: %w", err)
	}
	return signOffset, hex.EncodeToString(h.Sum(nil)), nil
}

// writePackage lays out the package with a zeroed signature area and returns
// the open file together with the absolute offset of the signature slot.
func writePackage(info *PkgInfo, comps []ComponentInfo, outPath string) (f *os.File, signOffset int64, err error) {
	slotOff, _, err := signSlot(info.DigestMethod)
	if err != nil {
		return nil, 0, err
	}
	f, err = os.OpenFile(outPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create package: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(outPath)
			f = nil
		}
	}()

	switch info.PkgType {
	case PkgTypeUpgrade:
		var tableEnd int64
		tableEnd, err = writeUpgrade(f, info, comps)
		signOffset = tableEnd + reserveLen + slotOff
	default:
		signOffset, err = writeArchive(f, info.PkgType, comps)
		signOffset += slotOff
	}
	if err != nil {
		return nil, 0, err
	}
	return f, signOffset, nil
}

func writeUpgrade(f *os.File, info *PkgInfo, comps []ComponentInfo) (int64, error) {
	for i := range comps {
		c := &comps[i]
		h := sha256.New()
		n, err := copyFile(h, c.Path)
		if err != nil {
			return 0, err
		}
		if n > 0xffffffff {
			return 0, invalidParam("component %s exceeds 4GiB", c.Identity)
		}
		c.Digest = h.Sum(nil)
		c.PackedSize = n
		c.UnpackedSize = n
	}
	header, err := encodeUpgradeHeader(info, comps)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(header); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := f.Write(make([]byte, signAreaLen())); err != nil {
		return 0, fmt.Errorf("failed to write signature area: %w", err)
	}
	for i := range comps {
		if _, err := copyFile(f, comps[i].Path); err != nil {
			return 0, err
		}
	}
	return int64(len(header)), nil
}

// writeArchive writes the archive and the trailing signature block and
// returns the offset of that block.
func writeArchive(f *os.File, t PkgType, comps []ComponentInfo) (int64, error) {
	counter := &countingWriter{w: f}
	var err error
	switch t {
	case PkgTypeZip:
		err = writeZip(counter, comps)
	case PkgTypeGzip:
		err = writeGzip(counter, comps)
	case PkgTypeLz4:
		err = writeLz4(counter, &comps[0])
	}
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(make([]byte, SignTotalLen)); err != nil {
		return 0, fmt.Errorf("failed to write signature block: %w", err)
	}
	return counter.n, nil
}
