package pkgcodec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// packageFile is an opened package with its layout resolved
type packageFile struct {
	f       *os.File
	size    int64
	info    PkgInfo
	upgrade *upgradeLayout

	// signature area, zeroed while digesting
	areaOff int64
	areaLen int64
	slotOff int64
	slotLen int64
}

func openPackage(path string) (*packageFile, error) {
	t := PkgTypeByName(path)
	if t == PkgTypeNone {
		return nil, invalidParam("unsupported package extension %q", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	p := &packageFile{f: f, size: st.Size()}
	if err := p.resolve(t); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func (p *packageFile) Close() error {
	return p.f.Close()
}

func (p *packageFile) resolve(t PkgType) error {
	if t == PkgTypeUpgrade {
		l, err := decodeUpgradeHeader(p.f, p.size)
		if err != nil {
			return err
		}
		p.upgrade = l
		p.info = l.info
		p.areaOff = l.signAreaOffset()
		p.areaLen = signAreaLen()
		off, n, err := signSlot(p.info.DigestMethod)
		if err != nil {
			return err
		}
		p.slotOff = p.areaOff + reserveLen + off
		p.slotLen = n
		return nil
	}

	if p.size <= SignTotalLen {
		return invalidFile("%s package of %d bytes has no signature block", t, p.size)
	}
	p.info = PkgInfo{PkgType: t}
	p.areaOff = p.size - SignTotalLen
	p.areaLen = SignTotalLen
	if err := checkArchive(t, p.payload()); err != nil {
		return err
	}

	// The digest method is not recorded for archives; it follows from the
	// occupied signature slot.
	block := make([]byte, SignTotalLen)
	if _, err := p.f.ReadAt(block, p.areaOff); err != nil {
		return fmt.Errorf("%w: failed to read signature block: %v", ErrInvalidFile, err)
	}
	p.info.DigestMethod = DigestSha256
	if !allZero(block[SignSha256Len:]) {
		p.info.DigestMethod = DigestSha384
	}
	off, n, _ := signSlot(p.info.DigestMethod)
	p.slotOff = p.areaOff + off
	p.slotLen = n
	return nil
}

// payload is the archive part of a zip, gzip or lz4 package.
func (p *packageFile) payload() *io.SectionReader {
	return io.NewSectionReader(p.f, 0, p.areaOff)
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Verify checks the package at path against the trust anchor at trustPath.
// expectedVersion, when not empty, must match the software version recorded
// in an upgrade package header. expectedDigest, when not empty, must equal the
// SHA-256 or SHA-384 digest of the whole file, chosen by its length. progress
// may be nil; otherwise it is called with 50 once the package has been read
// and exactly once with 100 and the final result.
func Verify(path, trustPath, expectedVersion string, expectedDigest []byte, progress ProgressFunc) (err error) {
	if progress != nil {
		defer func() {
			progress(ResultOf(err), 100)
		}()
	}
	if path == "" || trustPath == "" {
		return invalidParam("package and trust anchor paths are required")
	}

	var plain hash.Hash
	if len(expectedDigest) > 0 {
		m, err := digestMethodForLen(len(expectedDigest))
		if err != nil {
			return err
		}
		plain, _ = newHash(m)
	}

	pub, err := loadPublicKey(trustPath)
	if err != nil {
		return err
	}
	p, err := openPackage(path)
	if err != nil {
		return err
	}
	defer p.Close()

	if expectedVersion != "" && p.info.SoftwareVersion != "" && p.info.SoftwareVersion != expectedVersion {
		return fmt.Errorf("%w: package carries %q, expected %q", ErrInvalidVersion, p.info.SoftwareVersion, expectedVersion)
	}

	zeroed, err := newHash(p.info.DigestMethod)
	if err != nil {
		return err
	}
	if err := digestWithZeroedArea(p.f, p.size, p.areaOff, p.areaLen, zeroed, plain); err != nil {
		return err
	}
	if progress != nil {
		progress(Success, 50)
	}

	if plain != nil {
		if sum := plain.Sum(nil); !bytes.Equal(sum, expectedDigest) {
			return fmt.Errorf("%w: package digest %s, expected %s", ErrInvalidSignature,
				hex.EncodeToString(sum), hex.EncodeToString(expectedDigest))
		}
	}

	slot := make([]byte, p.slotLen)
	if _, err := p.f.ReadAt(slot, p.slotOff); err != nil {
		return fmt.Errorf("%w: failed to read signature: %v", ErrInvalidFile, err)
	}
	if err := verifySignature(pub, p.info.DigestMethod, zeroed.Sum(nil), slot); err != nil {
		return err
	}
	log.Debugf("verified %s package %s (%s)", p.info.PkgType, path, p.info.DigestMethod)
	return nil
}

// ReadInfo returns the header information of a package without checking its
// signature. Archive packages report no components.
func ReadInfo(path string) (*PkgInfo, []ComponentInfo, error) {
	p, err := openPackage(path)
	if err != nil {
		return nil, nil, err
	}
	defer p.Close()
	info := p.info
	if p.upgrade != nil {
		return &info, append([]ComponentInfo(nil), p.upgrade.comps...), nil
	}
	return &info, nil, nil
}

// Extract unpacks the components of the package at path into outDir. The
// signature is not checked; call Verify first.
func Extract(path, outDir string) ([]ComponentInfo, error) {
	if path == "" || outDir == "" {
		return nil, invalidParam("package path and output directory are required")
	}
	p, err := openPackage(path)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", outDir, err)
	}

	var comps []ComponentInfo
	switch p.info.PkgType {
	case PkgTypeUpgrade:
		comps, err = p.extractUpgrade(outDir)
	case PkgTypeZip:
		comps, err = extractZip(p.payload(), outDir)
	case PkgTypeGzip:
		comps, err = extractGzip(p.payload(), outDir)
	case PkgTypeLz4:
		name := filepathStem(path)
		comps, err = extractLz4(p.payload(), name, outDir)
	}
	if err != nil {
		return nil, err
	}
	log.Infof("extracted %d components from %s into %s", len(comps), path, outDir)
	return comps, nil
}

func (p *packageFile) extractUpgrade(outDir string) ([]ComponentInfo, error) {
	l := p.upgrade
	comps := make([]ComponentInfo, len(l.comps))
	for i, c := range l.comps {
		h := sha256.New()
		r := io.TeeReader(io.NewSectionReader(p.f, l.offsets[i], c.PackedSize), h)
		if _, err := writeOut(outDir, c.Identity, r); err != nil {
			return nil, err
		}
		if sum := h.Sum(nil); !bytes.Equal(sum, c.Digest) {
			return nil, invalidFile("component %s digest mismatch", c.Identity)
		}
		comps[i] = c
	}
	return comps, nil
}

// filepathStem names the single component of an lz4 package after the file.
func filepathStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
