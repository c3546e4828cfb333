package pkgcodec

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	tlvHeaderLen     = 4
	tlvTypeSha256    = 0x0001
	tlvTypeSha384    = 0x0011
	tlvTypeTime      = 0x0002
	tlvTypeComponent = 0x0005

	versionFieldLen  = 64
	productIDLen     = 64
	pkgHeaderLen     = 4 + 4 + versionFieldLen + productIDLen
	timeFieldLen     = 32
	pkgTimeLen       = 2 * timeFieldLen
	upgradeHeaderLen = 3*tlvHeaderLen + pkgHeaderLen + pkgTimeLen

	compAddrLen    = 32
	compVersionLen = 10
	compDigestLen  = 32
	compInfoLen    = compAddrLen + 2 + 1 + 1 + 1 + compVersionLen + 4 + 4 + compDigestLen

	reserveLen = 16

	maxUpgradeComponents = 0xffff / compInfoLen
)

// upgradeLayout is a parsed upgrade package header
type upgradeLayout struct {
	info       PkgInfo
	comps      []ComponentInfo
	offsets    []int64
	tableEnd   int64
	dataOffset int64
}

// signAreaOffset is where the reserve and signature area start.
func (l *upgradeLayout) signAreaOffset() int64 {
	return l.tableEnd
}

func signAreaLen() int64 {
	return reserveLen + SignTotalLen
}

func appendFixed(buf []byte, s []byte, n int) ([]byte, error) {
	if len(s) > n {
		return nil, invalidParam("field %q longer than %d bytes", s, n)
	}
	buf = append(buf, s...)
	return append(buf, make([]byte, n-len(s))...), nil
}

func readFixed(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func appendTLV(buf []byte, typ uint16, length int) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, typ)
	return binary.LittleEndian.AppendUint16(buf, uint16(length))
}

// encodeUpgradeHeader serializes the header TLVs and the component table.
func encodeUpgradeHeader(info *PkgInfo, comps []ComponentInfo) ([]byte, error) {
	if len(comps) == 0 || len(comps) > maxUpgradeComponents {
		return nil, invalidParam("upgrade package needs 1 to %d components, got %d", maxUpgradeComponents, len(comps))
	}
	var headerType uint16
	switch info.DigestMethod {
	case DigestSha256:
		headerType = tlvTypeSha256
	case DigestSha384:
		headerType = tlvTypeSha384
	default:
		return nil, fmt.Errorf("%w: upgrade package digest %s", ErrNotExistAlgorithm, info.DigestMethod)
	}

	tableLen := len(comps) * compInfoLen
	buf := make([]byte, 0, upgradeHeaderLen+tableLen)
	var err error

	buf = appendTLV(buf, headerType, pkgHeaderLen)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(upgradeHeaderLen+tableLen+reserveLen))
	buf = binary.LittleEndian.AppendUint32(buf, info.UpdateFileVersion)
	if buf, err = appendFixed(buf, []byte(info.SoftwareVersion), versionFieldLen); err != nil {
		return nil, err
	}
	if buf, err = appendFixed(buf, []byte(info.ProductUpdateID), productIDLen); err != nil {
		return nil, err
	}

	buf = appendTLV(buf, tlvTypeTime, pkgTimeLen)
	if buf, err = appendFixed(buf, []byte(info.Date), timeFieldLen); err != nil {
		return nil, err
	}
	if buf, err = appendFixed(buf, []byte(info.Time), timeFieldLen); err != nil {
		return nil, err
	}

	buf = appendTLV(buf, tlvTypeComponent, tableLen)
	for i := range comps {
		c := &comps[i]
		if buf, err = appendFixed(buf, []byte(c.Identity), compAddrLen); err != nil {
			return nil, err
		}
		buf = binary.LittleEndian.AppendUint16(buf, c.ID)
		buf = append(buf, c.ResType, c.Flags, c.Type)
		if buf, err = appendFixed(buf, []byte(c.Version), compVersionLen); err != nil {
			return nil, err
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(c.PackedSize))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(c.UnpackedSize))
		if buf, err = appendFixed(buf, c.Digest, compDigestLen); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func readTLV(b []byte) (typ uint16, length int) {
	return binary.LittleEndian.Uint16(b), int(binary.LittleEndian.Uint16(b[2:]))
}

// decodeUpgradeHeader parses the header of an upgrade package of the given
// size and checks that the component payloads fill the rest of the file.
func decodeUpgradeHeader(r io.ReaderAt, size int64) (*upgradeLayout, error) {
	minSize := int64(upgradeHeaderLen+compInfoLen) + signAreaLen()
	if size < minSize || size > 0xffffffff {
		return nil, invalidFile("upgrade package size %d out of range", size)
	}
	head := make([]byte, upgradeHeaderLen)
	if _, err := r.ReadAt(head, 0); err != nil {
		return nil, fmt.Errorf("%w: failed to read header: %v", ErrInvalidFile, err)
	}

	l := &upgradeLayout{}
	l.info.PkgType = PkgTypeUpgrade
	l.info.SignMethod = SignRsa

	typ, length := readTLV(head)
	switch typ {
	case tlvTypeSha256:
		l.info.DigestMethod = DigestSha256
	case tlvTypeSha384:
		l.info.DigestMethod = DigestSha384
	default:
		return nil, invalidFile("unknown header tlv type 0x%04x", typ)
	}
	if length != pkgHeaderLen {
		return nil, invalidFile("header tlv length %d", length)
	}
	p := head[tlvHeaderLen:]
	pkgInfoLength := binary.LittleEndian.Uint32(p)
	l.info.UpdateFileVersion = binary.LittleEndian.Uint32(p[4:])
	l.info.SoftwareVersion = readFixed(p[8 : 8+versionFieldLen])
	l.info.ProductUpdateID = readFixed(p[8+versionFieldLen : pkgHeaderLen])

	p = head[tlvHeaderLen+pkgHeaderLen:]
	if typ, length = readTLV(p); typ != tlvTypeTime || length != pkgTimeLen {
		return nil, invalidFile("bad time tlv 0x%04x/%d", typ, length)
	}
	p = p[tlvHeaderLen:]
	l.info.Date = readFixed(p[:timeFieldLen])
	l.info.Time = readFixed(p[timeFieldLen:pkgTimeLen])

	p = p[pkgTimeLen:]
	typ, length = readTLV(p)
	if typ != tlvTypeComponent || length == 0 || length%compInfoLen != 0 {
		return nil, invalidFile("bad component tlv 0x%04x/%d", typ, length)
	}
	if int64(upgradeHeaderLen+length)+signAreaLen() > size {
		return nil, invalidFile("component table exceeds file")
	}
	if pkgInfoLength != uint32(upgradeHeaderLen+length+reserveLen) {
		return nil, invalidFile("pkgInfoLength %d does not match table", pkgInfoLength)
	}

	table := make([]byte, length)
	if _, err := r.ReadAt(table, upgradeHeaderLen); err != nil {
		return nil, fmt.Errorf("%w: failed to read component table: %v", ErrInvalidFile, err)
	}
	l.tableEnd = int64(upgradeHeaderLen + length)
	l.dataOffset = l.tableEnd + signAreaLen()

	offset := l.dataOffset
	for e := table; len(e) > 0; e = e[compInfoLen:] {
		c := ComponentInfo{
			Identity:     readFixed(e[:compAddrLen]),
			DigestMethod: DigestSha256,
			PackMethod:   CompressNone,
		}
		q := e[compAddrLen:]
		c.ID = binary.LittleEndian.Uint16(q)
		c.ResType, c.Flags, c.Type = q[2], q[3], q[4]
		q = q[5:]
		c.Version = readFixed(q[:compVersionLen])
		q = q[compVersionLen:]
		c.PackedSize = int64(binary.LittleEndian.Uint32(q))
		c.UnpackedSize = int64(binary.LittleEndian.Uint32(q[4:]))
		c.Digest = append([]byte(nil), q[8:8+compDigestLen]...)

		l.comps = append(l.comps, c)
		l.offsets = append(l.offsets, offset)
		offset += c.PackedSize
	}
	if offset != size {
		return nil, invalidFile("component payloads end at %d, file size %d", offset, size)
	}
	l.info.EntryCount = len(l.comps)
	return l, nil
}
