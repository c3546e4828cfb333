package pkgcodec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/pierrec/lz4/v4"
)

// countingWriter tracks how many bytes went through it
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func crcDigest(sum uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, sum)
}

func writeZip(out io.Writer, comps []ComponentInfo) error {
	zw := zip.NewWriter(out)
	level := flate.DefaultCompression
	if len(comps) > 0 && comps[0].CompressionLevel != 0 {
		level = comps[0].CompressionLevel
	}
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	headers := make([]*zip.FileHeader, len(comps))
	for i := range comps {
		c := &comps[i]
		method := zip.Deflate
		if c.PackMethod == CompressNone {
			method = zip.Store
		}
		fh := &zip.FileHeader{Name: c.Identity, Method: method}
		headers[i] = fh
		w, err := zw.CreateHeader(fh)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", c.Identity, err)
		}
		crc := crc32.NewIEEE()
		n, err := copyFile(io.MultiWriter(w, crc), c.Path)
		if err != nil {
			return err
		}
		c.UnpackedSize = n
		c.Digest = crcDigest(crc.Sum32())
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish zip: %w", err)
	}
	for i, fh := range headers {
		comps[i].PackedSize = int64(fh.CompressedSize64)
	}
	return nil
}

func writeGzip(out io.Writer, comps []ComponentInfo) error {
	for i := range comps {
		c := &comps[i]
		level := c.CompressionLevel
		if level == 0 {
			level = gzip.DefaultCompression
		}
		counter := &countingWriter{w: out}
		gw, err := gzip.NewWriterLevel(counter, level)
		if err != nil {
			return fmt.Errorf("%w: gzip level %d", ErrInvalidParam, level)
		}
		gw.Name = c.Identity
		crc := crc32.NewIEEE()
		n, err := copyFile(io.MultiWriter(gw, crc), c.Path)
		if err != nil {
			return err
		}
		if err := gw.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip member %s: %w", c.Identity, err)
		}
		c.UnpackedSize = n
		c.PackedSize = counter.n
		c.Digest = crcDigest(crc.Sum32())
	}
	return nil
}

func writeLz4(out io.Writer, c *ComponentInfo) error {
	counter := &countingWriter{w: out}
	switch c.PackMethod {
	case CompressLz4Block:
		data, err := os.ReadFile(c.Path)
		if err != nil {
			return fmt.Errorf("%w: failed to read %s: %v", ErrInvalidFile, c.Path, err)
		}
		block, err := packLz4Block(data)
		if err != nil {
			return err
		}
		if _, err := counter.Write(block); err != nil {
			return fmt.Errorf("failed to write lz4 block: %w", err)
		}
		c.UnpackedSize = int64(len(data))
	default:
		zw := lz4.NewWriter(counter)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4Level(c.CompressionLevel)), lz4.ChecksumOption(true)); err != nil {
			return fmt.Errorf("failed to configure lz4: %w", err)
		}
		n, err := copyFile(zw, c.Path)
		if err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to finish lz4 frame: %w", err)
		}
		c.UnpackedSize = n
	}
	c.PackedSize = counter.n
	return nil
}

func copyFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to open component: %v", ErrInvalidFile, err)
	}
	defer f.Close()
	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("failed to copy %s: %w", path, err)
	}
	return n, nil
}

// checkArchive does a cheap structural check of the archive payload.
func checkArchive(t PkgType, payload *io.SectionReader) error {
	switch t {
	case PkgTypeZip:
		if _, err := zip.NewReader(payload, payload.Size()); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}
	case PkgTypeGzip:
		magic := make([]byte, 2)
		if _, err := payload.ReadAt(magic, 0); err != nil || magic[0] != 0x1f || magic[1] != 0x8b {
			return invalidFile("missing gzip header")
		}
	case PkgTypeLz4:
		if payload.Size() < lz4BlockHeaderLen {
			return invalidFile("lz4 payload too short")
		}
	}
	return nil
}

// safeName keeps extracted files inside the output directory.
func safeName(identity string) (string, error) {
	name := filepath.Base(filepath.Clean("/" + identity))
	if name == "/" || name == "." || name == "" {
		return "", invalidFile("bad component name %q", identity)
	}
	return name, nil
}

func writeOut(outDir, identity string, r io.Reader) (int64, error) {
	name, err := safeName(identity)
	if err != nil {
		return 0, err
	}
	f, err := os.Create(filepath.Join(outDir, name))
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", name, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to extract %s: %w", name, err)
	}
	return n, nil
}

func extractZip(payload *io.SectionReader, outDir string) ([]ComponentInfo, error) {
	zr, err := zip.NewReader(payload, payload.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	var comps []ComponentInfo
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}
		n, err := writeOut(outDir, f.Name, rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		method := CompressZip
		if f.Method == zip.Store {
			method = CompressNone
		}
		comps = append(comps, ComponentInfo{
			Identity:     f.Name,
			PackMethod:   method,
			DigestMethod: DigestCrc,
			Digest:       crcDigest(f.CRC32),
			PackedSize:   int64(f.CompressedSize64),
			UnpackedSize: n,
		})
	}
	return comps, nil
}

func extractGzip(payload *io.SectionReader, outDir string) ([]ComponentInfo, error) {
	br := bufio.NewReader(payload)
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	defer zr.Close()

	var comps []ComponentInfo
	for {
		zr.Multistream(false)
		name := zr.Name
		if name == "" {
			name = fmt.Sprintf("member%d", len(comps))
		}
		crc := crc32.NewIEEE()
		n, err := writeOut(outDir, name, io.TeeReader(zr, crc))
		if err != nil {
			if errors.Is(err, gzip.ErrChecksum) || errors.Is(err, gzip.ErrHeader) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
			}
			return nil, err
		}
		comps = append(comps, ComponentInfo{
			Identity:     name,
			PackMethod:   CompressGzip,
			DigestMethod: DigestCrc,
			Digest:       crcDigest(crc.Sum32()),
			UnpackedSize: n,
		})

		if err := zr.Reset(br); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}
	}
	return comps, nil
}

func extractLz4(payload *io.SectionReader, name, outDir string) ([]ComponentInfo, error) {
	c := ComponentInfo{Identity: name, PackedSize: payload.Size()}

	head := make([]byte, 4)
	if _, err := payload.ReadAt(head, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	var r io.Reader
	if binary.LittleEndian.Uint32(head) == lz4FrameMagic {
		c.PackMethod = CompressLz4
		r = lz4.NewReader(payload)
	} else {
		c.PackMethod = CompressLz4Block
		data, err := io.ReadAll(payload)
		if err != nil {
			return nil, err
		}
		block, err := unpackLz4Block(data)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(block)
	}

	n, err := writeOut(outDir, name, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	c.UnpackedSize = n
	return []ComponentInfo{c}, nil
}

const lz4FrameMagic = 0x184D2204
