package flashfs

import (
	"bytes"
	"hash/crc32"
	"io"
	"io/ioutil"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

const (
	// imageMagic = "FFIM" in little endian
	imageMagic   uint32 = 0x4d494646
	imageVersion uint16 = 1
	imageHdrSize        = 28
)

var ErrBadImage = errors.New("bad flash image")

type CompressAlgorithm uint16

const (
	CompSnappy CompressAlgorithm = iota // default
	CompNone
	CompLz4
)

func (c CompressAlgorithm) String() string {
	switch c {
	case CompSnappy:
		return "snappy"
	case CompNone:
		return "none"
	case CompLz4:
		return "lz4"
	}
	return "unknown"
}

type Compressor func([]byte) ([]byte, error)
type DeCompressor func([]byte) ([]byte, error)

var (
	SnappyCompress Compressor = func(in []byte) ([]byte, error) {
		return snappy.Encode(nil, in), nil
	}
	SnappyDeCompress DeCompressor = func(in []byte) ([]byte, error) {
		return snappy.Decode(nil, in)
	}
)

var (
	Lz4Compress Compressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		writer := lz4.NewWriter(buf)
		writer.NoChecksum = true
		if _, err := writer.Write(in); err != nil {
			return nil, err
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	Lz4DeCompress DeCompressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		reader := lz4.NewReader(bytes.NewReader(in))
		_, err := buf.ReadFrom(reader)
		return buf.Bytes(), err
	}
)

var identity = func(in []byte) ([]byte, error) { return in, nil }

func codec(alg CompressAlgorithm) (Compressor, DeCompressor, error) {
	switch alg {
	case CompSnappy:
		return SnappyCompress, SnappyDeCompress, nil
	case CompNone:
		return identity, identity, nil
	case CompLz4:
		return Lz4Compress, Lz4DeCompress, nil
	}
	return nil, nil, errors.Wrapf(ErrBadImage, "compression %d", alg)
}

// WriteImage stores the whole medium described by geo in w.
func WriteImage(w io.Writer, m Medium, geo Geometry, alg CompressAlgorithm) error {
	comp, _, err := codec(alg)
	if err != nil {
		return err
	}
	raw := make([]byte, geo.Size())
	if err := m.Read(0, raw); err != nil {
		return errors.Wrap(err, "reading medium")
	}
	payload, err := comp(raw)
	if err != nil {
		return errors.Wrapf(err, "%s compression", alg)
	}

	var hdr [imageHdrSize]byte
	le.PutUint32(hdr[0:], imageMagic)
	le.PutUint16(hdr[4:], imageVersion)
	le.PutUint16(hdr[6:], uint16(alg))
	le.PutUint32(hdr[8:], geo.Sectors)
	le.PutUint32(hdr[12:], geo.SectorSize)
	le.PutUint32(hdr[16:], uint32(len(raw)))
	le.PutUint32(hdr[20:], crc32.ChecksumIEEE(raw))
	le.PutUint32(hdr[24:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadImage decodes an image written by WriteImage. The returned geometry
// carries no page size, it is not part of the image.
func ReadImage(r io.Reader) (Geometry, []byte, error) {
	var hdr [imageHdrSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Geometry{}, nil, errors.Wrap(ErrBadImage, err.Error())
	}
	if le.Uint32(hdr[0:]) != imageMagic {
		return Geometry{}, nil, errors.Wrap(ErrBadImage, "magic")
	}
	if v := le.Uint16(hdr[4:]); v != imageVersion {
		return Geometry{}, nil, errors.Wrapf(ErrBadImage, "version %d", v)
	}
	_, decomp, err := codec(CompressAlgorithm(le.Uint16(hdr[6:])))
	if err != nil {
		return Geometry{}, nil, err
	}
	geo := Geometry{Sectors: le.Uint32(hdr[8:]), SectorSize: le.Uint32(hdr[12:])}
	rawLen := le.Uint32(hdr[16:])
	sum := le.Uint32(hdr[20:])
	payload, err := ioutil.ReadAll(io.LimitReader(r, int64(le.Uint32(hdr[24:]))))
	if err != nil {
		return Geometry{}, nil, err
	}
	raw, err := decomp(payload)
	if err != nil {
		return Geometry{}, nil, errors.Wrap(ErrBadImage, err.Error())
	}
	switch {
	case uint32(len(raw)) != rawLen || rawLen != geo.Size():
		return Geometry{}, nil, errors.Wrapf(ErrBadImage, "%d bytes, expected %d", len(raw), rawLen)
	case crc32.ChecksumIEEE(raw) != sum:
		return Geometry{}, nil, errors.Wrap(ErrBadImage, "checksum mismatch")
	}
	return geo, raw, nil
}

// ProgramImage erases every sector of m and writes raw into it.
func ProgramImage(m Medium, geo Geometry, raw []byte) error {
	if uint32(len(raw)) != geo.Size() {
		return errors.Wrapf(ErrBadImage, "%d bytes for a %d byte medium", len(raw), geo.Size())
	}
	for s := uint32(0); s < geo.Sectors; s++ {
		addr := s * geo.SectorSize
		if err := m.Erase(addr, geo.SectorSize); err != nil {
			return errors.Wrapf(err, "erasing sector %d", s)
		}
		if err := m.Write(addr, raw[addr:addr+geo.SectorSize]); err != nil {
			return errors.Wrapf(err, "programming sector %d", s)
		}
	}
	return nil
}
