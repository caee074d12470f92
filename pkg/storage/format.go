package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"io"

	"github.com/cockroachdb/errors"
	icommon "github.com/dr0pdb/icecanestore/internal/common"
	"github.com/dr0pdb/icecanestore/pkg/common"
	log "github.com/sirupsen/logrus"
)

/*
	Every file written by this package ends with the same tail:

	+----------------------+-----------------+------------------+-----------------+-----------------+
	| property section     | crc64(section)  | sentinel padding | footer          | crc64(footer)   |
	+----------------------+-----------------+------------------+-----------------+-----------------+

	The footer is fixed size, so opening a file costs one read at
	fileLength - footerSize - checksumSize. Checkpoint files pad the tail so that
	the whole file is a multiple of its block size.

	Property section entries are 8-byte aligned:

	+-----------+-------------+----------------+---------------+
	| id uint32 | size uint32 | value (size)   | pad to 8      |
	+-----------+-------------+----------------+---------------+
*/

const (
	// FormatVersion is the only file format version this package reads and writes.
	FormatVersion uint32 = 1

	blockHandleSize = 16
	checksumSize    = 8
	footerSize      = blockHandleSize + 4
	footerBlockSize = footerSize + checksumSize

	propertyHeaderSize = 8
	recordAlignment    = 8
)

// paddingPattern is the filler written into every gap between records and block ends.
var paddingPattern = [4]byte{0x0B, 0xAD, 0xF0, 0x0D}

var crcTable = crc64.MakeTable(crc64.ECMA)

// checksum returns the CRC64 of p.
func checksum(p []byte) uint64 {
	return crc64.Checksum(p, crcTable)
}

// appendPadding appends n bytes of the repeating sentinel pattern.
func appendPadding(dst []byte, n int) []byte {
	for i := 0; i < n; i++ {
		dst = append(dst, paddingPattern[i%len(paddingPattern)])
	}
	return dst
}

// BlockHandle locates a byte range within a file.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

// EndOffset returns the offset just past the range.
func (h BlockHandle) EndOffset() uint64 {
	return h.Offset + h.Size
}

func (h BlockHandle) String() string {
	return fmt.Sprintf("[%d, %d)", h.Offset, h.EndOffset())
}

func (h BlockHandle) appendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, h.Offset)
	return binary.LittleEndian.AppendUint64(dst, h.Size)
}

func decodeBlockHandle(p []byte) (BlockHandle, error) {
	if len(p) != blockHandleSize {
		return BlockHandle{}, common.NewCorruptionError(fmt.Sprintf("block handle must be %d bytes, got %d", blockHandleSize, len(p)))
	}
	h := BlockHandle{
		Offset: binary.LittleEndian.Uint64(p[0:8]),
		Size:   binary.LittleEndian.Uint64(p[8:16]),
	}
	if h.EndOffset() < h.Offset {
		return BlockHandle{}, common.NewCorruptionError(fmt.Sprintf("block handle %d+%d overflows", h.Offset, h.Size))
	}
	return h, nil
}

// fileFooter is the fixed size trailer of every file.
type fileFooter struct {
	PropertiesHandle BlockHandle
	Version          uint32
}

func (f fileFooter) encode() []byte {
	buf := make([]byte, 0, footerSize)
	buf = f.PropertiesHandle.appendTo(buf)
	return binary.LittleEndian.AppendUint32(buf, f.Version)
}

// appendFileBlock appends p followed by its checksum.
func appendFileBlock(dst, p []byte) []byte {
	dst = append(dst, p...)
	return binary.LittleEndian.AppendUint64(dst, checksum(p))
}

// readAtFull reads exactly n bytes at off.
func readAtFull(r io.ReaderAt, off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := readFullAt(r, buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// readFullAt fills buf from off. A short read is io.ErrUnexpectedEOF.
func readFullAt(r io.ReaderAt, buf []byte, off int64) error {
	read, err := r.ReadAt(buf, off)
	if read == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return errors.Wrapf(err, "reading %d bytes at offset %d", len(buf), off)
}

// readFileBlock reads the block at handle and verifies its trailing checksum.
func readFileBlock(r io.ReaderAt, handle BlockHandle, what string) ([]byte, error) {
	raw, err := readAtFull(r, int64(handle.Offset), int(handle.Size)+checksumSize)
	if err != nil {
		return nil, err
	}
	data := raw[:handle.Size]
	expected := binary.LittleEndian.Uint64(raw[handle.Size:])
	if actual := checksum(data); actual != expected {
		return nil, common.NewChecksumMismatchError(fmt.Sprintf("%s block at %s is corrupt", what, handle), expected, actual)
	}
	return data, nil
}

// readFooter reads and validates the footer of a file of the given length.
func readFooter(r io.ReaderAt, fileLength int64) (fileFooter, error) {
	footerOffset := fileLength - footerBlockSize
	if footerOffset < 0 {
		return fileFooter{}, common.NewCorruptionError(fmt.Sprintf("file of %d bytes is too short to hold a footer", fileLength))
	}

	data, err := readFileBlock(r, BlockHandle{Offset: uint64(footerOffset), Size: footerSize}, "footer")
	if err != nil {
		return fileFooter{}, err
	}

	ph, err := decodeBlockHandle(data[:blockHandleSize])
	if err != nil {
		return fileFooter{}, err
	}
	footer := fileFooter{
		PropertiesHandle: ph,
		Version:          binary.LittleEndian.Uint32(data[blockHandleSize:]),
	}

	if footer.Version != FormatVersion {
		log.WithFields(log.Fields{"version": footer.Version}).Error("storage::format::readFooter; unknown file format version")
		return fileFooter{}, common.NewCorruptionError(fmt.Sprintf("unknown file format version %d", footer.Version))
	}
	if ph.EndOffset()+checksumSize > uint64(footerOffset) {
		return fileFooter{}, common.NewCorruptionError(fmt.Sprintf("properties handle %s overlaps the footer at %d", ph, footerOffset))
	}
	return footer, nil
}

// appendFileTail appends the property section, padding and footer. tailOffset is the
// absolute file offset at which dst's appended bytes start.
func appendFileTail(dst []byte, tailOffset int64, props []byte, alignment int) []byte {
	ph := BlockHandle{Offset: uint64(tailOffset), Size: uint64(len(props))}
	dst = appendFileBlock(dst, props)

	end := int(tailOffset) + len(props) + checksumSize + footerBlockSize
	dst = appendPadding(dst, icommon.PaddingFor(end, alignment))

	footer := fileFooter{PropertiesHandle: ph, Version: FormatVersion}
	return appendFileBlock(dst, footer.encode())
}

// filePropertySection is a set of properties persisted in a file's property section.
type filePropertySection interface {
	// write appends every known property.
	write(pw *propertyWriter)

	// read consumes a single property. Unknown ids must be ignored.
	read(id uint32, value []byte) error
}

type propertyWriter struct {
	buf []byte
}

func (pw *propertyWriter) put(id uint32, value []byte) {
	pw.buf = binary.LittleEndian.AppendUint32(pw.buf, id)
	pw.buf = binary.LittleEndian.AppendUint32(pw.buf, uint32(len(value)))
	pw.buf = append(pw.buf, value...)
	pw.buf = appendPadding(pw.buf, icommon.PaddingFor(len(value), recordAlignment))
}

func (pw *propertyWriter) putUint64(id uint32, v uint64) {
	pw.put(id, binary.LittleEndian.AppendUint64(nil, v))
}

func (pw *propertyWriter) putInt64(id uint32, v int64) {
	pw.putUint64(id, uint64(v))
}

func (pw *propertyWriter) putHandle(id uint32, h BlockHandle) {
	pw.put(id, h.appendTo(nil))
}

func encodeProperties(p filePropertySection) []byte {
	pw := &propertyWriter{}
	p.write(pw)
	return pw.buf
}

// readPropertySection parses data, the exact bytes of a property section located at handle.
// Reading must end exactly at handle.EndOffset().
func readPropertySection(data []byte, handle BlockHandle, p filePropertySection) error {
	pos := 0
	for pos < len(data) {
		if pos+propertyHeaderSize > len(data) {
			return common.NewCorruptionError(fmt.Sprintf("truncated property header at offset %d", handle.Offset+uint64(pos)))
		}
		id := binary.LittleEndian.Uint32(data[pos:])
		size := int32(binary.LittleEndian.Uint32(data[pos+4:]))
		pos += propertyHeaderSize

		if size < 0 || pos+int(size) > len(data) {
			return common.NewCorruptionError(fmt.Sprintf("property %d declares invalid size %d", id, size))
		}
		if err := p.read(id, data[pos:pos+int(size)]); err != nil {
			return err
		}
		pos += icommon.AlignUp(int(size), recordAlignment)
	}

	if uint64(pos) != handle.Size {
		return common.NewCorruptionError(fmt.Sprintf("property section ended at offset %d instead of %d", handle.Offset+uint64(pos), handle.EndOffset()))
	}
	return nil
}

func propertyUint64(id uint32, value []byte) (uint64, error) {
	if len(value) != 8 {
		return 0, common.NewCorruptionError(fmt.Sprintf("property %d must be 8 bytes, got %d", id, len(value)))
	}
	return binary.LittleEndian.Uint64(value), nil
}

func propertyInt64(id uint32, value []byte) (int64, error) {
	v, err := propertyUint64(id, value)
	if err != nil {
		return 0, err
	}
	if int64(v) < 0 {
		return 0, common.NewCorruptionError(fmt.Sprintf("property %d has negative value %d", id, int64(v)))
	}
	return int64(v), nil
}

// readFileProperties reads the footer and property section of a file of the given length.
func readFileProperties(r io.ReaderAt, fileLength int64, p filePropertySection) (BlockHandle, error) {
	footer, err := readFooter(r, fileLength)
	if err != nil {
		return BlockHandle{}, err
	}
	data, err := readFileBlock(r, footer.PropertiesHandle, "properties")
	if err != nil {
		return BlockHandle{}, err
	}
	if err := readPropertySection(data, footer.PropertiesHandle, p); err != nil {
		return BlockHandle{}, err
	}
	return footer.PropertiesHandle, nil
}
