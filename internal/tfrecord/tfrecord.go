// Package tfrecord reads and writes TFRecord files of tf.train.Example
// messages, the input format of the segmentation trainer.
package tfrecord

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

var ErrCorrupted = errors.New("tfrecord: corrupted record")

var crc32c = crc32.MakeTable(crc32.Castagnoli)

func maskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, crc32c)
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}

// Writer frames records as length, length CRC, data, data CRC.
type Writer struct {
	w     *bufio.Writer
	count int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) Write(data []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))
	if _, err := w.w.Write(header[:]); err != nil {
		return errors.Wrap(err, "tfrecord: write header")
	}
	if _, err := w.w.Write(data); err != nil {
		return errors.Wrap(err, "tfrecord: write data")
	}
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))
	if _, err := w.w.Write(footer[:]); err != nil {
		return errors.Wrap(err, "tfrecord: write footer")
	}
	w.count++
	return nil
}

// WriteExample encodes and writes ex.
func (w *Writer) WriteExample(ex Example) error {
	data, err := ex.Marshal()
	if err != nil {
		return err
	}
	return w.Write(data)
}

func (w *Writer) Count() int {
	return w.count
}

func (w *Writer) Flush() error {
	return errors.Wrap(w.w.Flush(), "tfrecord: flush")
}

type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record, io.EOF after the last one, or ErrCorrupted
// when a checksum does not match.
func (r *Reader) Next() ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(ErrCorrupted, "truncated header")
	}
	if maskedCRC(header[:8]) != binary.LittleEndian.Uint32(header[8:]) {
		return nil, errors.Wrap(ErrCorrupted, "length checksum mismatch")
	}

	length := binary.LittleEndian.Uint64(header[:8])
	if length > 1<<32 {
		return nil, errors.Wrapf(ErrCorrupted, "record length %d", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return nil, errors.Wrap(ErrCorrupted, "truncated data")
	}

	var footer [4]byte
	if _, err := io.ReadFull(r.r, footer[:]); err != nil {
		return nil, errors.Wrap(ErrCorrupted, "truncated footer")
	}
	if maskedCRC(data) != binary.LittleEndian.Uint32(footer[:]) {
		return nil, errors.Wrap(ErrCorrupted, "data checksum mismatch")
	}
	return data, nil
}

// NextExample reads and decodes the next record.
func (r *Reader) NextExample() (Example, error) {
	data, err := r.Next()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
