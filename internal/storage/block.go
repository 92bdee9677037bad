package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/stjordanis/knime-core/internal/alias/bx"
	"github.com/stjordanis/knime-core/internal/alias/util"
	"github.com/stjordanis/knime-core/internal/record"
)

// Spill file layout:
//
//	file header  [magic u32][version u16][codec u8][reserved u8]
//	block*       [magic u32][rows u32][rawLen u32][storedLen u32][xxhash64 u64][payload]
//
// The payload is storedLen bytes of codec output; decoded it is rawLen bytes of
// rows in AppendRow format, back to back.
const (
	fileMagic  uint32 = 0x4B4E5442 // "KNTB"
	blockMagic uint32 = 0x424C4B31 // "BLK1"

	fileVersion uint16 = 1

	FileHeaderSize  = 8
	BlockHeaderSize = 24

	bufSize = 64 << 10
)

// SpillFile describes a finished spill file. It is everything needed to read
// the file back without scanning it.
type SpillFile struct {
	Set    FileSet
	Name   string
	Codec  Codec
	Blocks int
	Rows   int64
	Size   int64
}

func (f SpillFile) Path() string { return f.Set.Path(f.Name) }

func (f SpillFile) Remove() error { return f.Set.Remove(f.Name) }

// BlockHeader is the decoded header of one block.
type BlockHeader struct {
	Index     int
	Rows      int
	RawLen    int
	StoredLen int
	Checksum  uint64
}

// BlockWriter appends blocks of rows to a new spill file.
// It is not safe for concurrent use; callers serialize WriteBlock calls.
type BlockWriter struct {
	set    FileSet
	name   string
	schema record.TableSchema
	codec  Codec

	f  afero.File
	bw *bufio.Writer

	raw    []byte
	stored []byte

	blocks int
	rows   int64
	size   int64
	closed bool
}

func CreateBlockWriter(set FileSet, schema record.TableSchema, codec Codec) (*BlockWriter, error) {
	name := set.NewSpillName()
	f, err := set.create(name)
	if err != nil {
		return nil, err
	}
	w := &BlockWriter{
		set:    set,
		name:   name,
		schema: schema,
		codec:  codec,
		f:      f,
		bw:     bufio.NewWriterSize(f, bufSize),
	}

	var hdr [FileHeaderSize]byte
	bx.PutU32(hdr[0:], fileMagic)
	bx.PutU16(hdr[4:], fileVersion)
	hdr[6] = byte(codec)
	if err := w.write(hdr[:]); err != nil {
		return nil, multierr.Append(err, w.Abort())
	}
	return w, nil
}

func (w *BlockWriter) Name() string { return w.name }

func (w *BlockWriter) Path() string { return w.set.Path(w.name) }

func (w *BlockWriter) Rows() int64 { return w.rows }

func (w *BlockWriter) Blocks() int { return w.blocks }

// Size is the number of bytes written so far, headers included.
func (w *BlockWriter) Size() int64 { return w.size }

// WriteBlock encodes rows as one block and appends it to the file.
// An empty slice writes nothing.
func (w *BlockWriter) WriteBlock(rows []record.Row) error {
	if w.closed {
		return ErrFinished
	}
	if len(rows) == 0 {
		return nil
	}

	var err error
	w.raw = w.raw[:0]
	for _, r := range rows {
		w.raw, err = AppendRow(w.raw, w.schema, r)
		if err != nil {
			return fmt.Errorf("encode row %q: %w", r.Key, err)
		}
	}

	w.stored, err = w.codec.compress(w.stored[:0], w.raw)
	if err != nil {
		return err
	}

	var hdr [BlockHeaderSize]byte
	bx.PutU32(hdr[0:], blockMagic)
	bx.PutU32(hdr[4:], uint32(len(rows)))
	bx.PutU32(hdr[8:], uint32(len(w.raw)))
	bx.PutU32(hdr[12:], uint32(len(w.stored)))
	bx.PutU64(hdr[16:], xxhash.Sum64(w.stored))

	if err := w.write(hdr[:]); err != nil {
		return err
	}
	if err := w.write(w.stored); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return &IOError{Op: "write", Path: w.Path(), Err: err}
	}

	w.blocks++
	w.rows += int64(len(rows))
	return nil
}

func (w *BlockWriter) write(p []byte) error {
	n, err := w.bw.Write(p)
	w.size += int64(n)
	if err != nil {
		return &IOError{Op: "write", Path: w.Path(), Err: err}
	}
	return nil
}

// Finish flushes and closes the file. The writer cannot be used afterwards.
func (w *BlockWriter) Finish() (SpillFile, error) {
	if w.closed {
		return SpillFile{}, ErrFinished
	}
	w.closed = true

	if err := w.bw.Flush(); err != nil {
		_ = w.f.Close()
		return SpillFile{}, &IOError{Op: "flush", Path: w.Path(), Err: err}
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return SpillFile{}, &IOError{Op: "sync", Path: w.Path(), Err: err}
	}
	if err := w.f.Close(); err != nil {
		return SpillFile{}, &IOError{Op: "close", Path: w.Path(), Err: err}
	}
	return SpillFile{
		Set:    w.set,
		Name:   w.name,
		Codec:  w.codec,
		Blocks: w.blocks,
		Rows:   w.rows,
		Size:   w.size,
	}, nil
}

// Abort closes and deletes the partial file. Safe to call after Finish, in
// which case it only deletes the file.
func (w *BlockWriter) Abort() error {
	var err error
	if !w.closed {
		w.closed = true
		if cerr := w.f.Close(); cerr != nil {
			err = &IOError{Op: "close", Path: w.Path(), Err: cerr}
		}
	}
	return multierr.Append(err, w.set.Remove(w.name))
}

// BlockReader reads a spill file block by block.
type BlockReader struct {
	file   SpillFile
	schema record.TableSchema
	f      afero.File
	br     *bufio.Reader
	next   int
	buf    []byte
}

func OpenBlockReader(file SpillFile, schema record.TableSchema) (*BlockReader, error) {
	f, err := file.Set.open(file.Name)
	if err != nil {
		return nil, err
	}
	r := &BlockReader{
		file:   file,
		schema: schema,
		f:      f,
		br:     bufio.NewReaderSize(f, bufSize),
	}

	var hdr [FileHeaderSize]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		util.CloseFileFunc(f)
		return nil, r.readErr(err)
	}
	switch {
	case bx.U32(hdr[0:]) != fileMagic:
		util.CloseFileFunc(f)
		return nil, fmt.Errorf("%w: bad file magic in %s", ErrCorruptBlock, file.Path())
	case bx.U16(hdr[4:]) != fileVersion:
		util.CloseFileFunc(f)
		return nil, fmt.Errorf("%w: unsupported version %d in %s", ErrCorruptBlock, bx.U16(hdr[4:]), file.Path())
	case Codec(hdr[6]) != file.Codec:
		util.CloseFileFunc(f)
		return nil, fmt.Errorf("%w: file codec %v, descriptor says %v", ErrCorruptBlock, Codec(hdr[6]), file.Codec)
	}
	return r, nil
}

// Next reads the next block header. It returns io.EOF after the last block.
func (r *BlockReader) Next() (BlockHeader, error) {
	var hdr [BlockHeaderSize]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return BlockHeader{}, io.EOF
		}
		return BlockHeader{}, r.readErr(err)
	}
	if bx.U32(hdr[0:]) != blockMagic {
		return BlockHeader{}, fmt.Errorf("%w: bad block magic at block %d of %s", ErrCorruptBlock, r.next, r.file.Path())
	}
	h := BlockHeader{
		Index:     r.next,
		Rows:      int(bx.U32(hdr[4:])),
		RawLen:    int(bx.U32(hdr[8:])),
		StoredLen: int(bx.U32(hdr[12:])),
		Checksum:  bx.U64(hdr[16:]),
	}
	r.next++
	return h, nil
}

// Rows reads and decodes the payload of the block whose header Next just returned.
func (r *BlockReader) Rows(h BlockHeader) ([]record.Row, error) {
	if cap(r.buf) < h.StoredLen {
		r.buf = make([]byte, h.StoredLen)
	}
	stored := r.buf[:h.StoredLen]
	if _, err := io.ReadFull(r.br, stored); err != nil {
		return nil, r.readErr(err)
	}
	if xxhash.Sum64(stored) != h.Checksum {
		return nil, fmt.Errorf("%w: block %d of %s", ErrChecksum, h.Index, r.file.Path())
	}
	raw, err := r.file.Codec.decompress(stored, h.RawLen)
	if err != nil {
		return nil, fmt.Errorf("block %d of %s: %w", h.Index, r.file.Path(), err)
	}

	rows := make([]record.Row, 0, h.Rows)
	for at := 0; at < len(raw); {
		row, n, err := DecodeRow(r.schema, raw[at:])
		if err != nil {
			return nil, fmt.Errorf("%w: block %d row %d: %v", ErrCorruptBlock, h.Index, len(rows), err)
		}
		rows = append(rows, row)
		at += n
	}
	if len(rows) != h.Rows {
		return nil, fmt.Errorf("%w: block %d has %d rows, header says %d", ErrCorruptBlock, h.Index, len(rows), h.Rows)
	}
	return rows, nil
}

// Skip moves past the payload of the block whose header Next just returned.
func (r *BlockReader) Skip(h BlockHeader) error {
	if _, err := r.br.Discard(h.StoredLen); err != nil {
		return r.readErr(err)
	}
	return nil
}

func (r *BlockReader) Close() error {
	if err := r.f.Close(); err != nil {
		return &IOError{Op: "close", Path: r.file.Path(), Err: err}
	}
	return nil
}

func (r *BlockReader) readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", ErrCorruptBlock, r.file.Path())
	}
	return &IOError{Op: "read", Path: r.file.Path(), Err: err}
}

// WriteRows writes rows to a fresh spill file in blocks of blockRows.
// check is called before every block; a non-nil result aborts the write and
// removes the partial file.
func WriteRows(set FileSet, schema record.TableSchema, codec Codec, rows []record.Row, blockRows int, check func() error) (SpillFile, error) {
	if blockRows <= 0 {
		blockRows = len(rows)
	}
	w, err := CreateBlockWriter(set, schema, codec)
	if err != nil {
		return SpillFile{}, err
	}
	for start := 0; start < len(rows); start += blockRows {
		if check != nil {
			if err := check(); err != nil {
				return SpillFile{}, multierr.Append(err, w.Abort())
			}
		}
		end := min(start+blockRows, len(rows))
		if err := w.WriteBlock(rows[start:end]); err != nil {
			return SpillFile{}, multierr.Append(err, w.Abort())
		}
	}
	file, err := w.Finish()
	if err != nil {
		return SpillFile{}, multierr.Append(err, w.Abort())
	}
	return file, nil
}
