package storage

import (
	"errors"
	"math"

	"github.com/stjordanis/knime-core/internal/alias/bx"
	"github.com/stjordanis/knime-core/internal/record"
)

// ---- Errors ----
var (
	ErrSchemaMismatch  = errors.New("rowcodec: schema/values mismatch")
	ErrBadBuffer       = errors.New("rowcodec: buffer underflow/overflow")
	ErrUnsupportedType = errors.New("rowcodec: unsupported type")
)

// ---- AppendRow(dst, schema, row) -> []byte ----
// Format:
// [key: u32 len + bytes] [missing map: ceil(N/8) bytes, bit=1 => missing] [cell0?] [cell1?] ...
// INT64/FLOAT64: 8 bytes LE, BOOL: 1 byte, STRING/BYTES: u32 length (LE) + data
func AppendRow(dst []byte, s record.TableSchema, r record.Row) ([]byte, error) {
	nc := s.NumColumns()
	if len(r.Cells) != nc {
		return dst, ErrSchemaMismatch
	}

	dst = bx.AppendVar(dst, []byte(r.Key))

	// missing bitmap
	mapAt := len(dst)
	for i := 0; i < (nc+7)/8; i++ {
		dst = append(dst, 0)
	}

	for i, c := range r.Cells {
		if c.IsMissing() {
			dst[mapAt+i/8] |= 1 << (uint(i) & 7)
			continue
		}

		switch s.Column(i).Domain.Type {
		case record.ColInt64:
			x, ok := c.AsInt()
			if !ok {
				return dst, ErrSchemaMismatch
			}
			dst = bx.AppendU64(dst, uint64(x))

		case record.ColFloat64:
			x, ok := c.AsFloat()
			if !ok {
				return dst, ErrSchemaMismatch
			}
			dst = bx.AppendU64(dst, math.Float64bits(x))

		case record.ColBool:
			x, ok := c.AsBool()
			if !ok {
				return dst, ErrSchemaMismatch
			}
			if x {
				dst = append(dst, 1)
			} else {
				dst = append(dst, 0)
			}

		case record.ColString:
			x, ok := c.AsString()
			if !ok {
				return dst, ErrSchemaMismatch
			}
			dst = bx.AppendVar(dst, []byte(x))

		case record.ColBytes:
			x, ok := c.AsBytes()
			if !ok {
				return dst, ErrSchemaMismatch
			}
			dst = bx.AppendVar(dst, x)

		default:
			return dst, ErrUnsupportedType
		}
	}
	return dst, nil
}

// ---- DecodeRow(schema, buf) -> row, bytes consumed ----
func DecodeRow(s record.TableSchema, buf []byte) (record.Row, int, error) {
	key, i, err := readVar(buf, 0)
	if err != nil {
		return record.Row{}, 0, err
	}

	nc := s.NumColumns()
	nbBytes := (nc + 7) / 8
	if i+nbBytes > len(buf) {
		return record.Row{}, 0, ErrBadBuffer
	}
	missing := buf[i : i+nbBytes]
	i += nbBytes

	cells := make([]record.Cell, nc)
	for colIdx := 0; colIdx < nc; colIdx++ {
		if (missing[colIdx/8]>>(uint(colIdx)&7))&1 == 1 {
			cells[colIdx] = record.Missing()
			continue
		}

		switch s.Column(colIdx).Domain.Type {
		case record.ColInt64:
			if i+8 > len(buf) {
				return record.Row{}, 0, ErrBadBuffer
			}
			cells[colIdx] = record.Int(int64(bx.U64(buf[i : i+8])))
			i += 8

		case record.ColFloat64:
			if i+8 > len(buf) {
				return record.Row{}, 0, ErrBadBuffer
			}
			cells[colIdx] = record.Float(math.Float64frombits(bx.U64(buf[i : i+8])))
			i += 8

		case record.ColBool:
			if i+1 > len(buf) {
				return record.Row{}, 0, ErrBadBuffer
			}
			cells[colIdx] = record.Bool(buf[i] != 0)
			i++

		case record.ColString:
			var b []byte
			b, i, err = readVar(buf, i)
			if err != nil {
				return record.Row{}, 0, err
			}
			cells[colIdx] = record.String(string(b))

		case record.ColBytes:
			var b []byte
			b, i, err = readVar(buf, i)
			if err != nil {
				return record.Row{}, 0, err
			}
			// record.Bytes copies, the block buffer is not aliased
			cells[colIdx] = record.Bytes(b)

		default:
			return record.Row{}, 0, ErrUnsupportedType
		}
	}
	return record.Row{Key: record.RowKey(key), Cells: cells}, i, nil
}

func readVar(buf []byte, at int) ([]byte, int, error) {
	if at+4 > len(buf) {
		return nil, 0, ErrBadBuffer
	}
	l := int(bx.U32(buf[at : at+4]))
	at += 4
	if l < 0 || at+l > len(buf) {
		return nil, 0, ErrBadBuffer
	}
	return buf[at : at+l], at + l, nil
}
