package tl

import "encoding/binary"

// Writer accumulates encoded chunks and concatenates them once on
// Bytes(), avoiding repeated reallocation of a single growing buffer.
type Writer struct {
	chunks [][]byte
	size   int
}

// NewWriter creates an empty writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Len returns the total number of bytes written so far.
func (w *Writer) Len() int {
	return w.size
}

func (w *Writer) append(b []byte) {
	w.chunks = append(w.chunks, b)
	w.size += len(b)
}

// WriteUint32 appends a little-endian 32-bit word.
func (w *Writer) WriteUint32(v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	w.append(b)
}

// WriteInt32 appends a little-endian signed 32-bit word.
func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

// WriteUint64 appends a little-endian 64-bit word.
func (w *Writer) WriteUint64(v uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	w.append(b)
}

// WriteInt64 appends a little-endian signed 64-bit word.
func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

// WriteBytes appends raw bytes with no length prefix or padding.
// The slice is retained until Bytes() is called.
func (w *Writer) WriteBytes(b []byte) {
	w.append(b)
}

// WriteString appends a 32-bit length, the payload, and zero padding so
// the total is a multiple of 4.
func (w *Writer) WriteString(s []byte) {
	w.WriteInt32(int32(len(s)))
	w.append(s)
	if pad := padLen(len(s)); pad > 0 {
		w.append(make([]byte, pad))
	}
}

// WriteVectorInt64 appends the vector constructor tag, a 32-bit count,
// and the elements as 64-bit words.
func (w *Writer) WriteVectorInt64(vs []uint64) {
	w.WriteUint32(VectorTag)
	w.WriteInt32(int32(len(vs)))
	for _, v := range vs {
		w.WriteUint64(v)
	}
}

// WriteVectorInt32 appends the vector constructor tag, a 32-bit count,
// and the elements as 32-bit words.
func (w *Writer) WriteVectorInt32(vs []uint32) {
	w.WriteUint32(VectorTag)
	w.WriteInt32(int32(len(vs)))
	for _, v := range vs {
		w.WriteUint32(v)
	}
}

// Bytes concatenates all written chunks into a single buffer.
func (w *Writer) Bytes() []byte {
	out := make([]byte, 0, w.size)
	for _, c := range w.chunks {
		out = append(out, c...)
	}
	return out
}
