// Package dump writes a self-describing binary trace of per-period
// tracking internals, grounded on the fixed-width tag-file records
// FengXuebin-gnssgo's stream.go writes with encoding/binary, but
// deliberately not bit-compatible with GNSS-SDR's own .dat/.mat
// layout: the header below carries its own field count so a reader
// never has to know the writer's version ahead of time.
package dump

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	magic      uint32 = 0x47314500 // "G1E\0"
	version    uint32 = 1
	fieldCount uint32 = 8
)

// Epoch is one period's worth of internals, written as one
// fixed-width binary record.
type Epoch struct {
	TrackingSampleCounter uint64
	PromptI               float64
	PromptQ               float64
	CodePhaseSamples      float64
	CarrierPhaseRad       float64
	CarrierDopplerHz      float64
	CN0DBHz               float64
	LockFailCounter       int32
}

// Writer appends Epoch records to a dump file, preceded by a small
// header (magic, version, field count) so a reader can recognize and
// validate the stream before decoding.
type Writer struct {
	f *os.File
	w *bufio.Writer
}

// NewWriter creates (or truncates) the file at path and writes the
// header.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("dump: creating %s: %w", path, err)
	}
	w := &Writer{f: f, w: bufio.NewWriter(f)}
	for _, v := range []uint32{magic, version, fieldCount} {
		if err := binary.Write(w.w, binary.BigEndian, v); err != nil {
			f.Close()
			return nil, fmt.Errorf("dump: writing header: %w", err)
		}
	}
	return w, nil
}

// WriteEpoch appends one fixed-width record. IO errors here are the
// caller's to log and discard; they never propagate into the
// tracking loop.
func (w *Writer) WriteEpoch(e Epoch) error {
	fields := []any{
		e.TrackingSampleCounter,
		e.PromptI,
		e.PromptQ,
		e.CodePhaseSamples,
		e.CarrierPhaseRad,
		e.CarrierDopplerHz,
		e.CN0DBHz,
		e.LockFailCounter,
	}
	for _, v := range fields {
		if err := binary.Write(w.w, binary.BigEndian, v); err != nil {
			return fmt.Errorf("dump: writing epoch: %w", err)
		}
	}
	return nil
}

// Close flushes buffered records and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("dump: flushing: %w", err)
	}
	return w.f.Close()
}

// Reader reads back a dump file written by Writer, validating the
// header before yielding records.
type Reader struct {
	f *os.File
	r *bufio.Reader
}

// NewReader opens path and validates its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dump: opening %s: %w", path, err)
	}
	r := &Reader{f: f, r: bufio.NewReader(f)}
	var gotMagic, gotVersion, gotFields uint32
	if err := binary.Read(r.r, binary.BigEndian, &gotMagic); err != nil {
		f.Close()
		return nil, fmt.Errorf("dump: reading magic: %w", err)
	}
	if gotMagic != magic {
		f.Close()
		return nil, fmt.Errorf("dump: %s is not a tracking dump (bad magic)", path)
	}
	if err := binary.Read(r.r, binary.BigEndian, &gotVersion); err != nil {
		f.Close()
		return nil, fmt.Errorf("dump: reading version: %w", err)
	}
	if err := binary.Read(r.r, binary.BigEndian, &gotFields); err != nil {
		f.Close()
		return nil, fmt.Errorf("dump: reading field count: %w", err)
	}
	if gotFields != fieldCount {
		f.Close()
		return nil, fmt.Errorf("dump: %s has %d fields per record, reader expects %d", path, gotFields, fieldCount)
	}
	return r, nil
}

// ReadEpoch reads the next record, returning io.EOF once the file is
// exhausted.
func (r *Reader) ReadEpoch() (Epoch, error) {
	var e Epoch
	fields := []any{
		&e.TrackingSampleCounter,
		&e.PromptI,
		&e.PromptQ,
		&e.CodePhaseSamples,
		&e.CarrierPhaseRad,
		&e.CarrierDopplerHz,
		&e.CN0DBHz,
		&e.LockFailCounter,
	}
	for _, v := range fields {
		if err := binary.Read(r.r, binary.BigEndian, v); err != nil {
			if err == io.EOF {
				return Epoch{}, io.EOF
			}
			return Epoch{}, fmt.Errorf("dump: reading epoch: %w", err)
		}
	}
	return e, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}
