// Package npz writes merged event streams as a NumPy .npz archive holding a
// single (N, 6) little-endian float64 array.
package npz

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/trade-engine/hist-ingest/internal/storage"
	"github.com/trade-engine/hist-ingest/pkg/exception"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

// ArrayName is the key the array is stored under inside the archive.
const ArrayName = "arr"

const (
	npyMagic     = "\x93NUMPY"
	npyAlign     = 64
	npyPrelude   = 10 // magic(6) + version(2) + header length(2)
	numColumns   = 6
	bytesPerCell = 8
	rowBytes     = numColumns * bytesPerCell
)

var (
	ErrFormat = errors.New("npz: unsupported array format")

	headerPattern = regexp.MustCompile(
		`'descr':\s*'([^']+)'.*'fortran_order':\s*(True|False).*'shape':\s*\((\d+),\s*(\d+)\)`)
)

// Write stores events at path, replacing any existing file. It returns the
// size of the written archive.
func Write(path string, events []schema.Event) (int64, error) {
	return storage.WriteAtomic(path, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		member, err := zw.CreateHeader(&zip.FileHeader{
			Name:   ArrayName + ".npy",
			Method: zip.Store,
		})
		if err != nil {
			return exception.Filesystem("npz", path, err)
		}
		if err := writeArray(member, events); err != nil {
			return exception.Filesystem("npz", path, err)
		}
		if err := zw.Close(); err != nil {
			return exception.Filesystem("npz", path, err)
		}
		return nil
	})
}

func writeArray(w io.Writer, events []schema.Event) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(header(len(events))); err != nil {
		return err
	}

	var cell [bytesPerCell]byte
	for _, e := range events {
		for _, v := range row(e) {
			binary.LittleEndian.PutUint64(cell[:], math.Float64bits(v))
			if _, err := bw.Write(cell[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

func row(e schema.Event) [numColumns]float64 {
	return [numColumns]float64{
		float64(e.Kind),
		float64(e.ExchTS),
		float64(e.LocalTS),
		float64(e.Side),
		e.Price,
		e.Qty,
	}
}

// header builds an NPY v1.0 header padded so the data starts on a 64 byte
// boundary.
func header(n int) []byte {
	dict := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%d, %d), }", n, numColumns)
	pad := npyAlign - (npyPrelude+len(dict)+1)%npyAlign
	if pad == npyAlign {
		pad = 0
	}
	dict += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(dict)))
	buf.WriteString(dict)
	return buf.Bytes()
}

// Read decodes the array stored at path back into events.
func Read(path string) ([]schema.Event, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, exception.Filesystem("npz", path, err)
	}
	defer zr.Close()

	var member *zip.File
	for _, f := range zr.File {
		if f.Name == ArrayName+".npy" {
			member = f
			break
		}
	}
	if member == nil {
		return nil, fmt.Errorf("%s: %w: no %s.npy member", path, ErrFormat, ArrayName)
	}

	rc, err := member.Open()
	if err != nil {
		return nil, exception.Filesystem("npz", path, err)
	}
	defer rc.Close()

	events, err := readArray(bufio.NewReader(rc), member.UncompressedSize64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}

// readArray decodes one NPY array of at most size bytes. The header's shape is
// checked against size before anything is allocated.
func readArray(r io.Reader, size uint64) ([]schema.Event, error) {
	prelude := make([]byte, 8)
	if _, err := io.ReadFull(r, prelude); err != nil {
		return nil, err
	}
	if string(prelude[:6]) != npyMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrFormat)
	}

	var hlen int
	consumed := uint64(len(prelude))
	switch prelude[6] {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		hlen = int(n)
		consumed += 2
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		hlen = int(n)
		consumed += 4
	default:
		return nil, fmt.Errorf("%w: version %d", ErrFormat, prelude[6])
	}

	consumed += uint64(hlen)
	if consumed > size {
		return nil, fmt.Errorf("%w: header length %d exceeds array size %d", ErrFormat, hlen, size)
	}

	dict := make([]byte, hlen)
	if _, err := io.ReadFull(r, dict); err != nil {
		return nil, err
	}
	m := headerPattern.FindStringSubmatch(string(dict))
	if m == nil {
		return nil, fmt.Errorf("%w: header %q", ErrFormat, dict)
	}
	if m[1] != "<f8" || m[2] != "False" || m[4] != strconv.Itoa(numColumns) {
		return nil, fmt.Errorf("%w: descr=%s fortran_order=%s columns=%s", ErrFormat, m[1], m[2], m[4])
	}
	n, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: shape %q", ErrFormat, m[3])
	}
	if n > (size-consumed)/rowBytes {
		return nil, fmt.Errorf("%w: shape (%d, %d) does not fit in %d data bytes", ErrFormat, n, numColumns, size-consumed)
	}

	events := make([]schema.Event, n)
	var cells [rowBytes]byte
	for i := range events {
		if _, err := io.ReadFull(r, cells[:]); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		var v [numColumns]float64
		for j := range v {
			v[j] = math.Float64frombits(binary.LittleEndian.Uint64(cells[j*bytesPerCell:]))
		}
		events[i] = schema.Event{
			Kind:    schema.EventKind(v[0]),
			ExchTS:  uint64(v[1]),
			LocalTS: uint64(v[2]),
			Side:    schema.Side(v[3]),
			Price:   v[4],
			Qty:     v[5],
		}
	}
	return events, nil
}
