package npz

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trade-engine/hist-ingest/pkg/schema"
)

func sampleEvents() []schema.Event {
	return []schema.Event{
		{Kind: schema.EventDepthUpdate, ExchTS: 1000, LocalTS: 1000, Side: schema.SideBuy, Price: 99.5, Qty: 3},
		{Kind: schema.EventTrade, ExchTS: 1000, LocalTS: 1000, Side: schema.SideSell, Price: 100.25, Qty: 0.001},
		{Kind: schema.EventDepthSnapshot, ExchTS: 1700000000123, LocalTS: 1700000000123, Side: schema.SideSell, Price: 42000, Qty: 0},
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "npz", "BTCUSDT", "BTCUSDT_2024-01-01.npz")
	events := sampleEvents()

	size, err := Write(path, events)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), size)

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, events, got)

	_, err = os.Stat(filepath.Join(filepath.Dir(path), "TEMP_BTCUSDT_2024-01-01.npz"))
	assert.True(t, os.IsNotExist(err))
}

func TestWrite_Layout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.npz")
	_, err := Write(path, sampleEvents())
	require.NoError(t, err)

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 1)
	assert.Equal(t, "arr.npy", zr.File[0].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	data := buf.Bytes()

	assert.Equal(t, "\x93NUMPY", string(data[:6]))
	assert.Equal(t, []byte{1, 0}, data[6:8])
	hlen := int(binary.LittleEndian.Uint16(data[8:10]))
	assert.Zero(t, (10+hlen)%64)
	assert.Contains(t, string(data[10:10+hlen]), "'shape': (3, 6)")
	assert.Equal(t, byte('\n'), data[10+hlen-1])

	body := data[10+hlen:]
	require.Len(t, body, 3*6*8)
	// Row 1 column 4 is the trade price.
	cell := body[(1*6+4)*8:]
	assert.Equal(t, 100.25, math.Float64frombits(binary.LittleEndian.Uint64(cell)))
}

func TestWrite_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.npz")
	_, err := Write(path, nil)
	require.NoError(t, err)

	got, err := Read(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWrite_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.npz")
	_, err := Write(path, sampleEvents())
	require.NoError(t, err)
	_, err = Write(path, sampleEvents()[:1])
	require.NoError(t, err)

	got, err := Read(path)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestHeaderAlignment(t *testing.T) {
	for _, n := range []int{0, 1, 9, 10, 999, 123456789} {
		h := header(n)
		assert.Zero(t, len(h)%64, "n=%d", n)
	}
}

func TestRead_RejectsGarbage(t *testing.T) {
	garbage := []byte("not an npy file at all")
	_, err := readArray(bytes.NewReader(garbage), uint64(len(garbage)))
	assert.ErrorIs(t, err, ErrFormat)

	oversized := header(99999999999999)
	_, err = readArray(bytes.NewReader(oversized), uint64(len(oversized)))
	assert.ErrorIs(t, err, ErrFormat)

	truncated := append(header(3), make([]byte, 48)...)
	_, err = readArray(bytes.NewReader(truncated), uint64(len(truncated)))
	assert.ErrorIs(t, err, ErrFormat)

	hugeHeader := []byte("\x93NUMPY\x02\x00\xff\xff\xff\x7f")
	_, err = readArray(bytes.NewReader(hugeHeader), uint64(len(hugeHeader)))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestRead_CorruptShapeInArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.npz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	member, err := zw.CreateHeader(&zip.FileHeader{Name: ArrayName + ".npy", Method: zip.Store})
	require.NoError(t, err)
	_, err = member.Write(header(99999999999999))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = Read(path)
	assert.ErrorIs(t, err, ErrFormat)
}
