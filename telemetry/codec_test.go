package telemetry

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireHex(t testing.TB, expect string, b []byte) {
	t.Helper()
	require.Equal(t, expect, hex.EncodeToString(b))
}

func TestEncodeSingleReading(t *testing.T) {
	t.Parallel()
	r := Reading{Temp: 2500, CO2: 400}
	r.Set(FlagTemp)
	r.Set(FlagCO2)
	b := &Batch{Interval: 5, Readings: []Reading{r}}

	require.Equal(t, 14, b.TotalSize())
	encoded, err := b.Encode()
	require.NoError(t, err)
	requireHex(t, "20050500000000000000c4099001", encoded)
}

func TestEncodeSharedMask(t *testing.T) {
	t.Parallel()
	b := &Batch{Interval: 10}
	for _, co2 := range []uint16{400, 410, 420} {
		r := Reading{CO2: co2}
		r.Set(FlagCO2)
		require.NoError(t, b.Add(r))
	}

	require.Equal(t, 16, b.TotalSize())
	encoded, err := b.Encode()
	require.NoError(t, err)
	requireHex(t, "200a040000000000000090019a01a401", encoded)
}

func TestEncodeDistinctMasks(t *testing.T) {
	t.Parallel()
	r1 := Reading{Temp: 2500}
	r1.Set(FlagTemp)
	r2 := Reading{CO2: 400}
	r2.Set(FlagCO2)
	b := &Batch{Interval: 5, Readings: []Reading{r1, r2}}

	_, shared := b.SharedMask()
	assert.False(t, shared)
	require.Equal(t, 22, b.TotalSize())
	encoded, err := b.Encode()
	require.NoError(t, err)
	requireHex(t, "00050100000000000000c40904000000000000009001", encoded)
}

func TestEncodeErrors(t *testing.T) {
	t.Parallel()

	empty := &Batch{Interval: 1}
	_, err := empty.Encode()
	assert.Equal(t, ErrEmptyBatch, err)

	zeros := &Batch{Interval: 1, Readings: []Reading{{}, {}}}
	_, err = zeros.Encode()
	assert.Equal(t, ErrAllMasksZero, err)

	r := Reading{CO2: 400}
	r.Set(FlagCO2)
	small := &Batch{Interval: 1, Readings: []Reading{r}}
	dst := make([]byte, small.TotalSize()-1)
	_, err = small.EncodeTo(dst)
	assert.Equal(t, ErrBufferTooSmall, err)
	// destination untouched on size failure
	for _, x := range dst {
		assert.Zero(t, x)
	}
}

func TestBatchFull(t *testing.T) {
	t.Parallel()
	b := &Batch{Interval: 1}
	r := Reading{CO2: 1}
	r.Set(FlagCO2)
	for i := 0; i < MaxBatchReadings; i++ {
		require.NoError(t, b.Add(r))
	}
	assert.Equal(t, ErrBatchFull, b.Add(r))
}

func TestSizeDeterminism(t *testing.T) {
	t.Parallel()
	// a reading with every defined field
	full := Reading{}
	for f := Flag(0); f < flagCount; f++ {
		full.Set(f)
	}
	// 25 uint16 fields + 4 uint32 + 1 int8
	require.Equal(t, 25*2+4*4+1, SensorDataSize(full.Mask))

	cases := []struct {
		name  string
		batch Batch
	}{
		{"single-full", Batch{Interval: 5, Readings: []Reading{full}}},
		{"mixed", Batch{Interval: 5, Readings: []Reading{full, {Mask: 1 << FlagSignal}, {Mask: 1<<FlagTemp | 1<<FlagO3WE}}}},
		{"shared", Batch{Interval: 5, Readings: []Reading{full, full, full}}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			encoded, err := c.batch.Encode()
			require.NoError(t, err)
			assert.Equal(t, c.batch.TotalSize(), len(encoded))
		})
	}
}

func TestRoundtrip(t *testing.T) {
	t.Parallel()
	r1 := Reading{
		Temp: -125, Hum: 4550, CO2: 612, TVOC: 88, TVOCRaw: 30000,
		NOx: 1, NOxRaw: 16500, PM01: 12, PM25: [2]uint16{34, 36}, PM10: 51,
		PM01SP: 11, PM25SP: [2]uint16{33, 35}, PM10SP: 50,
		PM03Pc: [2]uint16{1200, 1250}, PM05Pc: 800, PM01Pc: 420, PM25Pc: 96,
		PM5Pc: 14, PM10Pc: 5, VBat: 3910, VPanel: 5020,
		O3WE: 412000, O3AE: 399000, NO2WE: 287000, NO2AE: 301000,
		AFETemp: 251, Signal: -87,
	}
	for f := Flag(0); f < flagCount; f++ {
		r1.Set(f)
	}
	r2 := Reading{CO2: 405, Signal: -90}
	r2.Set(FlagCO2)
	r2.Set(FlagSignal)

	cases := []struct {
		name  string
		batch Batch
	}{
		{"distinct", Batch{Interval: 15, Readings: []Reading{r1, r2}}},
		{"shared", Batch{Interval: 5, Readings: []Reading{r1, r1}}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			encoded, err := c.batch.Encode()
			require.NoError(t, err)
			decoded, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, c.batch.Interval, decoded.Interval)
			require.Equal(t, len(c.batch.Readings), len(decoded.Readings))
			for i := range c.batch.Readings {
				assert.Equal(t, c.batch.Readings[i], decoded.Readings[i], "reading %d", i)
			}
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		input  string
		expect error
	}{
		{"short-header", "20", ErrTruncated},
		{"bad-version", "0105", ErrVersion},
		{"unknown-bit", "000500000000400000009001", ErrUnknownFlag},
		{"short-mask", "20050500000000", ErrTruncated},
		{"short-data", "20050500000000000000c409", ErrTruncated},
		{"shared-zero-mask", "20050000000000000000", ErrAllMasksZero},
		{"no-readings", "0005", ErrEmptyBatch},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b, err := hex.DecodeString(c.input)
			require.NoError(t, err)
			_, derr := Decode(b)
			assert.Equal(t, c.expect, derr)
		})
	}
}
