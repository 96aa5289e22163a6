package ipmi

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"codeberg.org/mutker/ipmictl/internal/errors"
	"codeberg.org/mutker/ipmictl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	number     byte
	owner      byte
	sensorType byte
	format     byte
	baseUnit   byte
	m, b       int
	rExp, bExp int
	name       string
}

func (r testRecord) encode(id uint16) []byte {
	rec := make([]byte, 48+len(r.name))
	binary.LittleEndian.PutUint16(rec, id)
	rec[2] = 0x51
	rec[3] = sdrTypeFullSensor
	rec[4] = byte(len(rec) - sdrHeaderSize)
	rec[5] = r.owner
	rec[7] = r.number
	rec[12] = r.sensorType
	rec[20] = r.format << 6
	rec[21] = r.baseUnit
	m, b := r.m&0x3ff, r.b&0x3ff
	rec[24] = byte(m)
	rec[25] = byte(m>>2) & 0xc0
	rec[26] = byte(b)
	rec[27] = byte(b>>2) & 0xc0
	rec[29] = byte((r.rExp&0x0f)<<4 | r.bExp&0x0f)
	rec[47] = 0xc0 | byte(len(r.name))
	copy(rec[48:], r.name)

	return rec
}

type fakeBMC struct {
	records      [][]byte
	readings     map[byte][]byte
	cancelOnce   bool
	reservations int
	oem          [][]byte
	oemFailure   byte
	fail         error
}

func (f *fakeBMC) exchange(_ context.Context, netfn, cmd byte, data []byte) ([]byte, error) {
	if f.fail != nil {
		return nil, f.fail
	}

	switch {
	case netfn == netFnApp && cmd == cmdGetDeviceID:
		return []byte{0x00, 0x20, 0x01}, nil
	case netfn == netFnStorage && cmd == cmdReserveSDR:
		f.reservations++
		return []byte{0x00, byte(f.reservations), 0x00}, nil
	case netfn == netFnStorage && cmd == cmdGetSDR:
		if f.cancelOnce {
			f.cancelOnce = false
			return []byte{ccReservationCancels}, nil
		}
		id := int(binary.LittleEndian.Uint16(data[2:]))
		offset, count := int(data[4]), int(data[5])
		rec := f.records[id]
		next := uint16(id + 1)
		if id+1 >= len(f.records) {
			next = sdrLastRecord
		}
		resp := []byte{0x00, byte(next), byte(next >> 8)}
		end := min(offset+count, len(rec))
		return append(resp, rec[offset:end]...), nil
	case netfn == netFnSensor && cmd == cmdGetSensorReading:
		if r, ok := f.readings[data[0]]; ok {
			return r, nil
		}
		return []byte{0xcb}, nil
	case netfn == dellNetFn && cmd == dellCmdFanControl:
		f.oem = append(f.oem, append([]byte(nil), data...))
		if f.oemFailure != 0 {
			return []byte{f.oemFailure}, nil
		}
		return []byte{0x00}, nil
	}

	return []byte{0xc1}, nil
}

func (*fakeBMC) close() error {
	return nil
}

func newTestBMC() *fakeBMC {
	return &fakeBMC{
		records: [][]byte{
			testRecord{number: 0x04, owner: 0x20, sensorType: sensorTypeTemperature, baseUnit: unitDegreesC, m: 1, name: "Inlet Temp"}.encode(0),
			testRecord{number: 0x0e, owner: 0x20, sensorType: sensorTypeTemperature, baseUnit: unitDegreesC, m: 2, b: -10, rExp: -1, name: "Temp"}.encode(1),
			testRecord{number: 0x30, owner: 0x20, sensorType: sensorTypeFan, baseUnit: unitRPM, m: 60, name: "Fan1 RPM"}.encode(2),
			testRecord{number: 0x50, owner: 0x2c, sensorType: sensorTypeTemperature, baseUnit: unitDegreesC, m: 1, name: "NIC Temp"}.encode(3),
			testRecord{number: 0x0f, owner: 0x20, sensorType: sensorTypeTemperature, baseUnit: unitDegreesC, m: 1, name: "Temp 2"}.encode(4),
		},
		readings: map[byte][]byte{
			0x04: {0x00, 21, 0xc0, 0x00},
			0x0e: {0x00, 100, 0xc0, 0x08},
			0x30: {0x00, 54, 0xc0, 0x00},
			0x50: {0x00, 70, 0xc0, 0x00},
			0x0f: {0x00, 0, 0xe0, 0x00},
		},
	}
}

func TestParseFullSensorRecord(t *testing.T) {
	raw := testRecord{
		number: 0x0e, owner: 0x20, sensorType: sensorTypeTemperature, format: 2,
		baseUnit: unitDegreesC, m: -3, b: 500, rExp: -2, bExp: 1, name: "CPU1 Temp",
	}.encode(0x0042)

	rec, ok := parseFullSensorRecord(raw)
	require.True(t, ok)
	assert.Equal(t, uint16(0x0042), rec.recordID)
	assert.Equal(t, byte(0x0e), rec.number)
	assert.Equal(t, byte(2), rec.format)
	assert.Equal(t, -3, rec.m)
	assert.Equal(t, 500, rec.b)
	assert.Equal(t, -2, rec.rExp)
	assert.Equal(t, 1, rec.bExp)
	assert.Equal(t, "CPU1 Temp", rec.name)
	assert.Equal(t, "0Eh", rec.id())

	raw[3] = 0x02
	_, ok = parseFullSensorRecord(raw)
	assert.False(t, ok)

	_, ok = parseFullSensorRecord(raw[:20])
	assert.False(t, ok)
}

func TestSensorRecordConvert(t *testing.T) {
	tests := []struct {
		name string
		rec  sensorRecord
		raw  byte
		want float64
	}{
		{"unsigned identity", sensorRecord{m: 1}, 54, 54},
		{"rpm multiplier", sensorRecord{m: 60}, 54, 3240},
		{"offset and exponent", sensorRecord{m: 2, b: -10, rExp: -1}, 100, 19},
		{"b exponent", sensorRecord{m: 1, b: 5, bExp: 1}, 10, 60},
		{"twos complement", sensorRecord{m: 1, format: 2}, 0xf6, -10},
		{"ones complement", sensorRecord{m: 1, format: 1}, 0xfe, -1},
		{"ones complement negative zero", sensorRecord{m: 1, format: 1}, 0xff, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.rec.convert(tt.raw), 1e-9)
		})
	}
}

func TestReadingStatus(t *testing.T) {
	assert.Equal(t, "ok", readingStatus(0x00))
	assert.Equal(t, "nc", readingStatus(0x08))
	assert.Equal(t, "cr", readingStatus(0x10))
	assert.Equal(t, "nr", readingStatus(0x20))
}

func TestInbandReadTemperatureSensors(t *testing.T) {
	bmc := newTestBMC()
	tr := newInband(Options{}, bmc, logger.Nop())

	readings, err := tr.ReadTemperatureSensors(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 2)

	assert.Equal(t, "04h", readings[0].ID)
	assert.Equal(t, "Inlet Temp", readings[0].Name)
	assert.InDelta(t, 21.0, readings[0].Value, 1e-9)
	assert.Equal(t, "degrees C", readings[0].Unit)
	assert.Equal(t, "ok", readings[0].Status)

	assert.InDelta(t, 19.0, readings[1].Value, 1e-9)
	assert.Equal(t, "nc", readings[1].Status)

	// the repository is walked once
	_, err = tr.ReadFanSensors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, bmc.reservations)
}

func TestInbandReadFanSensors(t *testing.T) {
	tr := newInband(Options{}, newTestBMC(), logger.Nop())

	readings, err := tr.ReadFanSensors(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "Fan1 RPM", readings[0].Name)
	assert.InDelta(t, 3240.0, readings[0].Value, 1e-9)
	assert.Equal(t, "RPM", readings[0].Unit)
}

func TestInbandReservationCanceled(t *testing.T) {
	bmc := newTestBMC()
	bmc.cancelOnce = true
	tr := newInband(Options{}, bmc, logger.Nop())

	readings, err := tr.ReadTemperatureSensors(context.Background())
	require.NoError(t, err)
	assert.Len(t, readings, 2)
	assert.Equal(t, 2, bmc.reservations)
}

func TestInbandTransportFailure(t *testing.T) {
	bmc := newTestBMC()
	bmc.fail = fmt.Errorf("device busy")
	tr := newInband(Options{}, bmc, logger.Nop())

	_, err := tr.ReadTemperatureSensors(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsHardware(err))

	err = tr.TestConnection(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsHardware(err))
}

func TestInbandSetFanSpeed(t *testing.T) {
	bmc := newTestBMC()
	tr := newInband(Options{SettleDelay: -1}, bmc, logger.Nop())

	require.NoError(t, tr.TestConnection(context.Background()))
	require.NoError(t, tr.SetFanSpeed(context.Background(), 70))
	require.NoError(t, tr.SetAutomaticMode(context.Background()))

	assert.Equal(t, [][]byte{
		{0x01, 0x00},
		{0x02, 0xff, 0x46},
		{0x01, 0x01},
	}, bmc.oem)

	err := tr.SetFanSpeed(context.Background(), 120)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Len(t, bmc.oem, 3)
}

func TestInbandCompletionCode(t *testing.T) {
	bmc := newTestBMC()
	bmc.oemFailure = 0xd4
	tr := newInband(Options{SettleDelay: -1}, bmc, logger.Nop())

	err := tr.SetManualMode(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsHardware(err))
	assert.Contains(t, err.Error(), "insufficient privilege")
}
