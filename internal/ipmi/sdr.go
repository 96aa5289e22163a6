package ipmi

import (
	"encoding/binary"
	"fmt"
	"math"
)

// IPMI network functions and commands used in-band
const (
	netFnChassis = 0x00
	netFnSensor  = 0x04
	netFnApp     = 0x06
	netFnStorage = 0x0a

	cmdGetChassisStatus  = 0x01
	cmdGetDeviceID       = 0x01
	cmdGetSensorReading  = 0x2d
	cmdReserveSDR        = 0x22
	cmdGetSDR            = 0x23
	ccReservationCancels = 0xc5
)

const (
	sdrTypeFullSensor = 0x01

	sensorTypeTemperature = 0x01
	sensorTypeFan         = 0x04

	unitDegreesC = 0x01
	unitDegreesF = 0x02
	unitRPM      = 0x12

	bmcSlaveAddress = 0x20

	sdrHeaderSize = 5
	sdrChunkSize  = 16
	sdrLastRecord = 0xffff
)

// sensorRecord is the part of a Full Sensor Record needed to read and
// convert a sensor.
type sensorRecord struct {
	recordID   uint16
	owner      byte
	lun        byte
	number     byte
	sensorType byte
	format     byte // analog data format, units 1 bits 7:6
	baseUnit   byte
	m, b       int
	bExp, rExp int
	name       string
}

// parseFullSensorRecord decodes a type 0x01 record including its 5 byte
// header. Records of other types return ok=false.
func parseFullSensorRecord(rec []byte) (sensorRecord, bool) {
	if len(rec) < 48 || rec[3] != sdrTypeFullSensor {
		return sensorRecord{}, false
	}

	s := sensorRecord{
		recordID:   binary.LittleEndian.Uint16(rec[0:2]),
		owner:      rec[5],
		lun:        rec[6] & 0x03,
		number:     rec[7],
		sensorType: rec[12],
		format:     rec[20] >> 6,
		baseUnit:   rec[21],
		m:          signExtend(int(rec[24])|int(rec[25]&0xc0)<<2, 10),
		b:          signExtend(int(rec[26])|int(rec[27]&0xc0)<<2, 10),
		rExp:       signExtend(int(rec[29]>>4), 4),
		bExp:       signExtend(int(rec[29]&0x0f), 4),
	}

	n := int(rec[47] & 0x1f)
	if end := 48 + n; end <= len(rec) {
		s.name = string(rec[48:end])
	} else {
		s.name = string(rec[48:])
	}
	if s.name == "" {
		s.name = fmt.Sprintf("Sensor %02Xh", s.number)
	}

	return s, true
}

func signExtend(v, bits int) int {
	if v&(1<<(bits-1)) != 0 {
		return v - 1<<bits
	}

	return v
}

// convert applies the linear conversion y = (M*x + B*10^Bexp) * 10^Rexp
func (s sensorRecord) convert(raw byte) float64 {
	var x float64
	switch s.format {
	case 1: // ones' complement
		v := int8(raw)
		if v < 0 {
			v++
		}
		x = float64(v)
	case 2: // twos' complement
		x = float64(int8(raw))
	default:
		x = float64(raw)
	}

	return (float64(s.m)*x + float64(s.b)*math.Pow10(s.bExp)) * math.Pow10(s.rExp)
}

func (s sensorRecord) unit() string {
	switch s.baseUnit {
	case unitDegreesC, unitDegreesF:
		return "degrees C"
	case unitRPM:
		return "RPM"
	default:
		return ""
	}
}

func (s sensorRecord) id() string {
	return fmt.Sprintf("%02Xh", s.number)
}

// readingStatus maps threshold comparison bits to ipmitool's status words
func readingStatus(state byte) string {
	switch {
	case state&0x24 != 0:
		return "nr"
	case state&0x12 != 0:
		return "cr"
	case state&0x09 != 0:
		return "nc"
	default:
		return "ok"
	}
}
