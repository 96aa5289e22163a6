package ipmi

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	goerrors "errors"
	"fmt"
	"sync"

	"codeberg.org/mutker/ipmictl/internal/logger"
	"codeberg.org/mutker/ipmictl/internal/sensor"
)

// messenger exchanges one request with the BMC. The response starts with
// the completion code.
type messenger interface {
	exchange(ctx context.Context, netfn, cmd byte, data []byte) ([]byte, error)
	close() error
}

type inbandTransport struct {
	mu      sync.Mutex
	opts    Options
	m       messenger
	log     logger.Logger
	records []sensorRecord
}

// OpenOpenIPMI opens the OpenIPMI character device and returns an in-band
// transport. Only the local BMC is reachable this way.
func OpenOpenIPMI(opts Options, log logger.Logger) (Transport, error) {
	opts = opts.withDefaults()

	m, err := openDevice(opts.Device, opts.Timeout)
	if err != nil {
		return nil, hardwareError(msgOpenDevice, fmt.Errorf("%s: %w", opts.Device, err))
	}

	return newInband(opts, m, log), nil
}

func newInband(opts Options, m messenger, log logger.Logger) *inbandTransport {
	return &inbandTransport{
		opts: opts.withDefaults(),
		m:    m,
		log:  log.With("openipmi"),
	}
}

func (*inbandTransport) Kind() string {
	return KindOpenIPMI
}

// request sends a command and strips a successful completion code
func (t *inbandTransport) request(ctx context.Context, netfn, cmd byte, data ...byte) ([]byte, error) {
	resp, err := t.m.exchange(ctx, netfn, cmd, data)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("netfn 0x%02x cmd 0x%02x: empty response", netfn, cmd)
	}
	if resp[0] != 0 {
		return nil, &completionError{netfn: netfn, cmd: cmd, code: resp[0]}
	}

	return resp[1:], nil
}

func (t *inbandTransport) TestConnection(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.request(ctx, netFnApp, cmdGetDeviceID); err != nil {
		return hardwareError(msgConnectionFailed, err)
	}

	return nil
}

func (t *inbandTransport) ReadTemperatureSensors(ctx context.Context) ([]sensor.Reading, error) {
	readings, err := t.readSensors(ctx, sensorTypeTemperature)
	if err != nil {
		return nil, hardwareError(msgReadTemperatures, err)
	}

	return readings, nil
}

func (t *inbandTransport) ReadFanSensors(ctx context.Context) ([]sensor.Reading, error) {
	readings, err := t.readSensors(ctx, sensorTypeFan)
	if err != nil {
		return nil, hardwareError(msgReadFans, err)
	}

	return readings, nil
}

func (t *inbandTransport) readSensors(ctx context.Context, sensorType byte) ([]sensor.Reading, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.records == nil {
		records, err := t.walkSDR(ctx)
		if err != nil {
			return nil, err
		}
		t.records = records
		t.log.Debug().Int("records", len(records)).Msg("Loaded sensor data records")
	}

	readings := []sensor.Reading{}
	for _, rec := range t.records {
		if rec.sensorType != sensorType {
			continue
		}
		// sensors behind satellite controllers need bridging
		if rec.owner != bmcSlaveAddress || rec.lun != 0 {
			continue
		}

		resp, err := t.request(ctx, netFnSensor, cmdGetSensorReading, rec.number)
		if err != nil {
			var cc *completionError
			if goerrors.As(err, &cc) {
				t.log.Debug().Str("sensor", rec.name).Err(err).Msg("Skipping sensor")
				continue
			}
			return nil, err
		}
		if len(resp) < 2 || resp[1]&0x20 != 0 {
			continue
		}

		value := rec.convert(resp[0])
		if rec.baseUnit == unitDegreesF {
			value = (value - 32) * 5 / 9
		}

		status := "ok"
		if len(resp) > 2 {
			status = readingStatus(resp[2])
		}

		readings = append(readings, sensor.Reading{
			ID:     rec.id(),
			Name:   rec.name,
			Value:  value,
			Unit:   rec.unit(),
			Status: status,
		})
	}

	return readings, nil
}

// walkSDR reads every record of the SDR repository and keeps the full
// sensor records.
func (t *inbandTransport) walkSDR(ctx context.Context) ([]sensorRecord, error) {
	reservation, err := t.reserve(ctx)
	if err != nil {
		return nil, err
	}

	var records []sensorRecord
	id := uint16(0)
	for id != sdrLastRecord {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			next uint16
			raw  []byte
		)
		for attempt := 0; ; attempt++ {
			next, raw, err = t.readRecord(ctx, reservation, id)
			if err == nil {
				break
			}
			var cc *completionError
			if attempt < 3 && goerrors.As(err, &cc) && cc.code == ccReservationCancels {
				if reservation, err = t.reserve(ctx); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("read SDR record 0x%04x: %w", id, err)
		}

		if rec, ok := parseFullSensorRecord(raw); ok {
			records = append(records, rec)
		}
		if next == id {
			break
		}
		id = next
	}

	return records, nil
}

func (t *inbandTransport) reserve(ctx context.Context) (uint16, error) {
	resp, err := t.request(ctx, netFnStorage, cmdReserveSDR)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("short reservation response: %d bytes", len(resp))
	}

	return binary.LittleEndian.Uint16(resp), nil
}

// readRecord fetches the header then the body in small chunks, since many
// BMCs cannot return a whole record at once.
func (t *inbandTransport) readRecord(ctx context.Context, reservation, id uint16) (uint16, []byte, error) {
	next, header, err := t.getSDR(ctx, reservation, id, 0, sdrHeaderSize)
	if err != nil {
		return 0, nil, err
	}
	if len(header) < sdrHeaderSize {
		return 0, nil, fmt.Errorf("short SDR header: %d bytes", len(header))
	}

	length := int(header[4])
	record := append(make([]byte, 0, sdrHeaderSize+length), header...)
	for offset := 0; offset < length; offset += sdrChunkSize {
		n := min(sdrChunkSize, length-offset)
		_, chunk, err := t.getSDR(ctx, reservation, id, byte(sdrHeaderSize+offset), byte(n))
		if err != nil {
			return 0, nil, err
		}
		record = append(record, chunk...)
	}

	return next, record, nil
}

func (t *inbandTransport) getSDR(ctx context.Context, reservation, id uint16, offset, count byte) (uint16, []byte, error) {
	req := make([]byte, 6)
	binary.LittleEndian.PutUint16(req[0:], reservation)
	binary.LittleEndian.PutUint16(req[2:], id)
	req[4] = offset
	req[5] = count

	resp, err := t.request(ctx, netFnStorage, cmdGetSDR, req...)
	if err != nil {
		return 0, nil, err
	}
	if len(resp) < 2 {
		return 0, nil, fmt.Errorf("short SDR response: %d bytes", len(resp))
	}

	return binary.LittleEndian.Uint16(resp), resp[2:], nil
}

func (t *inbandTransport) oem(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.request(ctx, dellNetFn, dellCmdFanControl, data...)

	return err
}

func (t *inbandTransport) SetManualMode(ctx context.Context) error {
	if err := t.oem(ctx, dellManualMode); err != nil {
		return hardwareError(msgSetManualMode, err)
	}

	return nil
}

func (t *inbandTransport) SetAutomaticMode(ctx context.Context) error {
	if err := t.oem(ctx, dellAutomaticMode); err != nil {
		return hardwareError(msgSetAutomaticMode, err)
	}

	return nil
}

func (t *inbandTransport) SetFanSpeed(ctx context.Context, percentage int) error {
	if err := ValidateFanSpeed(percentage); err != nil {
		return err
	}

	if err := t.SetManualMode(ctx); err != nil {
		return err
	}

	if err := t.oem(ctx, dellFanSpeed(percentage)); err != nil {
		return hardwareError(msgSetFanSpeed, err)
	}

	return settle(ctx, t.opts.SettleDelay)
}

func (t *inbandTransport) Diagnose(ctx context.Context) []Diagnostic {
	probes := []struct {
		name       string
		netfn, cmd byte
	}{
		{"get device id", netFnApp, cmdGetDeviceID},
		{"get chassis status", netFnChassis, cmdGetChassisStatus},
		{"dell oem version", dellNetFn, 0xf0},
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	results := make([]Diagnostic, 0, len(probes))
	for _, p := range probes {
		resp, err := t.request(ctx, p.netfn, p.cmd)
		results = append(results, Diagnostic{Command: p.name, Output: hex.EncodeToString(resp), Err: err})
	}

	return results
}

func (t *inbandTransport) Close() error {
	return t.m.close()
}
