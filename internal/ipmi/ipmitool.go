package ipmi

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/ipmictl/internal/logger"
	"codeberg.org/mutker/ipmictl/internal/sensor"
)

// Runner executes an external command and returns its stdout and stderr.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	return stdout.Bytes(), stderr.Bytes(), err
}

var connectionProbes = []string{
	"chassis status",
	"sensor reading",
	"sdr list",
	"mc info",
}

var (
	temperatureCommands = []string{"sdr type temperature", "sensor list", "sensor reading"}
	fanCommands         = []string{"sensor reading", "sdr type fan"}
)

var diagnosticCommands = []string{
	"chassis status",
	"mc info",
	"sdr type temperature",
	"sdr type fan",
	"raw 0x30 0xf0",
}

type toolTransport struct {
	mu       sync.Mutex
	opts     Options
	baseArgs []string
	run      Runner
	log      logger.Logger
}

// NewIPMITool returns a transport that shells out to ipmitool. A nil runner
// executes the real binary.
func NewIPMITool(opts Options, log logger.Logger, run Runner) Transport {
	opts = opts.withDefaults()
	if run == nil {
		run = execRunner
	}

	return &toolTransport{
		opts:     opts,
		baseArgs: baseArgs(opts),
		run:      run,
		log:      log.With("ipmitool"),
	}
}

func baseArgs(opts Options) []string {
	if IsLocal(opts.Host) {
		return nil
	}

	args := []string{"-I", opts.Interface, "-H", opts.Host, "-p", strconv.Itoa(opts.Port)}
	if opts.Username != "" {
		args = append(args, "-U", opts.Username)
	}
	if opts.Password != "" {
		args = append(args, "-P", opts.Password)
	}

	return args
}

func (*toolTransport) Kind() string {
	return KindIPMITool
}

// exec runs one ipmitool command. Errors never include the base arguments
// so credentials stay out of logs.
func (t *toolTransport) exec(ctx context.Context, args ...string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	full := append(append([]string{}, t.baseArgs...), args...)
	stdout, stderr, err := t.run(ctx, t.opts.ToolPath, full...)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("ipmitool %s: %s", strings.Join(args, " "), msg)
	}

	return strings.TrimSpace(string(stdout)), nil
}

func (t *toolTransport) command(ctx context.Context, command string) (string, error) {
	return t.exec(ctx, strings.Fields(command)...)
}

func (t *toolTransport) TestConnection(ctx context.Context) error {
	var lastErr error
	for _, probe := range connectionProbes {
		out, err := t.command(ctx, probe)
		if err != nil {
			t.log.Debug().Str("command", probe).Err(err).Msg("Connection probe failed")
			lastErr = err
			continue
		}
		if out != "" {
			t.log.Debug().Str("command", probe).Str("host", t.opts.Host).Msg("Connection established")
			return nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no probe returned output from %s", t.opts.Host)
	}

	return hardwareError(msgConnectionFailed, lastErr)
}

func (t *toolTransport) ReadTemperatureSensors(ctx context.Context) ([]sensor.Reading, error) {
	readings, err := t.readSensors(ctx, temperatureCommands, isTemperature, "temp")
	if err != nil {
		return nil, hardwareError(msgReadTemperatures, err)
	}

	return readings, nil
}

func (t *toolTransport) ReadFanSensors(ctx context.Context) ([]sensor.Reading, error) {
	readings, err := t.readSensors(ctx, fanCommands, isFan, "fan")
	if err != nil {
		return nil, hardwareError(msgReadFans, err)
	}

	return readings, nil
}

// readSensors tries each command in turn until one yields matching rows.
// A command that succeeds without matching rows is not an error; only when
// every command fails is the first failure returned.
func (t *toolTransport) readSensors(
	ctx context.Context,
	commands []string,
	match func(row) bool,
	idPrefix string,
) ([]sensor.Reading, error) {
	var firstErr error
	succeeded := false

	for _, command := range commands {
		out, err := t.command(ctx, command)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		succeeded = true

		readings := collect(parseRows(out), match, idPrefix)
		if len(readings) > 0 {
			return readings, nil
		}
		t.log.Debug().Str("command", command).Msg("No matching sensors in output")
	}

	if !succeeded {
		return nil, firstErr
	}

	return []sensor.Reading{}, nil
}

func (t *toolTransport) SetManualMode(ctx context.Context) error {
	if _, err := t.exec(ctx, rawArgs(dellNetFn, dellCmdFanControl, dellManualMode)...); err != nil {
		return hardwareError(msgSetManualMode, err)
	}

	return nil
}

func (t *toolTransport) SetAutomaticMode(ctx context.Context) error {
	if _, err := t.exec(ctx, rawArgs(dellNetFn, dellCmdFanControl, dellAutomaticMode)...); err != nil {
		return hardwareError(msgSetAutomaticMode, err)
	}

	return nil
}

func (t *toolTransport) SetFanSpeed(ctx context.Context, percentage int) error {
	if err := ValidateFanSpeed(percentage); err != nil {
		return err
	}

	if err := t.SetManualMode(ctx); err != nil {
		return err
	}

	if _, err := t.exec(ctx, rawArgs(dellNetFn, dellCmdFanControl, dellFanSpeed(percentage))...); err != nil {
		return hardwareError(msgSetFanSpeed, err)
	}

	return settle(ctx, t.opts.SettleDelay)
}

func (t *toolTransport) Diagnose(ctx context.Context) []Diagnostic {
	results := make([]Diagnostic, 0, len(diagnosticCommands))
	for _, command := range diagnosticCommands {
		out, err := t.command(ctx, command)
		results = append(results, Diagnostic{Command: command, Output: out, Err: err})
	}

	return results
}

func (*toolTransport) Close() error {
	return nil
}

// settle gives the BMC time to apply a fan command
func settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// row is one sensor line of ipmitool output, regardless of the command
// that produced it.
type row struct {
	name   string
	id     string
	status string
	value  float64
	unit   string
}

var (
	sdrIDPattern   = regexp.MustCompile(`^[0-9A-Fa-f]+h$`)
	readingPattern = regexp.MustCompile(`^(-?[\d.]+)\s*(.*)$`)
	colonPattern   = regexp.MustCompile(`(?i)^(.*?)\s*:\s*(-?[\d.]+)\s*([CF])\b`)
)

// parseRows understands three layouts:
//
//	sdr type:     Inlet Temp | 04h | ok | 7.1 | 19 degrees C
//	sensor list:  Inlet Temp | 19.000 | degrees C | ok | na | ...
//	key/value:    Inlet Temp : 19 C
func parseRows(out string) []row {
	var rows []row

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !strings.Contains(line, "|") {
			if r, ok := parseColonRow(line); ok {
				rows = append(rows, r)
			}
			continue
		}

		cols := strings.Split(line, "|")
		for i := range cols {
			cols[i] = strings.TrimSpace(cols[i])
		}

		switch {
		case len(cols) >= 5 && sdrIDPattern.MatchString(cols[1]):
			m := readingPattern.FindStringSubmatch(cols[4])
			if m == nil {
				continue
			}
			value, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			rows = append(rows, row{name: cols[0], id: cols[1], status: cols[2], value: value, unit: m[2]})
		case len(cols) >= 4:
			value, err := strconv.ParseFloat(cols[1], 64)
			if err != nil {
				continue
			}
			rows = append(rows, row{name: cols[0], status: cols[3], value: value, unit: cols[2]})
		case len(cols) >= 3:
			// sensor reading prints name | value, some firmwares add the unit
			m := readingPattern.FindStringSubmatch(cols[len(cols)-1])
			if m == nil {
				continue
			}
			value, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			rows = append(rows, row{name: cols[0], status: "ok", value: value, unit: m[2]})
		}
	}

	return rows
}

func parseColonRow(line string) (row, bool) {
	lower := strings.ToLower(line)
	if !strings.Contains(lower, "temp") && !strings.Contains(lower, "ambient") {
		return row{}, false
	}

	m := colonPattern.FindStringSubmatch(line)
	if m == nil {
		return row{}, false
	}
	value, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return row{}, false
	}

	return row{name: m[1], status: "ok", value: value, unit: "degrees " + strings.ToUpper(m[3])}, true
}

func isTemperature(r row) bool {
	return strings.HasPrefix(strings.ToLower(r.unit), "degrees")
}

func isFan(r row) bool {
	unit := strings.ToLower(r.unit)
	if unit == "rpm" {
		return true
	}

	return strings.Contains(strings.ToLower(r.name), "fan") && (unit == "percent" || unit == "%")
}

func collect(rows []row, match func(row) bool, idPrefix string) []sensor.Reading {
	readings := []sensor.Reading{}
	for _, r := range rows {
		if !match(r) {
			continue
		}

		id := r.id
		if id == "" {
			id = fmt.Sprintf("%s%d", idPrefix, len(readings)+1)
		}

		readings = append(readings, sensor.Reading{
			ID:     id,
			Name:   r.name,
			Value:  r.value,
			Unit:   r.unit,
			Status: r.status,
		})
	}

	return readings
}
