// Package hardware implements HardwareFacade (spec §4.10, component
// C10): the polymorphic WFC actuator-command path over a real
// serial-port transport. Generalises the teacher's serialmux
// abstraction (SerialPorter interface, PortOptions, go.bug.st/serial)
// from a single radar command stream to per-WFC actuator writes.
package hardware

import (
	"fmt"
	"math"
	"strings"

	"go.bug.st/serial"

	"github.com/foam-ao/core/internal/aoerr"
	"github.com/foam-ao/core/internal/wfs"
)

// Port is the minimal serial-port contract, mirroring the teacher's
// SerialPorter, reduced to Write and Close, so tests can substitute a fake
// without a real device attached.
type Port interface {
	Write(p []byte) (int, error)
	Close() error
}

// PortOptions mirrors serialmux.PortOptions: the connection
// parameters used to open a real serial port, normalised with
// defaults and validated before use.
type PortOptions struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

// Normalize validates the options and applies defaults for any unset fields.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("hardware: invalid data bits %d", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	parity := strings.ToUpper(strings.TrimSpace(opts.Parity))
	if parity == "" {
		parity = "N"
	}
	switch parity {
	case "N", "E", "O":
	default:
		return opts, fmt.Errorf("hardware: unsupported parity %q", opts.Parity)
	}
	opts.Parity = parity
	return opts, nil
}

// SerialMode converts PortOptions into go.bug.st/serial's Mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	m := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	switch opts.StopBits {
	case 2:
		m.StopBits = serial.TwoStopBits
	default:
		m.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		m.Parity = serial.EvenParity
	case "O":
		m.Parity = serial.OddParity
	default:
		m.Parity = serial.NoParity
	}
	return m, nil
}

// OpenSerial opens a real serial port at path with the given options,
// matching the teacher's real-device path in serialmux/factory.go.
func OpenSerial(path string, opts PortOptions) (serial.Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, aoerr.HardwareFailuref("hardware", "open %s: %w", path, err)
	}
	return p, nil
}

// TipTiltDriver maps ctrl in [-1, 1] to the DAC's two-channel voltage
// range (spec §4.10: "centre ≈ 0V, full scale ±10V").
type TipTiltDriver struct {
	Port    Port
	FullScale float64 // volts, default 10
}

// DMDriver maps ctrl in [-1, 1] to the deformable mirror's quadratic-
// response voltage (spec §4.10): V = round(sqrt(Vmax^2 * (c+1)/2)).
type DMDriver struct {
	Port Port
	VMax float64
}

// Apply dispatches on the WFC's kind to the matching driver's Apply.
// HardwareFacade.Apply is the single polymorphic entry point the loop
// package depends on (spec §4.10, §9 "small capability set").
type Facade struct {
	TipTilt *TipTiltDriver
	DM      *DMDriver
}

func (f *Facade) Apply(w *wfs.WFC) error {
	switch w.Kind {
	case wfs.TipTilt:
		if f.TipTilt == nil {
			return aoerr.HardwareFailuref("hardware", "no tiptilt driver wired for %s", w.ID)
		}
		return f.TipTilt.Apply(w)
	case wfs.DeformableMirror:
		if f.DM == nil {
			return aoerr.HardwareFailuref("hardware", "no dm driver wired for %s", w.ID)
		}
		return f.DM.Apply(w)
	default:
		return aoerr.ConfigInvalidf("hardware", "unknown wfc kind for %s", w.ID)
	}
}

func (t *TipTiltDriver) fullScale() float64 {
	if t.FullScale <= 0 {
		return 10
	}
	return t.FullScale
}

// Apply writes a two-channel voltage command derived from w.Ctrl[0:2].
func (t *TipTiltDriver) Apply(w *wfs.WFC) error {
	fs := t.fullScale()
	var vx, vy float64
	if len(w.Ctrl) > 0 {
		vx = w.Ctrl[0] * fs
	}
	if len(w.Ctrl) > 1 {
		vy = w.Ctrl[1] * fs
	}
	cmd := fmt.Sprintf("TT %.4f %.4f\n", vx, vy)
	if _, err := t.Port.Write([]byte(cmd)); err != nil {
		return aoerr.HardwareFailuref("hardware", "tiptilt write: %w", err)
	}
	return nil
}

func (d *DMDriver) vmax() float64 {
	if d.VMax <= 0 {
		return 200
	}
	return d.VMax
}

// Apply writes one quadratic-response voltage command per actuator.
func (d *DMDriver) Apply(w *wfs.WFC) error {
	vmax := d.vmax()
	var b strings.Builder
	b.WriteString("DM")
	for _, c := range w.Ctrl {
		v := quadraticVoltage(c, vmax)
		fmt.Fprintf(&b, " %d", v)
	}
	b.WriteString("\n")
	if _, err := d.Port.Write([]byte(b.String())); err != nil {
		return aoerr.HardwareFailuref("hardware", "dm write: %w", err)
	}
	return nil
}

// quadraticVoltage implements the deformable mirror's response curve
// (spec §4.10): V = round(sqrt(Vmax^2 * (c+1)/2)), c in [-1, 1].
func quadraticVoltage(c, vmax float64) int {
	if c < -1 {
		c = -1
	}
	if c > 1 {
		c = 1
	}
	v := math.Sqrt(vmax * vmax * (c + 1) / 2)
	return int(math.Round(v))
}

// Restart reinitialises a device by closing and reporting the need to
// reopen (spec §4.10: "restart() reinitialises the device"); the
// concrete reopen sequence is owned by the Supervisor, which alone
// knows the device path and PortOptions.
func Restart(p Port) error {
	if p == nil {
		return nil
	}
	if err := p.Close(); err != nil {
		return aoerr.HardwareFailuref("hardware", "restart close: %w", err)
	}
	return nil
}
