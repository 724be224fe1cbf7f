// Package plc implements the single, thread-safe Modbus/TCP connection to
// the packaging machine: register/coil I/O, the address map, and the
// mutex-protected start/stop/discharge command sequences every stage
// controller drives a hopper through.
package plc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"calibration/pkg/apperror"
	"calibration/pkg/config"
	"calibration/pkg/logger"
)

// Transport is the single logical Modbus/TCP connection to the PLC. All
// operations acquire mu; callers may assume atomicity per call but not
// across calls — multi-step sequences live in bucketcontrol.go, which
// holds its own sequence lock across its steps explicitly.
type Transport struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
	cfg     config.PLCConfig
	connected bool
}

// New creates a Transport bound to the given PLC configuration. It does
// not connect; call Connect explicitly.
func New(cfg config.PLCConfig) *Transport {
	return &Transport{cfg: cfg}
}

// Connect opens the TCP connection and performs a vendor-compatibility
// read of register 0 to confirm the device answers Modbus requests before
// any stage controller relies on it.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port))
	handler.Timeout = t.cfg.RequestTimeout
	handler.SlaveId = t.cfg.UnitID

	if err := handler.Connect(); err != nil {
		return apperror.Wrap(err, apperror.CodeNotConnected, "failed to connect to PLC").
			WithDetails("host", t.cfg.Host).WithDetails("port", t.cfg.Port)
	}

	client := modbus.NewClient(handler)
	if _, err := client.ReadHoldingRegisters(0, 1); err != nil {
		_ = handler.Close()
		return apperror.Wrap(err, apperror.CodeProtocol, "PLC did not answer compatibility probe")
	}

	t.handler = handler
	t.client = client
	t.connected = true
	logger.Log.Info("plc transport connected", "host", t.cfg.Host, "port", t.cfg.Port, "unit_id", t.cfg.UnitID)
	return nil
}

// Disconnect closes the TCP connection.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}
	t.connected = false
	if t.handler == nil {
		return nil
	}
	return t.handler.Close()
}

// Healthy reports whether the transport believes it holds a live
// connection, for the control server's /healthz probe.
func (t *Transport) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) requireConnected() error {
	if !t.connected {
		return apperror.New(apperror.CodeNotConnected, "PLC transport is not connected")
	}
	return nil
}

// classify maps a raw Modbus client error to an application error kind.
// goburrow/modbus returns *modbus.ModbusError for device exceptions and a
// plain error for transport-level failures (closed conn, timeout, etc).
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*modbus.ModbusError); ok {
		return apperror.Wrap(err, apperror.CodeDeviceError, "PLC reported a device error during "+op)
	}
	return apperror.Wrap(err, apperror.CodeTransport, "transport error during "+op)
}

// ReadHoldingRegisters reads count 16-bit registers starting at addr.
func (t *Transport) ReadHoldingRegisters(addr, count uint16) ([]uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireConnected(); err != nil {
		return nil, err
	}

	raw, err := t.client.ReadHoldingRegisters(addr, count)
	if err != nil {
		return nil, classify(err, "read-holding-registers")
	}
	return decodeRegisters(raw), nil
}

// ReadHoldingRegister is a convenience wrapper for the common single-
// register read, decoding the two's-complement signed value.
func (t *Transport) ReadHoldingRegister(addr uint16) (int16, error) {
	regs, err := t.ReadHoldingRegisters(addr, 1)
	if err != nil {
		return 0, err
	}
	return int16(regs[0]), nil
}

// WriteHoldingRegister writes a single 16-bit register.
func (t *Transport) WriteHoldingRegister(addr uint16, value uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireConnected(); err != nil {
		return err
	}

	if _, err := t.client.WriteSingleRegister(addr, value); err != nil {
		return classify(err, "write-holding-register")
	}
	return nil
}

// WriteMultipleRegisters writes a contiguous block of registers starting
// at addr.
func (t *Transport) WriteMultipleRegisters(addr uint16, values []uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireConnected(); err != nil {
		return err
	}

	payload := encodeRegisters(values)
	if _, err := t.client.WriteMultipleRegisters(addr, uint16(len(values)), payload); err != nil {
		return classify(err, "write-multiple-registers")
	}
	return nil
}

// ReadCoils reads count coils starting at addr.
func (t *Transport) ReadCoils(addr, count uint16) ([]bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireConnected(); err != nil {
		return nil, err
	}

	raw, err := t.client.ReadCoils(addr, count)
	if err != nil {
		return nil, classify(err, "read-coils")
	}
	return decodeCoils(raw, count), nil
}

// ReadCoil reads a single coil.
func (t *Transport) ReadCoil(addr uint16) (bool, error) {
	bits, err := t.ReadCoils(addr, 1)
	if err != nil {
		return false, err
	}
	return bits[0], nil
}

// WriteCoil writes a single coil.
func (t *Transport) WriteCoil(addr uint16, value bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireConnected(); err != nil {
		return err
	}

	var v uint16
	if value {
		v = 0xFF00
	}
	if _, err := t.client.WriteSingleCoil(addr, v); err != nil {
		return classify(err, "write-coil")
	}
	return nil
}

// WriteMultipleCoils writes a contiguous block of coils starting at addr.
func (t *Transport) WriteMultipleCoils(addr uint16, values []bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireConnected(); err != nil {
		return err
	}

	payload := encodeCoils(values)
	if _, err := t.client.WriteMultipleCoils(addr, uint16(len(values)), payload); err != nil {
		return classify(err, "write-multiple-coils")
	}
	return nil
}

// ToDisplayWeight converts a raw two's-complement 16-bit register reading
// to a display weight using the configured unit factor (store = display
// × unit factor). Testable property #7: for any raw 16-bit value r, the
// reported weight equals (r if r ≤ 32767 else r − 65536) / unit factor.
func (t *Transport) ToDisplayWeight(raw int16) float64 {
	return float64(raw) / float64(t.cfg.UnitFactor)
}

// ToStoreValue converts a display value to the register value to write,
// applying the configured unit factor.
func (t *Transport) ToStoreValue(display float64) uint16 {
	return uint16(int16(display * float64(t.cfg.UnitFactor)))
}

func decodeRegisters(raw []byte) []uint16 {
	out := make([]uint16, len(raw)/2)
	for i := range out {
		out[i] = uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
	}
	return out
}

func encodeRegisters(values []uint16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		out[2*i] = byte(v >> 8)
		out[2*i+1] = byte(v)
	}
	return out
}

func decodeCoils(raw []byte, count uint16) []bool {
	out := make([]bool, count)
	for i := range out {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if byteIdx >= len(raw) {
			break
		}
		out[i] = raw[byteIdx]&(1<<bitIdx) != 0
	}
	return out
}

func encodeCoils(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// connectTimeout is exposed for callers constructing a context deadline
// around Connect.
func (t *Transport) connectTimeout() time.Duration {
	if t.cfg.ConnectTimeout <= 0 {
		return 5 * time.Second
	}
	return t.cfg.ConnectTimeout
}
