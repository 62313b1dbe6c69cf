package bridge

import (
	"context"
	"fmt"
	"io"
	"strconv"

	serial "github.com/allbin/go-serial"

	"github.com/aretw0/portino/pkg/domain"
)

// DetectedPort describes one port the backend can currently see.
type DetectedPort struct {
	Key          domain.PortKey
	Path         string
	Description  string
	VendorID     string
	ProductID    string
	SerialNumber string
}

// Backend opens and enumerates physical ports for one protocol. The bridge
// owns backends; consumers never touch them directly.
type Backend interface {
	Protocol() string
	OpenPort(ctx context.Context, address string, baudrate int, options map[string]string) (io.ReadWriteCloser, error)
	ListPorts(ctx context.Context) ([]DetectedPort, error)
}

// SerialBackend speaks to local serial devices.
type SerialBackend struct{}

func (SerialBackend) Protocol() string { return "serial" }

func (SerialBackend) OpenPort(ctx context.Context, address string, baudrate int, options map[string]string) (io.ReadWriteCloser, error) {
	opts := make([]serial.Option, 0, 4)
	if baudrate > 0 {
		opts = append(opts, serial.WithBaudRate(baudrate))
	}
	if v, ok := options["dataBits"]; ok {
		bits, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid dataBits %q: %w", v, err)
		}
		opts = append(opts, serial.WithDataBits(bits))
	}
	if v, ok := options["stopBits"]; ok {
		bits, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid stopBits %q: %w", v, err)
		}
		opts = append(opts, serial.WithStopBits(bits))
	}
	if v, ok := options["parity"]; ok {
		parity, err := parseParity(v)
		if err != nil {
			return nil, err
		}
		opts = append(opts, serial.WithParity(parity))
	}
	if v, ok := options["flowControl"]; ok {
		fc, err := parseFlowControl(v)
		if err != nil {
			return nil, err
		}
		opts = append(opts, serial.WithFlowControl(fc))
	}

	port, err := serial.Open(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", address, err)
	}
	return port, nil
}

func (SerialBackend) ListPorts(ctx context.Context) ([]DetectedPort, error) {
	paths, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	detected := make([]DetectedPort, 0, len(paths))
	for _, path := range paths {
		d := DetectedPort{Key: domain.NewPortKey("serial", path), Path: path}
		if info, err := serial.GetPortInfo(path); err == nil {
			d.Description = info.Description
			d.VendorID = info.VendorID
			d.ProductID = info.ProductID
			d.SerialNumber = info.SerialNumber
		}
		detected = append(detected, d)
	}
	return detected, nil
}

func parseParity(v string) (serial.Parity, error) {
	switch v {
	case "none", "":
		return serial.ParityNone, nil
	case "odd":
		return serial.ParityOdd, nil
	case "even":
		return serial.ParityEven, nil
	case "mark":
		return serial.ParityMark, nil
	default:
		return serial.ParityNone, fmt.Errorf("invalid parity %q", v)
	}
}

func parseFlowControl(v string) (serial.FlowControl, error) {
	switch v {
	case "none", "":
		return serial.FlowControlNone, nil
	case "cts":
		return serial.FlowControlCTS, nil
	case "rtscts":
		return serial.FlowControlRTSCTS, nil
	default:
		return serial.FlowControlNone, fmt.Errorf("invalid flowControl %q", v)
	}
}
