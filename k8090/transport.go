package k8090

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Transport is the byte channel between the engine and a card. The engine
// owns it exclusively once opened.
type Transport interface {
	// Read reads available bytes, waiting at most until deadline. It
	// returns ErrReadTimeout when nothing arrived in time.
	Read(p []byte, deadline time.Time) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// SerialTransport is a Transport over the card's USB virtual serial port.
type SerialTransport struct {
	pname  string
	serial serial.Port
}

// PortInfo describes a serial port bound to a K8090.
type PortInfo struct {
	Name         string `json:"name"`
	SerialNumber string `json:"serial_number"`
	Product      string `json:"product"`
}

// Discover lists the serial ports whose USB identifiers are the K8090's.
func Discover() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	var found []PortInfo
	for _, p := range ports {
		if !p.IsUSB || !strings.EqualFold(p.VID, VendorID) || !strings.EqualFold(p.PID, ProductID) {
			continue
		}
		found = append(found, PortInfo{
			Name:         p.Name,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	return found, nil
}

// OpenSerial opens the named port with the settings mandated by the card.
func OpenSerial(port string) (*SerialTransport, error) {
	t := &SerialTransport{
		pname: port,
	}

	var err error
	t.serial, err = serial.Open(port, &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", port, err)
	}

	if err = t.serial.ResetInputBuffer(); err != nil {
		t.serial.Close()
		return nil, fmt.Errorf("open %s: %w", port, err)
	}

	if err = t.serial.ResetOutputBuffer(); err != nil {
		t.serial.Close()
		return nil, fmt.Errorf("open %s: %w", port, err)
	}

	return t, nil
}

// Port returns the name of the serial port.
func (t *SerialTransport) Port() string {
	return t.pname
}

func (t *SerialTransport) Read(p []byte, deadline time.Time) (int, error) {
	timeout := time.Until(deadline)
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	if err := t.serial.SetReadTimeout(timeout); err != nil {
		return 0, err
	}

	n, err := t.serial.Read(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, ErrReadTimeout
	}
	return n, nil
}

func (t *SerialTransport) Write(p []byte) (int, error) {
	n, err := t.serial.Write(p)
	if err != nil {
		return n, err
	}
	if n != len(p) {
		return n, fmt.Errorf("short write: %d of %d", n, len(p))
	}
	return n, t.serial.Drain()
}

func (t *SerialTransport) Close() error {
	if err := t.serial.ResetOutputBuffer(); err != nil {
		t.serial.Close()
		return err
	}

	return t.serial.Close()
}
