package link

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/ziutek/telnet"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Config selects and addresses the transport to one device.
type Config struct {
	Kind       string `yaml:"kind" json:"kind"` // "tcp", "telnet" or "serial"
	Host       string `yaml:"host" json:"host"`
	Port       int    `yaml:"port" json:"port"`
	SerialPath string `yaml:"serial_path" json:"serialPath"`
	BaudRate   int    `yaml:"baud_rate" json:"baudRate"`
	DialMs     int    `yaml:"dial_ms" json:"dialMs"`
}

// Address is the human label for the device endpoint.
func (c Config) Address() string {
	if c.Kind == "serial" {
		return c.SerialPath
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Open dials the configured transport and returns a ready Port.
func Open(cfg Config) (Port, error) {
	dial := time.Duration(cfg.DialMs) * time.Millisecond
	if dial <= 0 {
		dial = 5 * time.Second
	}

	switch cfg.Kind {
	case "", "tcp":
		conn, err := net.DialTimeout("tcp", cfg.Address(), dial)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, cfg.Address(), err)
		}
		log.Printf("[link] connected to %s (tcp)", cfg.Address())
		return NewConnPort(conn), nil

	case "telnet":
		conn, err := telnet.DialTimeout("tcp", cfg.Address(), dial)
		if err != nil {
			return nil, fmt.Errorf("%w: telnet %s: %w", ErrTransport, cfg.Address(), err)
		}
		log.Printf("[link] connected to %s (telnet)", cfg.Address())
		return NewConnPort(conn), nil

	case "serial":
		baud := cfg.BaudRate
		if baud == 0 {
			baud = 9600
		}
		mode := &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(cfg.SerialPath, mode)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", ErrTransport, cfg.SerialPath, err)
		}
		log.Printf("[link] opened %s at %d baud", cfg.SerialPath, baud)
		return port, nil

	default:
		return nil, fmt.Errorf("link: unknown kind %q", cfg.Kind)
	}
}

// PortInfo describes a local serial adapter.
type PortInfo struct {
	Name         string
	USB          bool
	VID, PID     string
	SerialNumber string
}

// ListSerialPorts enumerates local serial adapters for the -list-ports flag.
func ListSerialPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		out = append(out, PortInfo{
			Name:         p.Name,
			USB:          p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
		})
	}
	return out, nil
}
