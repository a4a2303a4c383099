package serialio

import (
	"io"
	"time"

	"github.com/goburrow/serial"
)

// PortConfig is the UART line configuration for the reader link: fixed
// 115200 8N1 per the reader's hardware contract, not a runtime-tunable
// Modbus slave parameter.
type PortConfig struct {
	Path     string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Timeout  time.Duration
}

// DefaultPortConfig returns the reader link's fixed line settings for
// the given device path.
func DefaultPortConfig(path string) PortConfig {
	return PortConfig{
		Path:     path,
		BaudRate: 115200,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  200 * time.Millisecond,
	}
}

// OpenPort opens the UART handle directly against the reader's bespoke
// frame protocol, the same transport-open call the teacher makes inside
// its Modbus RTU handler, here used without a Modbus ADU/PDU layer on
// top since there are no Modbus registers in this domain.
func OpenPort(cfg PortConfig) (io.ReadWriteCloser, error) {
	return serial.Open(&serial.Config{
		Address:  cfg.Path,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout,
	})
}
