package rchannel

import (
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/pdes/pkg/transport/wire"
)

// TCPReporter sends execution-speed measurements to an external controller
// over a persistent TCP connection, framed with pkg/transport/wire. Each
// frame is fixed-size after its Kind byte, so no outer length prefix is
// needed on top of the wire codec.
type TCPReporter struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewTCPReporter dials addr once and reuses the connection for every
// subsequent report.
func NewTCPReporter(addr string) (*TCPReporter, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rchannel: dial controller at %s: %w", addr, err)
	}
	return &TCPReporter{conn: conn}, nil
}

func (r *TCPReporter) ReportSpeed(speed, clock float64, epochCount int) error {
	frame := wire.EncodeEpochReport(wire.EpochReportFrame{
		Speed:      speed,
		Clock:      clock,
		EpochCount: int32(epochCount),
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.conn.Write(frame); err != nil {
		return fmt.Errorf("rchannel: write epoch report: %w", err)
	}
	return nil
}

func (r *TCPReporter) Close() error {
	return r.conn.Close()
}
