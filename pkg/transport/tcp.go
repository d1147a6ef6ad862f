package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"sync"

	"github.com/cuemby/pdes/pkg/log"
	"github.com/rs/zerolog"
)

// TCPCommunicator is a real inter-process Communicator over plain TCP.
// Each ordered (source, destination) pair gets one long-lived connection,
// dialed lazily and reused, which gives the FIFO-per-pair guarantee
// spec.md §6 requires without extra sequencing state.
//
// Framing: each message on the wire is a uint32 little-endian length
// followed by that many payload bytes (the payload itself is produced by
// pkg/transport/wire's codec, but TCPCommunicator doesn't need to know its
// contents). Connection lifecycle (net.Listen, graceful shutdown) follows
// the same shape as this module's other long-lived listeners, adapted
// from gRPC framing to a direct TCP length-prefix since the kernel has no
// use for gRPC's RPC semantics here.
type TCPCommunicator struct {
	rank  int
	addrs []string

	logger    zerolog.Logger
	listener  net.Listener
	inbox     chan Message
	stopCh    chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	conns map[int]*outConn
}

type outConn struct {
	conn net.Conn
	mu   sync.Mutex
}

// NewTCPCommunicator listens on addrs[rank] and is ready to dial the rest
// of addrs on first Send.
func NewTCPCommunicator(rank int, addrs []string) (*TCPCommunicator, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, errUnknownRank(rank, len(addrs))
	}
	ln, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", addrs[rank], err)
	}
	c := &TCPCommunicator{
		rank:     rank,
		addrs:    append([]string(nil), addrs...),
		logger:   log.WithComponent("transport"),
		listener: ln,
		inbox:    make(chan Message, 1024),
		stopCh:   make(chan struct{}),
		conns:    make(map[int]*outConn),
	}
	go c.acceptLoop()
	return c, nil
}

func (c *TCPCommunicator) Rank() int     { return c.rank }
func (c *TCPCommunicator) NumRanks() int { return len(c.addrs) }

// Healthy reports whether this communicator's listener is still accepting
// connections.
func (c *TCPCommunicator) Healthy() (bool, string) {
	select {
	case <-c.stopCh:
		return false, "communicator closed"
	default:
		return true, fmt.Sprintf("rank %d of %d listening on %s", c.rank, len(c.addrs), c.addrs[c.rank])
	}
}

func (c *TCPCommunicator) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
				c.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go c.handleInbound(conn)
	}
}

// handleInbound reads the dialer's one-time rank handshake, then forwards
// every subsequent framed payload into the inbox tagged with that source.
func (c *TCPCommunicator) handleInbound(conn net.Conn) {
	var rankBuf [4]byte
	if _, err := io.ReadFull(conn, rankBuf[:]); err != nil {
		c.logger.Warn().Err(err).Msg("handshake read failed")
		conn.Close()
		return
	}
	source := int(binary.LittleEndian.Uint32(rankBuf[:]))

	for {
		payload, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				c.logger.Warn().Err(err).Int("source", source).Msg("connection read failed")
			}
			conn.Close()
			return
		}
		select {
		case c.inbox <- Message{Source: source, Payload: payload}:
		case <-c.stopCh:
			conn.Close()
			return
		}
	}
}

func (c *TCPCommunicator) dial(destRank int) (*outConn, error) {
	c.mu.Lock()
	if oc, ok := c.conns[destRank]; ok {
		c.mu.Unlock()
		return oc, nil
	}
	c.mu.Unlock()

	conn, err := net.Dial("tcp", c.addrs[destRank])
	if err != nil {
		return nil, fmt.Errorf("transport: dial rank %d at %s: %w", destRank, c.addrs[destRank], err)
	}
	var rankBuf [4]byte
	binary.LittleEndian.PutUint32(rankBuf[:], uint32(c.rank))
	if _, err := conn.Write(rankBuf[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: handshake to rank %d: %w", destRank, err)
	}

	oc := &outConn{conn: conn}
	c.mu.Lock()
	if existing, ok := c.conns[destRank]; ok {
		c.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	c.conns[destRank] = oc
	c.mu.Unlock()
	return oc, nil
}

func (c *TCPCommunicator) Send(destRank int, payload []byte) error {
	if destRank < 0 || destRank >= len(c.addrs) {
		return errUnknownRank(destRank, len(c.addrs))
	}
	select {
	case <-c.stopCh:
		return ErrClosed
	default:
	}
	oc, err := c.dial(destRank)
	if err != nil {
		return err
	}
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return writeFrame(oc.conn, payload)
}

func (c *TCPCommunicator) Poll() (Message, bool) {
	select {
	case m := <-c.inbox:
		return m, true
	default:
		return Message{}, false
	}
}

func (c *TCPCommunicator) Broadcast(payload []byte) error {
	for i := range c.addrs {
		if i == c.rank {
			continue
		}
		if err := c.Send(i, payload); err != nil {
			return err
		}
	}
	return nil
}

// AllReduceMin centralizes the reduction at rank 0: every other rank sends
// its value and blocks on the broadcast result; rank 0 collects, computes
// the minimum, and broadcasts it back. Unlike Poll, this is an intentional
// blocking collective, matching spec.md's all-reduce contract.
func (c *TCPCommunicator) AllReduceMin(local float64) (float64, error) {
	const reduceKind = byte(0xAA)
	numRanks := len(c.addrs)

	if c.rank != 0 {
		if err := c.Send(0, append([]byte{reduceKind}, encodeFloat64(local)...)); err != nil {
			return 0, err
		}
		payload, err := c.blockingRecv(0)
		if err != nil {
			return 0, err
		}
		return decodeFloat64(payload), nil
	}

	min := local
	received := 0
	for received < numRanks-1 {
		msg, err := c.blockingRecvAny()
		if err != nil {
			return 0, err
		}
		if len(msg.Payload) == 0 || msg.Payload[0] != reduceKind {
			continue
		}
		v := decodeFloat64(msg.Payload[1:])
		if v < min {
			min = v
		}
		received++
	}
	result := encodeFloat64(min)
	for i := 1; i < numRanks; i++ {
		if err := c.Send(i, result); err != nil {
			return 0, err
		}
	}
	return min, nil
}

func (c *TCPCommunicator) blockingRecv(from int) ([]byte, error) {
	for {
		msg, err := c.blockingRecvAny()
		if err != nil {
			return nil, err
		}
		if msg.Source == from {
			return msg.Payload, nil
		}
	}
}

func (c *TCPCommunicator) blockingRecvAny() (Message, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.stopCh:
		return Message{}, ErrClosed
	}
}

func (c *TCPCommunicator) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.listener.Close()
		c.mu.Lock()
		for _, oc := range c.conns {
			oc.conn.Close()
		}
		c.mu.Unlock()
	})
	return nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write frame payload: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("transport: read frame payload: %w", err)
	}
	return buf, nil
}

func encodeFloat64(v float64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	return buf[:]
}

func decodeFloat64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}
