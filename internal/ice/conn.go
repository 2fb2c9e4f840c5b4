package ice

import (
	"io"
	"math"
	"net"
	"time"

	"github.com/pkg/errors"
)

// A ChannelConn adapts the selected candidate pair to net.Conn: reads come
// from the base's demultiplexed data channel, writes go straight to the
// remote address.
type ChannelConn struct {
	conn   *net.UDPConn
	in     <-chan []byte
	raddr  net.Addr
	rtimer *time.Timer
}

func newChannelConn(base *Base, in <-chan []byte, raddr net.Addr) *ChannelConn {
	return &ChannelConn{
		conn:   base.conn,
		in:     in,
		raddr:  raddr,
		rtimer: time.NewTimer(math.MaxInt64),
	}
}

// Read returns the next data packet. Short destination buffers truncate.
func (c *ChannelConn) Read(b []byte) (int, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, io.EOF
		}
		if len(data) > len(b) {
			log.Warn("Read truncated by short buffer (%d > %d)", len(data), len(b))
		}
		return copy(b, data), nil

	case <-c.rtimer.C:
		return 0, errors.New("read timeout")
	}
}

func (c *ChannelConn) Write(b []byte) (int, error) {
	return c.conn.WriteTo(b, c.raddr)
}

func (c *ChannelConn) Close() error {
	return nil // the agent owns the socket
}

func (c *ChannelConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *ChannelConn) RemoteAddr() net.Addr {
	return c.raddr
}

func (c *ChannelConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *ChannelConn) SetReadDeadline(t time.Time) error {
	if !c.rtimer.Stop() {
		select {
		case <-c.rtimer.C:
		default:
		}
	}
	if !t.IsZero() {
		c.rtimer.Reset(time.Until(t))
	}
	return nil
}

func (c *ChannelConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
