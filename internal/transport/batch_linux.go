//go:build linux

package transport

import (
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"

	"github.com/doublegate/wraith/internal/peer"
)

// A BatchReader drains multiple datagrams per syscall via recvmmsg from a
// UDPTransport's socket; the AF_XDP back-end has its own batching.
type BatchReader struct {
	t  *UDPTransport
	pc *ipv4.PacketConn
}

// A BatchResult describes one received datagram within a batch.
type BatchResult struct {
	N    int
	From peer.Endpoint
}

func NewBatchReader(t *UDPTransport) (*BatchReader, error) {
	return &BatchReader{t: t, pc: ipv4.NewPacketConn(t.conn)}, nil
}

// RecvBatch fills up to len(bufs) buffers and returns one result per
// received datagram. Blocks until at least one datagram arrives.
func (r *BatchReader) RecvBatch(bufs [][]byte) ([]BatchResult, error) {
	msgs := make([]ipv4.Message, len(bufs))
	for i := range bufs {
		msgs[i].Buffers = [][]byte{bufs[i]}
	}

	n, err := r.pc.ReadBatch(msgs, 0)
	if err != nil {
		if r.t.closed.Load() {
			return nil, ErrClosed
		}
		r.t.recvErrors.Add(1)
		return nil, errors.Wrap(err, "recvmmsg")
	}

	results := make([]BatchResult, n)
	for i := 0; i < n; i++ {
		results[i] = BatchResult{
			N:    msgs[i].N,
			From: peer.EndpointFromAddr(msgs[i].Addr),
		}
		r.t.packetsReceived.Add(1)
		r.t.bytesReceived.Add(uint64(msgs[i].N))
	}
	return results, nil
}
