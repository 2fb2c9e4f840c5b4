//go:build !linux

package transport

import (
	"github.com/doublegate/wraith/internal/peer"
)

// BatchReader falls back to single-datagram reads where recvmmsg is not
// available.
type BatchReader struct {
	t *UDPTransport
}

type BatchResult struct {
	N    int
	From peer.Endpoint
}

func NewBatchReader(t *UDPTransport) (*BatchReader, error) {
	return &BatchReader{t: t}, nil
}

func (r *BatchReader) RecvBatch(bufs [][]byte) ([]BatchResult, error) {
	if len(bufs) == 0 {
		return nil, nil
	}
	n, from, err := r.t.RecvFrom(bufs[0])
	if err != nil {
		return nil, err
	}
	return []BatchResult{{N: n, From: from}}, nil
}
