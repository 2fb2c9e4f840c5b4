package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/identity"
	"github.com/doublegate/wraith/internal/peer"
)

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrSessionNotFound = errors.New("session not found")
	ErrPeerMismatch    = errors.Wrap(ErrHandshakeFailed, "remote identity does not match expected peer")
)

const (
	// Buffered frames per stream; once a stream's queue is full the reader
	// drops further frames for it.
	streamQueueDepth = 128

	handshakeTimeout = 10 * time.Second

	maxFrameSize = 64 * 1024
)

// A Session is one established secure channel to a peer, multiplexing the
// control, transfer, and media streams.
type Session struct {
	id     [32]byte
	peerID peer.ID

	send *cipherState
	recv *cipherState

	conn net.Conn

	establishedAt time.Time
	lastActivity  atomic.Int64 // unix nanos

	streams   [3]chan []byte
	closeOnce sync.Once
	dead      chan struct{}
	closedErr atomic.Value // error

	// onClose, set by the registry, removes the session from it.
	onClose func(*Session)

	// initiatedLocally records which side ran the initiator role, for the
	// duplicate-collapse rule.
	initiatedLocally bool
}

// Handshake runs the Noise XX exchange over conn. The initiator must pass
// the expected remote peer ID; a responder passes the zero ID to accept any
// authenticated peer (first-contact binding is the caller's policy).
func Handshake(ctx context.Context, conn net.Conn, id *identity.Identity, expected peer.ID, initiator bool) (*Session, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(handshakeTimeout))
	}
	defer conn.SetDeadline(time.Time{})

	hs, err := newHandshakeState(id, initiator)
	if err != nil {
		return nil, err
	}

	var remote peer.ID
	if initiator {
		if err := writeFrame(conn, &wireFrame{kind: frameHandshake1, body: hs.writeMessage1()}); err != nil {
			return nil, errors.Wrap(ErrHandshakeFailed, err.Error())
		}
		msg2, err := readHandshakeFrame(conn, frameHandshake2)
		if err != nil {
			return nil, err
		}
		remote, err = hs.readMessage2(msg2)
		if err != nil {
			return nil, err
		}
		if !expected.IsZero() && remote != expected {
			return nil, ErrPeerMismatch
		}
		msg3, err := hs.writeMessage3()
		if err != nil {
			return nil, err
		}
		if err := writeFrame(conn, &wireFrame{kind: frameHandshake3, body: msg3}); err != nil {
			return nil, errors.Wrap(ErrHandshakeFailed, err.Error())
		}
	} else {
		msg1, err := readHandshakeFrame(conn, frameHandshake1)
		if err != nil {
			return nil, err
		}
		if err := hs.readMessage1(msg1); err != nil {
			return nil, err
		}
		msg2, err := hs.writeMessage2()
		if err != nil {
			return nil, err
		}
		if err := writeFrame(conn, &wireFrame{kind: frameHandshake2, body: msg2}); err != nil {
			return nil, errors.Wrap(ErrHandshakeFailed, err.Error())
		}
		msg3, err := readHandshakeFrame(conn, frameHandshake3)
		if err != nil {
			return nil, err
		}
		remote, err = hs.readMessage3(msg3)
		if err != nil {
			return nil, err
		}
		if !expected.IsZero() && remote != expected {
			return nil, ErrPeerMismatch
		}
	}

	ki, kr := hs.ss.split()
	s := &Session{
		id:               hs.ss.h, // transcript hash: identical on both sides
		peerID:           remote,
		conn:             conn,
		establishedAt:    time.Now(),
		dead:             make(chan struct{}),
		initiatedLocally: initiator,
	}
	if initiator {
		s.send, s.recv = newCipherState(ki), newCipherState(kr)
	} else {
		s.send, s.recv = newCipherState(kr), newCipherState(ki)
	}
	for i := range s.streams {
		s.streams[i] = make(chan []byte, streamQueueDepth)
	}
	s.touch()

	go s.readLoop()
	log.Info("Session %x established with %s", s.id[:4], remote.Short())
	return s, nil
}

func writeFrame(conn net.Conn, f *wireFrame) error {
	_, err := conn.Write(f.encode())
	return err
}

func readHandshakeFrame(conn net.Conn, want frameKind) ([]byte, error) {
	buf := make([]byte, maxFrameSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, errors.Wrap(ErrHandshakeFailed, err.Error())
		}
		f, err := decodeWireFrame(buf[:n])
		if err != nil {
			continue // not a session frame (stray punch marker etc)
		}
		if f.kind != want {
			continue
		}
		return f.body, nil
	}
}

// ID returns the 32-byte session handle.
func (s *Session) ID() [32]byte { return s.id }

// PeerID returns the authenticated remote peer.
func (s *Session) PeerID() peer.ID { return s.peerID }

// RemoteAddr exposes the transport address of the peer.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// EstablishedAt returns when the handshake completed.
func (s *Session) EstablishedAt() time.Time { return s.establishedAt }

// LastActivity returns the time of the last send or authenticated receive.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Send encrypts payload and transmits it on the given stream.
func (s *Session) Send(stream Stream, payload []byte) error {
	select {
	case <-s.dead:
		return s.closeError()
	default:
	}

	f := &wireFrame{kind: frameData, sessionID: s.id, stream: stream}
	nonce, gen, ct, err := s.send.seal(payload, func(n, g uint64) []byte {
		f.nonce, f.generation = n, g
		return f.header()
	})
	if err != nil {
		return err
	}
	f.nonce, f.generation = nonce, gen
	f.body = ct
	if _, err := s.conn.Write(f.encode()); err != nil {
		return errors.Wrap(err, "session send")
	}
	s.touch()
	return nil
}

// Recv returns the next payload on the given stream. Frames within one
// stream are delivered in order; streams are independent.
func (s *Session) Recv(ctx context.Context, stream Stream) ([]byte, error) {
	select {
	case data := <-s.streams[stream]:
		return data, nil
	default:
	}
	select {
	case data := <-s.streams[stream]:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.dead:
		return nil, s.closeError()
	}
}

func (s *Session) readLoop() {
	buf := make([]byte, maxFrameSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			s.teardown(errors.Wrap(ErrSessionClosed, err.Error()), false)
			return
		}
		f, err := decodeWireFrame(buf[:n])
		if err != nil {
			log.Debug("Dropping non-session datagram: %v", err)
			continue
		}

		switch f.kind {
		case frameData, frameClose:
			if f.sessionID != s.id {
				log.Debug("Frame for unknown session %x", f.sessionID[:4])
				continue
			}
			pt, err := s.recv.open(f.nonce, f.generation, f.body, f.header())
			if err != nil {
				// Any authentication failure terminates the session:
				// unauthenticated bytes never reach the layers above.
				log.Warn("Session %x: authentication failure: %v", s.id[:4], err)
				s.teardown(errors.Wrap(ErrSessionClosed, "authentication failure"), false)
				return
			}
			s.touch()
			if f.kind == frameClose {
				s.teardown(ErrSessionClosed, false)
				return
			}
			if int(f.stream) >= len(s.streams) {
				log.Debug("Unknown stream tag %d", f.stream)
				continue
			}
			select {
			case s.streams[f.stream] <- pt:
			default:
				log.Warn("Session %x: %s stream backlogged, dropping frame",
					s.id[:4], f.stream)
			}

		case frameHandshake1, frameHandshake2, frameHandshake3:
			// Late handshake retransmit; the session is already up.
		}
	}
}

// Close performs a graceful close: an authenticated close frame, then
// teardown of both directions.
func (s *Session) Close() error {
	s.teardown(ErrSessionClosed, true)
	return nil
}

func (s *Session) teardown(cause error, sendClose bool) {
	s.closeOnce.Do(func() {
		s.closedErr.Store(cause)
		if sendClose {
			f := &wireFrame{kind: frameClose, sessionID: s.id}
			if nonce, gen, ct, err := s.send.seal(nil, func(n, g uint64) []byte {
				f.nonce, f.generation = n, g
				return f.header()
			}); err == nil {
				f.nonce, f.generation = nonce, gen
				f.body = ct
				s.conn.Write(f.encode())
			}
		}
		close(s.dead)
		s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

func (s *Session) closeError() error {
	if err, ok := s.closedErr.Load().(error); ok {
		return err
	}
	return ErrSessionClosed
}

// Done is closed when the session dies.
func (s *Session) Done() <-chan struct{} {
	return s.dead
}
