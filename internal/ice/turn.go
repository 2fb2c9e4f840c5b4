package ice

import (
	"context"
	"crypto/md5"
	"net"

	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/peer"
	"github.com/doublegate/wraith/internal/stun"
)

// TURN allocation (RFC 5766) for relay candidates. Only the Allocate
// round-trip is implemented: the relayed address becomes a candidate, and
// traffic through it is the TURN server's concern. Servers that demand
// long-term credentials get the 401 challenge/response dance.

// allocateRelay asks a TURN server for a relayed transport address on
// behalf of this base.
func allocateRelay(ctx context.Context, base *Base, server, username, password string) (peer.Endpoint, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return peer.Endpoint{}, errors.Wrapf(err, "resolve %s", server)
	}

	req := stun.New(stun.ClassRequest, stun.MethodAllocate, "")
	req.AddRequestedTransport()

	resp, err := base.roundTrip(ctx, req, raddr)
	if err != nil {
		return peer.Endpoint{}, err
	}

	// Long-term credential challenge: retry with USERNAME/REALM/NONCE and
	// MESSAGE-INTEGRITY keyed by MD5(user:realm:password).
	if resp.Class == stun.ClassErrorResponse && resp.ErrorCode() == stun.ErrorUnauthorized {
		realm := resp.Realm()
		nonce := resp.Nonce()
		if username == "" || realm == "" || nonce == nil {
			return peer.Endpoint{}, errors.Errorf("TURN %s requires credentials", server)
		}
		key := md5.Sum([]byte(username + ":" + realm + ":" + password))

		retry := stun.New(stun.ClassRequest, stun.MethodAllocate, "")
		retry.AddRequestedTransport()
		retry.AddUsername(username)
		retry.AddRealm(realm)
		retry.AddNonce(nonce)
		retry.AddMessageIntegrityKey(key[:])

		if resp, err = base.roundTrip(ctx, retry, raddr); err != nil {
			return peer.Endpoint{}, err
		}
	}

	if resp.Class != stun.ClassSuccessResponse {
		return peer.Endpoint{}, errors.Errorf("TURN allocate failed: %s", resp)
	}
	relayed := resp.RelayedAddress()
	if relayed == nil {
		return peer.Endpoint{}, errors.Errorf("TURN %s returned no relayed address", server)
	}
	return relayed.AddrPort(), nil
}

// roundTrip sends a STUN request from the base and waits for the matching
// response.
func (base *Base) roundTrip(ctx context.Context, req *stun.Message, raddr *net.UDPAddr) (*stun.Message, error) {
	respCh := make(chan *stun.Message, 1)
	err := base.sendStun(req, raddr, func(resp *stun.Message, _ *net.UDPAddr, _ *Base) {
		respCh <- resp
	})
	if err != nil {
		return nil, err
	}
	defer base.forgetTransaction(req.TransactionID)

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
