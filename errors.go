package wraith

import (
	"github.com/doublegate/wraith/internal/discovery"
	"github.com/doublegate/wraith/internal/ice"
	"github.com/doublegate/wraith/internal/media"
	"github.com/doublegate/wraith/internal/nat"
	"github.com/doublegate/wraith/internal/relay"
	"github.com/doublegate/wraith/internal/session"
	"github.com/doublegate/wraith/internal/transfer"
	"github.com/doublegate/wraith/internal/transport/xdp"
)

// The error kinds of the core, re-exported so callers can branch with
// errors.Is without importing internal packages.
var (
	ErrInvalidConfiguration = xdp.ErrInvalidConfig
	ErrRingBufferFull       = xdp.ErrRingFull
	ErrRingBufferEmpty      = xdp.ErrRingEmpty

	ErrStunFailed = nat.ErrNoStunResponse

	ErrIceTimeout       = ice.ErrTimeout
	ErrInvalidCandidate = ice.ErrInvalidCandidate
	ErrAllChecksFailed  = ice.ErrAllChecksFailed
	ErrNatTraversal     = discovery.ErrNatTraversal
	ErrRelayUnreachable = relay.ErrUnreachable

	ErrHandshakeFailed = session.ErrHandshakeFailed
	ErrSessionClosed   = session.ErrSessionClosed
	ErrSessionNotFound = session.ErrSessionNotFound

	ErrTransferIntegrity = transfer.ErrIntegrity
	ErrTransferCancelled = transfer.ErrCancelled

	ErrCodec                      = media.ErrCodec
	ErrDecodingWaitingForKeyframe = media.ErrWaitingForKeyframe
)
