package changes

import (
	"context"
	"errors"

	"github.com/Mschirtzinger/vaultsync/internal/vault/remote"
)

// Policy classifies commit errors. It holds no state beyond its settings,
// so a Manager's policy can be swapped or tested on its own.
type Policy struct {
	// MaxAttemptsPerChange caps retries of one change. Zero means unlimited.
	MaxAttemptsPerChange int

	// Connectivity decides whether a transport error means the device is
	// offline. Nil is treated as always online.
	Connectivity remote.Connectivity
}

// IsHalting reports whether err should abort the whole drain, leaving every
// remaining change queued: a server outage, revoked access, a client
// programming error, or a transport failure while offline.
func (p *Policy) IsHalting(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if remote.IsFault(err, remote.FaultServerError, remote.FaultAccessDenied) {
		return true
	}
	if errors.Is(err, remote.ErrClient) {
		return true
	}
	return IsTransportError(err) && !p.online(ctx)
}

// ShouldRetry reports whether change should stay queued after err.
func (p *Policy) ShouldRetry(change *Change, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, remote.ErrValidation) || errors.Is(err, remote.ErrSerialization) {
		return false
	}
	if !IsTransportError(err) {
		return false
	}
	if p.MaxAttemptsPerChange > 0 && change.Attempt >= p.MaxAttemptsPerChange {
		return false
	}
	return true
}

// ShouldCreateNewItemForConflict reports whether a failed update should be
// committed as a new item instead.
func (p *Policy) ShouldCreateNewItemForConflict(err error) bool {
	return IsItemKeyNotFound(err)
}

func (p *Policy) online(ctx context.Context) bool {
	if p.Connectivity == nil {
		return true
	}
	return p.Connectivity.IsOnline(ctx)
}

// IsItemKeyNotFound reports whether the service could not find the item at
// the presented key. The service also reports an invalid payload for some
// missing keys.
func IsItemKeyNotFound(err error) bool {
	return remote.IsFault(err, remote.FaultNotFound, remote.FaultVersionMismatch, remote.FaultInvalidPayload)
}

// IsTransportError reports whether err is a transport failure worth retrying.
// Canceled requests and oversized messages are not.
func IsTransportError(err error) bool {
	te, ok := remote.AsTransport(err)
	if !ok {
		return false
	}
	switch te.Kind {
	case remote.TransportCanceled, remote.TransportMessageTooLarge:
		return false
	}
	return true
}
