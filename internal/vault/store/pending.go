package store

import (
	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
)

// PendingGetFunc receives the outcome of a background download.
type PendingGetFunc func(result *PendingGetResult)

// PendingGetResult is the outcome of downloading a set of keys.
type PendingGetResult struct {
	KeysRequested []item.Key
	KeysFound     []item.Key
	Err           error
}

// HasKeysFound reports whether the download returned any item.
func (r *PendingGetResult) HasKeysFound() bool {
	return r.Err == nil && len(r.KeysFound) > 0
}

// KeysNotFound returns the requested keys whose item id the download did not
// return.
func (r *PendingGetResult) KeysNotFound() []item.Key {
	if len(r.KeysFound) == 0 {
		return r.KeysRequested
	}
	found := r.foundIDs()
	var missing []item.Key
	for _, k := range r.KeysRequested {
		if !found[k.ID] {
			missing = append(missing, k)
		}
	}
	return missing
}

// EnsureSuccess returns the download error, if any.
func (r *PendingGetResult) EnsureSuccess() error {
	return r.Err
}

func (r *PendingGetResult) foundIDs() map[string]bool {
	found := make(map[string]bool, len(r.KeysFound))
	for _, k := range r.KeysFound {
		found[k.ID] = true
	}
	return found
}
