// Package rotation owns the two round-robin cursors that distribute traffic
// across configured API keys and models. The key cursor advances once per
// inbound request; the model cursor only advances when a request exhausts
// every model, so a working model stays preferred across requests.
package rotation

import (
	"errors"
	"sync"
)

var (
	// ErrNoKeys is returned when no API keys are configured.
	ErrNoKeys = errors.New("rotation: no api keys configured")
	// ErrNoModels is returned when no models are configured.
	ErrNoModels = errors.New("rotation: no models configured")
)

// State holds both cursors behind a single mutex. It is created with the
// server and discarded with it; no package-level state exists.
type State struct {
	mu sync.Mutex

	keyCount   int
	modelCount int
	keyIndex   int
	modelIndex int
}

// NewState builds rotation state for fixed key and model list lengths.
// Counts are fixed because configuration is replaced wholesale on restart.
func NewState(keyCount, modelCount int) *State {
	return &State{keyCount: keyCount, modelCount: modelCount}
}

// NextKeyIndex returns the current key index and advances the key cursor.
func (s *State) NextKeyIndex() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keyCount <= 0 {
		return 0, ErrNoKeys
	}
	idx := s.keyIndex
	s.keyIndex = (s.keyIndex + 1) % s.keyCount
	return idx, nil
}

// NextModelIndex returns the current model index and advances the model
// cursor.
func (s *State) NextModelIndex() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modelCount <= 0 {
		return 0, ErrNoModels
	}
	idx := s.modelIndex
	s.modelIndex = (s.modelIndex + 1) % s.modelCount
	return idx, nil
}

// PeekModelIndex returns the model index a new request should start from
// without moving the cursor. A request that succeeds on its first model must
// not perturb where the next request starts.
func (s *State) PeekModelIndex() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modelCount <= 0 {
		return 0, ErrNoModels
	}
	return s.modelIndex, nil
}

// AdvanceModelIndex moves the model cursor forward by one slot. Called only
// after a request has failed against every configured model.
func (s *State) AdvanceModelIndex() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modelCount <= 0 {
		return
	}
	s.modelIndex = (s.modelIndex + 1) % s.modelCount
}

// KeyCount reports the number of configured keys.
func (s *State) KeyCount() int { return s.keyCount }

// ModelCount reports the number of configured models.
func (s *State) ModelCount() int { return s.modelCount }
