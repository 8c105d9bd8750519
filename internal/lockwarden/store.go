package lockwarden

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

type StoreOptions struct {
	Backend StateBackend
	Logger  *log.Logger
}

// Store owns the process-wide LockSet. Every accessor copies in or out under
// the lock, so callers never hold a reference that a concurrent save can see
// half-mutated.
type Store struct {
	mu      sync.RWMutex
	saveMu  sync.Mutex
	locks   *LockSet
	backend StateBackend
	logger  *log.Logger
}

func NewStore(opts StoreOptions) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		locks:   NewLockSet(),
		backend: opts.Backend,
		logger:  logger,
	}
}

// Load replaces the in-memory LockSet with the persisted one. A missing or
// corrupt document leaves an empty LockSet in place and returns a
// *PersistenceWarning, which callers log and otherwise ignore.
func (s *Store) Load() error {
	if s.backend == nil {
		return nil
	}
	snapshot, err := s.backend.Load()
	if err != nil {
		s.mu.Lock()
		s.locks = NewLockSet()
		s.mu.Unlock()
		warning := &PersistenceWarning{Source: describeBackend(s.backend), Err: err}
		s.logger.Warn("could not load locks, using defaults", "source", warning.Source, "err", err)
		return warning
	}
	if snapshot == nil {
		snapshot = NewLockSet()
	}
	snapshot.normalize()
	s.mu.Lock()
	s.locks = snapshot
	s.mu.Unlock()
	return nil
}

// Save writes the whole document. Failures are logged, never returned.
func (s *Store) Save() {
	if s.backend == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	snapshot := s.Snapshot()
	if err := s.backend.Save(snapshot); err != nil {
		s.logger.Error("failed saving locks", "backend", describeBackend(s.backend), "err", err)
	}
}

func (s *Store) RunPeriodicSave(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Save()
			return
		case <-ticker.C:
			s.Save()
		}
	}
}

func (s *Store) Snapshot() *LockSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locks.Clone()
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(stateBackendCloser); ok && closer != nil {
		return closer.Close()
	}
	return nil
}

func (s *Store) GroupName(threadID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.locks.GroupNames[threadID]
	return name, ok
}

func (s *Store) SetGroupName(threadID, name string) {
	s.mu.Lock()
	s.locks.GroupNames[threadID] = name
	s.mu.Unlock()
	s.Save()
}

func (s *Store) DeleteGroupName(threadID string) {
	s.mu.Lock()
	delete(s.locks.GroupNames, threadID)
	s.mu.Unlock()
	s.Save()
}

func (s *Store) Nickname(threadID, memberID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.locks.Nicknames[threadID]
	if !ok {
		return "", false
	}
	nickname, ok := members[memberID]
	return nickname, ok
}

func (s *Store) Nicknames(threadID string) (map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.locks.Nicknames[threadID]
	if !ok {
		return nil, false
	}
	return copyStringMap(members), true
}

// SetNicknames overwrites the whole per-member map for a conversation.
func (s *Store) SetNicknames(threadID string, members map[string]string) {
	s.mu.Lock()
	s.locks.Nicknames[threadID] = copyStringMap(members)
	s.mu.Unlock()
	s.Save()
}

func (s *Store) DeleteNicknames(threadID string) {
	s.mu.Lock()
	delete(s.locks.Nicknames, threadID)
	s.mu.Unlock()
	s.Save()
}

func (s *Store) GroupPic(threadID string) (GroupPic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pic, ok := s.locks.GroupPics[threadID]
	return pic, ok
}

func (s *Store) SetGroupPic(threadID string, pic GroupPic) {
	s.mu.Lock()
	s.locks.GroupPics[threadID] = pic
	s.mu.Unlock()
	s.Save()
}

func (s *Store) DeleteGroupPic(threadID string) {
	s.mu.Lock()
	delete(s.locks.GroupPics, threadID)
	s.mu.Unlock()
	s.Save()
}

type ConversationStatus struct {
	ThreadID      string `json:"threadId"`
	TitleLocked   bool   `json:"titleLocked"`
	Title         string `json:"title,omitempty"`
	LockedMembers int    `json:"lockedMembers"`
	PhotoLocked   bool   `json:"photoLocked"`
}

func (s *Store) Conversations() []ConversationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := map[string]*ConversationStatus{}
	entry := func(threadID string) *ConversationStatus {
		status, ok := byID[threadID]
		if !ok {
			status = &ConversationStatus{ThreadID: threadID}
			byID[threadID] = status
		}
		return status
	}
	for threadID, name := range s.locks.GroupNames {
		status := entry(threadID)
		status.TitleLocked = true
		status.Title = name
	}
	for threadID, members := range s.locks.Nicknames {
		entry(threadID).LockedMembers = len(members)
	}
	for threadID := range s.locks.GroupPics {
		entry(threadID).PhotoLocked = true
	}
	out := make([]ConversationStatus, 0, len(byID))
	for _, status := range byID {
		out = append(out, *status)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}
