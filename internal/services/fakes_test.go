package services

import (
	"context"
	"sync"
	"time"

	"github.com/saitejad/mtpchat/internal/models"
	"github.com/saitejad/mtpchat/internal/repositories"
)

// In-memory implementations of the store interfaces, mirroring the
// Postgres/Redis semantics closely enough for service-level tests.

type memUserRepo struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*models.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byID: make(map[int64]*models.User)}
}

func (r *memUserRepo) Create(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	user.ID = r.nextID
	user.CreatedAt = time.Now()
	clone := *user
	r.byID[user.ID] = &clone
	return nil
}

func (r *memUserRepo) GetByID(_ context.Context, id int64) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byID[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (r *memUserRepo) GetByLogin(_ context.Context, login string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.byID {
		if user.Username == login || user.Email == login || user.Phone == login {
			clone := *user
			return &clone, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *memUserRepo) List(_ context.Context) ([]*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.User
	for id := int64(1); id <= r.nextID; id++ {
		if user, ok := r.byID[id]; ok {
			clone := *user
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *memUserRepo) TouchLastSeen(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byID[id]
	if !ok {
		return repositories.ErrNotFound
	}
	user.LastSeen = &at
	return nil
}

type memKeyStore struct {
	mu            sync.Mutex
	byFingerprint map[string]*models.AuthKeySession
	byUser        map[int64]string
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{
		byFingerprint: make(map[string]*models.AuthKeySession),
		byUser:        make(map[int64]string),
	}
}

func (s *memKeyStore) Put(_ context.Context, session *models.AuthKeySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byFingerprint[session.AuthKeyID]; !exists {
		clone := *session
		s.byFingerprint[session.AuthKeyID] = &clone
	}
	s.byUser[session.UserID] = session.AuthKeyID
	return nil
}

func (s *memKeyStore) GetByFingerprint(_ context.Context, authKeyID string) (*models.AuthKeySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.byFingerprint[authKeyID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (s *memKeyStore) GetByUser(_ context.Context, userID int64) (*models.AuthKeySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	authKeyID, ok := s.byUser[userID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	session, ok := s.byFingerprint[authKeyID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	clone := *session
	return &clone, nil
}

type memMessageRepo struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*models.Message
}

func newMemMessageRepo() *memMessageRepo {
	return &memMessageRepo{byID: make(map[int64]*models.Message)}
}

func (r *memMessageRepo) Append(_ context.Context, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	msg.ID = r.nextID
	clone := *msg
	r.byID[msg.ID] = &clone
	return nil
}

func (r *memMessageRepo) GetByID(_ context.Context, id int64) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.byID[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	clone := *msg
	return &clone, nil
}

func (r *memMessageRepo) UpdateStatus(_ context.Context, id int64, status models.MessageStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.byID[id]
	if !ok {
		return false, nil
	}
	for _, from := range models.StatusesBelow(status) {
		if msg.Status == from {
			msg.Status = status
			return true, nil
		}
	}
	return false, nil
}

func (r *memMessageRepo) ClaimPending(_ context.Context, receiverID int64) ([]*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []*models.Message
	for id := int64(1); id <= r.nextID; id++ {
		msg, ok := r.byID[id]
		if ok && msg.ReceiverID == receiverID && msg.Status == models.StatusSent {
			msg.Status = models.StatusDelivered
			clone := *msg
			claimed = append(claimed, &clone)
		}
	}
	return claimed, nil
}

func (r *memMessageRepo) QueryPending(_ context.Context, receiverID int64) ([]*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []*models.Message
	for id := int64(1); id <= r.nextID; id++ {
		msg, ok := r.byID[id]
		if ok && msg.ReceiverID == receiverID && msg.Status == models.StatusSent {
			clone := *msg
			pending = append(pending, &clone)
		}
	}
	return pending, nil
}

func (r *memMessageRepo) History(_ context.Context, userID int64) ([]*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Message
	for id := int64(1); id <= r.nextID; id++ {
		msg, ok := r.byID[id]
		if ok && (msg.SenderID == userID || msg.ReceiverID == userID) {
			clone := *msg
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *memMessageRepo) SoftDelete(_ context.Context, id, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.byID[id]
	if !ok || (msg.SenderID != userID && msg.ReceiverID != userID) {
		return repositories.ErrNotFound
	}
	if msg.SenderID == userID {
		msg.VisibleToSender = false
	}
	if msg.ReceiverID == userID {
		msg.VisibleToReceiver = false
	}
	return nil
}

func (r *memMessageRepo) HardDelete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return repositories.ErrNotFound
	}
	delete(r.byID, id)
	return nil
}

func (r *memMessageRepo) SoftDeleteConversation(_ context.Context, userID, withUserID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range r.byID {
		if msg.SenderID == userID && msg.ReceiverID == withUserID {
			msg.VisibleToSender = false
		}
		if msg.ReceiverID == userID && msg.SenderID == withUserID {
			msg.VisibleToReceiver = false
		}
	}
	return nil
}

type memEmitter struct {
	mu     sync.Mutex
	events []emitted
}

type emitted struct {
	userID  int64
	event   string
	payload any
}

func (e *memEmitter) EmitToUser(userID int64, event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{userID: userID, event: event, payload: payload})
}

func (e *memEmitter) count(userID int64, event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.userID == userID && ev.event == event {
			n++
		}
	}
	return n
}

func (e *memEmitter) last(userID int64, event string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.events) - 1; i >= 0; i-- {
		if e.events[i].userID == userID && e.events[i].event == event {
			return e.events[i].payload, true
		}
	}
	return nil, false
}
