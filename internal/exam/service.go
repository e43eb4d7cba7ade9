package exam

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

// Service is the CBT engine. It owns no state besides the injected Store and
// the per-exam locks that serialize publication with enrollment changes.
type Service struct {
	store Store

	now           func() time.Time
	newID         func() string
	enforceWindow bool
	grace         time.Duration
	closeOnSubmit bool

	sinksMu sync.RWMutex
	sinks   []EventSink

	locks keyedMutex
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithIDs(gen func() string) Option       { return func(s *Service) { s.newID = gen } }

// WithWindow toggles attempt-window enforcement and the grace added to every deadline.
func WithWindow(enforce bool, grace time.Duration) Option {
	return func(s *Service) { s.enforceWindow, s.grace = enforce, grace }
}

// WithCloseOnSubmit controls whether a submission closes the attempt to
// further autosaves.
func WithCloseOnSubmit(b bool) Option { return func(s *Service) { s.closeOnSubmit = b } }

func WithEvents(sinks ...EventSink) Option {
	return func(s *Service) { s.sinks = append(s.sinks, sinks...) }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:         store,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
		enforceWindow: true,
		closeOnSubmit: true,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe adds a sink after construction, for sinks that themselves hold
// the Service.
func (s *Service) Subscribe(sink EventSink) {
	s.sinksMu.Lock()
	defer s.sinksMu.Unlock()
	s.sinks = append(s.sinks, sink)
}

func (s *Service) emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.sinksMu.RLock()
	sinks := append([]EventSink(nil), s.sinks...)
	s.sinksMu.RUnlock()
	for _, sink := range sinks {
		if err := sink.Handle(ctx, e); err != nil {
			glog.Warningf("event %s for %s: %v", e.Type, e.Key(), err)
		}
	}
}

// authorOf loads the exam and checks that actor may mutate it.
func (s *Service) authorOf(ctx context.Context, actor Actor, examID string) (Exam, error) {
	e, err := s.store.GetExam(ctx, examID)
	if err != nil {
		return Exam{}, storageErr("get exam", err)
	}
	if err := canManage(actor, e); err != nil {
		return Exam{}, err
	}
	return e, nil
}

// draftOf is authorOf plus the rule that published exams are frozen. On
// success the exam's lock stays held until the returned func is called, so
// Publish cannot land between the check and the edit.
func (s *Service) draftOf(ctx context.Context, actor Actor, examID string) (Exam, func(), error) {
	unlock := s.locks.Lock(examID)
	e, err := s.authorOf(ctx, actor, examID)
	if err != nil {
		unlock()
		return Exam{}, nil, err
	}
	if e.Status == StatusPublished {
		unlock()
		return Exam{}, nil, &PreconditionError{Condition: CondPublished}
	}
	return e, unlock, nil
}

func canManage(actor Actor, e Exam) error {
	switch actor.Role {
	case RoleAdmin:
		return nil
	case RoleTeacher:
		if actor.ID != "" && actor.ID == e.CreatedBy {
			return nil
		}
		return &AuthorizationError{Reason: "exam belongs to another teacher"}
	}
	return &AuthorizationError{Reason: "role " + string(actor.Role) + " cannot manage exams"}
}

func requireStaff(actor Actor) error {
	if actor.Role == RoleAdmin || actor.Role == RoleTeacher {
		return nil
	}
	return &AuthorizationError{Reason: "role " + string(actor.Role) + " cannot author"}
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedEntry{}
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
