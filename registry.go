package cnsocket

import "github.com/pkg/errors"

// HandlerFunc handles one packet type. It runs on the loop goroutine and must
// not block. It may send on any session and kill any session, including s.
type HandlerFunc func(s *Session, p Packet)

// Registry maps packet type ids to handlers. It is filled at startup and
// sealed when the server starts; after that it is only read, so lookups need
// no locking.
type Registry struct {
	handlers map[uint32]HandlerFunc
	sealed   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint32]HandlerFunc)}
}

// Register binds h to typeID. Registering a type twice is a startup error.
func (r *Registry) Register(typeID uint32, h HandlerFunc) error {
	if r.sealed {
		return errors.Wrapf(ErrRegistrySealed, "type %#x", typeID)
	}
	if typeID > MaxTypeID {
		return errors.Wrapf(ErrInvalidType, "type %#x", typeID)
	}
	if h == nil {
		return errors.Errorf("nil handler for type %#x", typeID)
	}
	if _, ok := r.handlers[typeID]; ok {
		return errors.Wrapf(ErrDuplicateHandler, "type %#x", typeID)
	}
	r.handlers[typeID] = h
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(typeID uint32, h HandlerFunc) {
	if err := r.Register(typeID, h); err != nil {
		panic(err)
	}
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	return len(r.handlers)
}

// Dispatch calls the handler registered for p.Type. It reports false and does
// nothing when no handler is registered.
func (r *Registry) Dispatch(s *Session, p Packet) bool {
	h, ok := r.handlers[p.Type]
	if !ok {
		return false
	}
	h(s, p)
	return true
}

func (r *Registry) seal() {
	r.sealed = true
}
