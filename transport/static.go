package transport

import (
	"context"
	"sync"
)

// Static is a Transport over one already established Link, typically one a
// server accepted. It never redials: when the link fails, Messages closes.
type Static struct {
	link Link
	out  chan Message

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func NewStatic(link Link) *Static {
	s := &Static{
		link:   link,
		out:    make(chan Message),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Static) readLoop() {
	defer close(s.done)
	defer close(s.out)
	for {
		msg, err := s.link.ReadMessage()
		if err != nil {
			return
		}
		select {
		case s.out <- msg:
		case <-s.closed:
			return
		}
	}
}

// Send writes frame as one binary message.
func (s *Static) Send(ctx context.Context, frame []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	return s.link.WriteMessage(Message{Kind: Binary, Data: frame})
}

func (s *Static) Messages() <-chan Message { return s.out }

// Close closes the link and waits for the read loop to exit.
func (s *Static) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.link.Close()
	})
	<-s.done
	return err
}
