// Package channeltest provides an in-memory bridge for tests: it records
// every command, answers through a scriptable responder and lets the test
// push status frames.
package channeltest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/channel"
	"github.com/KevinKickass/OpenPhotoRig/internal/protocol"
)

// Responder decides the reply to one command. Returning channel.ErrTimeout
// makes the fake hold the request until the caller's context expires.
type Responder func(cmd protocol.Command) (protocol.Reply, error)

type Recorded struct {
	CID     int64
	Command protocol.Command
	At      time.Time
}

type Fake struct {
	mu        sync.Mutex
	responder Responder
	commands  []Recorded

	frames        chan []byte
	subscribeErrs []error
	subscribed    int
	receiveWait   time.Duration
}

func NewFake() *Fake {
	return &Fake{
		responder:   func(protocol.Command) (protocol.Reply, error) { return protocol.Reply{OK: true}, nil },
		frames:      make(chan []byte, 64),
		receiveWait: 20 * time.Millisecond,
	}
}

func (f *Fake) SetResponder(r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responder = r
}

// AlwaysTimeout makes every exchange hang until the caller gives up.
func (f *Fake) AlwaysTimeout() {
	f.SetResponder(func(protocol.Command) (protocol.Reply, error) {
		return protocol.Reply{}, channel.ErrTimeout
	})
}

// FailSubscribe queues errors returned by the next Subscribe calls.
func (f *Fake) FailSubscribe(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErrs = append(f.subscribeErrs, errs...)
}

func (f *Fake) Request(ctx context.Context, payload []byte) ([]byte, error) {
	cid, cmd, err := protocol.Decode(payload)
	if err != nil {
		return []byte(`{"ok":false,"err":"BadJSON"}`), nil
	}

	f.mu.Lock()
	f.commands = append(f.commands, Recorded{CID: cid, Command: cmd, At: time.Now()})
	responder := f.responder
	f.mu.Unlock()

	reply, err := responder(cmd)
	if err == channel.ErrTimeout {
		<-ctx.Done()
		return nil, channel.ErrTimeout
	}
	if err != nil {
		return nil, err
	}
	reply.CID = cid
	return json.Marshal(reply)
}

func (f *Fake) Subscribe() (channel.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subscribed++
	if len(f.subscribeErrs) > 0 {
		err := f.subscribeErrs[0]
		f.subscribeErrs = f.subscribeErrs[1:]
		return nil, err
	}
	return &subscription{fake: f}, nil
}

// Subscriptions counts Subscribe calls, failed ones included.
func (f *Fake) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed
}

// Push queues a raw status frame.
func (f *Fake) Push(frame []byte) {
	f.frames <- frame
}

// PushStatus marshals v and queues it as a status frame.
func (f *Fake) PushStatus(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.Push(data)
}

func (f *Fake) Commands() []Recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Recorded, len(f.commands))
	copy(out, f.commands)
	return out
}

// CommandsOf filters the recorded commands by type.
func (f *Fake) CommandsOf(t protocol.CommandType) []protocol.Command {
	var out []protocol.Command
	for _, r := range f.Commands() {
		if r.Command.Type() == t {
			out = append(out, r.Command)
		}
	}
	return out
}

func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = nil
}

type subscription struct {
	fake   *Fake
	closed bool
	mu     sync.Mutex
}

func (s *subscription) Receive(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, channel.ErrClosed
	}

	timer := time.NewTimer(s.fake.receiveWait)
	defer timer.Stop()

	select {
	case frame := <-s.fake.frames:
		return frame, nil
	case <-timer.C:
		return nil, channel.ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
