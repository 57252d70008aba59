package broker

import (
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { <-t.done; return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakePaho satisfies mqtt.Client for the methods Client uses.
type fakePaho struct {
	mqtt.Client

	opts *mqtt.ClientOptions

	mu          sync.Mutex
	failConnect int
	connects    int
	open        bool
	subscribed  []string
	published   []published
	publishErr  error
}

func (f *fakePaho) Connect() mqtt.Token {
	f.mu.Lock()
	f.connects++
	if f.failConnect > 0 {
		f.failConnect--
		f.mu.Unlock()
		return doneToken(errors.New("connection refused"))
	}
	f.open = true
	f.mu.Unlock()
	if f.opts.OnConnect != nil {
		f.opts.OnConnect(f)
	}
	return doneToken(nil)
}

func (f *fakePaho) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
}

func (f *fakePaho) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return doneToken(f.publishErr)
	}
	f.published = append(f.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken(nil)
}

func (f *fakePaho) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return doneToken(nil)
}

// drop simulates an unexpected broker disconnect.
func (f *fakePaho) drop() {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	if f.opts.OnConnectionLost != nil {
		f.opts.OnConnectionLost(f, errors.New("EOF"))
	}
}

func (f *fakePaho) counts() (connects int, subs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, append([]string(nil), f.subscribed...)
}
