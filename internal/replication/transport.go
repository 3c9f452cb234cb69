package replication

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/sub"
	"go.uber.org/multierr"

	// Register all transports (tcp, ipc, inproc, ...)
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

const defaultRecvTimeout = 200 * time.Millisecond

// ErrClosed is returned once the transport has been closed
var ErrClosed = errors.New("replication transport closed")

// Transport is a PUB socket this node publishes on and a SUB socket dialled
// to the PUB socket of every peer
type Transport struct {
	pub  mangos.Socket
	sub  mangos.Socket
	addr string

	mu      sync.Mutex
	dialers map[string]mangos.Dialer
}

// NewTransport listens on listenAddr (a mangos URL such as tcp://host:port
// or inproc://name) and prepares a subscriber for mutation frames
func NewTransport(listenAddr string, recvTimeout time.Duration) (*Transport, error) {
	if recvTimeout <= 0 {
		recvTimeout = defaultRecvTimeout
	}

	pubSock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}
	if err := pubSock.Listen(listenAddr); err != nil {
		pubSock.Close()
		return nil, fmt.Errorf("failed to bind PUB socket to %s: %w", listenAddr, err)
	}

	subSock, err := sub.NewSocket()
	if err != nil {
		pubSock.Close()
		return nil, fmt.Errorf("failed to create SUB socket: %w", err)
	}
	if err := subSock.SetOption(mangos.OptionSubscribe, []byte{byte(KindMutation)}); err != nil {
		return nil, multierr.Combine(err, pubSock.Close(), subSock.Close())
	}
	if err := subSock.SetOption(mangos.OptionRecvDeadline, recvTimeout); err != nil {
		return nil, multierr.Combine(err, pubSock.Close(), subSock.Close())
	}

	return &Transport{
		pub:     pubSock,
		sub:     subSock,
		addr:    listenAddr,
		dialers: make(map[string]mangos.Dialer),
	}, nil
}

// Send publishes a frame to every connected subscriber. PUB never blocks:
// frames for a subscriber whose queue is full are dropped.
func (t *Transport) Send(frame []byte) error {
	if err := t.pub.Send(frame); err != nil {
		if errors.Is(err, mangos.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Recv returns the next frame, mangos.ErrRecvTimeout when none arrived within
// the receive deadline, or ErrClosed
func (t *Transport) Recv() ([]byte, error) {
	frame, err := t.sub.Recv()
	if errors.Is(err, mangos.ErrClosed) {
		return nil, ErrClosed
	}
	return frame, err
}

// Connect dials a peer's PUB socket. The dial is asynchronous and retried
// by mangos until Disconnect, so a peer that is not up yet is not an error.
func (t *Transport) Connect(addr string) error {
	if addr == "" || addr == t.addr {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.dialers[addr]; ok {
		return nil
	}
	d, err := t.sub.NewDialer(addr, map[string]interface{}{
		mangos.OptionDialAsynch: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create dialer for %s: %w", addr, err)
	}
	if err := d.Dial(); err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	t.dialers[addr] = d
	return nil
}

// Disconnect stops subscribing to addr
func (t *Transport) Disconnect(addr string) error {
	t.mu.Lock()
	d, ok := t.dialers[addr]
	delete(t.dialers, addr)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return d.Close()
}

// Peers returns the addresses currently dialled, sorted
func (t *Transport) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	addrs := make([]string, 0, len(t.dialers))
	for addr := range t.dialers {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Close closes both sockets
func (t *Transport) Close() error {
	t.mu.Lock()
	t.dialers = make(map[string]mangos.Dialer)
	t.mu.Unlock()

	return multierr.Combine(t.sub.Close(), t.pub.Close())
}
