package raftdir

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.etcd.io/raft/v3/raftpb"
)

const maxFrameSize = 16 << 20

type messageHandler func(msg raftpb.Message)

// tcpTransport sends each raft message as one length-prefixed frame on a
// short-lived connection. Raft tolerates the loss of any message, so a full
// queue or an unreachable peer simply drops it.
type tcpTransport struct {
	nodeID   uint64
	handler  messageHandler
	listener net.Listener

	mu       sync.Mutex
	peers    map[uint64]string
	outbound map[uint64]chan raftpb.Message
	closed   chan struct{}
	wg       sync.WaitGroup
}

func newTCPTransport(nodeID uint64, addr string, peers map[uint64]string, handler messageHandler) (*tcpTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	t := &tcpTransport{
		nodeID:   nodeID,
		peers:    peers,
		handler:  handler,
		listener: ln,
		outbound: make(map[uint64]chan raftpb.Message),
		closed:   make(chan struct{}),
	}
	for peer := range peers {
		if peer == nodeID {
			continue
		}
		ch := make(chan raftpb.Message, 256)
		t.outbound[peer] = ch
		t.wg.Add(1)
		go t.sender(peer, ch)
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *tcpTransport) addr() string { return t.listener.Addr().String() }

func (t *tcpTransport) send(msg raftpb.Message) error {
	t.mu.Lock()
	ch, ok := t.outbound[msg.To]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peer %d", msg.To)
	}
	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("peer %d queue full", msg.To)
	}
}

func (t *tcpTransport) sender(peer uint64, ch <-chan raftpb.Message) {
	defer t.wg.Done()
	for {
		select {
		case <-t.closed:
			return
		case msg := <-ch:
			conn, err := net.DialTimeout("tcp", t.peers[peer], 500*time.Millisecond)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
			_ = writeFrame(conn, msg)
			_ = conn.Close()
		}
	}
}

const maxAcceptDelay = time.Second

func (t *tcpTransport) acceptLoop() {
	defer t.wg.Done()
	var delay time.Duration
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			// Back off on accept errors such as fd exhaustion, as net/http does.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			select {
			case <-t.closed:
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		go func(c net.Conn) {
			defer c.Close()
			_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
			msg, err := readFrame(c)
			if err != nil {
				return
			}
			t.handler(msg)
		}(conn)
	}
}

func (t *tcpTransport) close() error {
	close(t.closed)
	err := t.listener.Close()
	t.wg.Wait()
	return err
}

func writeFrame(w io.Writer, msg raftpb.Message) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readFrame(r io.Reader) (raftpb.Message, error) {
	br := bufio.NewReader(r)
	var sz uint32
	if err := binary.Read(br, binary.BigEndian, &sz); err != nil {
		return raftpb.Message{}, err
	}
	if sz == 0 || sz > maxFrameSize {
		return raftpb.Message{}, fmt.Errorf("invalid raft frame size %d", sz)
	}
	buf := make([]byte, sz)
	if _, err := io.ReadFull(br, buf); err != nil {
		return raftpb.Message{}, err
	}
	var msg raftpb.Message
	if err := msg.Unmarshal(buf); err != nil {
		return raftpb.Message{}, err
	}
	return msg, nil
}
