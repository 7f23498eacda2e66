// Command loadtest drives a running relay with simulated chat clients and
// reports throughput and latency statistics.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatrelay/internal/protocol"
)

type stats struct {
	sync.Mutex
	sent      int64
	acked     int64
	received  int64
	failed    int64
	latencies []time.Duration
}

func (s *stats) recordAck(latency time.Duration) {
	s.Lock()
	defer s.Unlock()
	s.acked++
	s.latencies = append(s.latencies, latency)
}

func (s *stats) recordReceived() {
	s.Lock()
	defer s.Unlock()
	s.received++
}

func (s *stats) recordFailure() {
	s.Lock()
	defer s.Unlock()
	s.failed++
}

func (s *stats) percentile(p float64) time.Duration {
	if len(s.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), s.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

type testClient struct {
	uid  string
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]time.Time // message id -> send time, for ack latency
}

func dialClient(url string, n int) (*testClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	c := &testClient{
		uid:     fmt.Sprintf("loadtest-%d-%s", n, uuid.NewString()[:8]),
		conn:    conn,
		pending: make(map[string]time.Time),
	}

	env, err := protocol.NewEnvelope(protocol.EventRegister, protocol.RegisterPayload{
		UID:         c.uid,
		DisplayName: fmt.Sprintf("Load Tester %d", n),
	})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(env); err != nil {
		return nil, err
	}
	return c, nil
}

// readLoop consumes server frames. The relay coalesces queued frames into a
// single websocket message separated by newlines, so each frame is split
// before decoding.
func (c *testClient) readLoop(st *stats, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		for _, frame := range bytes.Split(raw, []byte{'\n'}) {
			if len(frame) == 0 {
				continue
			}
			var env protocol.Envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				continue
			}
			switch env.Event {
			case protocol.EventMessageAck:
				var msg protocol.ChatMessage
				if json.Unmarshal(env.Data, &msg) == nil {
					c.mu.Lock()
					if sentAt, ok := c.pending[msg.ID]; ok {
						delete(c.pending, msg.ID)
						c.mu.Unlock()
						st.recordAck(time.Since(sentAt))
						continue
					}
					c.mu.Unlock()
				}
			case protocol.EventGroupMessage, protocol.EventPrivateMessage:
				st.recordReceived()
			}
		}
	}
}

func (c *testClient) sendGroup(st *stats, room string) {
	msg := protocol.ChatMessage{
		ID:      uuid.NewString(),
		From:    c.uid,
		FromUID: c.uid,
		Text:    "load test message",
		Ts:      time.Now().UnixMilli(),
		Room:    room,
	}
	env, err := protocol.NewEnvelope(protocol.EventGroupMessage, msg)
	if err != nil {
		st.recordFailure()
		return
	}

	c.mu.Lock()
	c.pending[msg.ID] = time.Now()
	c.mu.Unlock()

	if err := c.conn.WriteJSON(env); err != nil {
		st.recordFailure()
		return
	}
	st.Lock()
	st.sent++
	st.Unlock()
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "relay websocket endpoint")
	clients := flag.Int("clients", 50, "number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	rate := flag.Float64("rate", 1, "messages per second per client")
	room := flag.String("room", protocol.DefaultRoom, "room to flood")
	flag.Parse()

	log.Printf("connecting %d clients to %s", *clients, *url)

	st := &stats{}
	done := make(chan struct{})
	var wg sync.WaitGroup

	conns := make([]*testClient, 0, *clients)
	for i := 0; i < *clients; i++ {
		c, err := dialClient(*url, i)
		if err != nil {
			log.Printf("client %d failed to connect: %v", i, err)
			st.recordFailure()
			continue
		}
		conns = append(conns, c)

		wg.Add(1)
		go func(c *testClient) {
			defer wg.Done()
			c.readLoop(st, done)
		}(c)
	}
	log.Printf("%d clients connected", len(conns))

	interval := time.Duration(float64(time.Second) / *rate)
	for _, c := range conns {
		wg.Add(1)
		go func(c *testClient) {
			defer wg.Done()
			// Jitter start so clients do not send in lockstep.
			time.Sleep(time.Duration(rand.Int63n(int64(interval))))
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					c.sendGroup(st, *room)
				}
			}
		}(c)
	}

	time.Sleep(*duration)
	close(done)
	for _, c := range conns {
		_ = c.conn.Close()
	}
	wg.Wait()

	st.Lock()
	defer st.Unlock()
	elapsed := duration.Seconds()
	log.Printf("sent=%d acked=%d received=%d failed=%d", st.sent, st.acked, st.received, st.failed)
	log.Printf("throughput: %.1f msg/s sent, %.1f msg/s delivered", float64(st.sent)/elapsed, float64(st.received)/elapsed)
	log.Printf("ack latency: p50=%v p99=%v", st.percentile(0.50), st.percentile(0.99))
}
