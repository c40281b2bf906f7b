// Package nbodyfeed exposes a running simulation to external observers: a
// websocket feed pushing every completed frame, and JSON endpoints for
// pull-based snapshot and statistics queries. The feed never blocks the
// simulation loop; slow subscribers miss frames instead.
package nbodyfeed

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"

	"github.com/RobertOsvathCSUBB/n-body-problem-simulations/distributednbody"
)

// Config holds the feed server settings.
type Config struct {
	Addr          string
	SendQueueSize int
	PingInterval  time.Duration
}

// DefaultConfig returns settings suitable for a local feed.
func DefaultConfig() Config {
	return Config{
		Addr:          ":8080",
		SendQueueSize: 16,
		PingInterval:  30 * time.Second,
	}
}

// frameMessage is the wire form of a completed frame. Positions marshal as
// [x, y] pairs.
type frameMessage struct {
	Step      int          `json:"step"`
	Time      float64      `json:"time"`
	Positions []mgl64.Vec2 `json:"positions"`
	Masses    []float64    `json:"masses"`
}

// statsMessage is the wire form of the /stats endpoint.
type statsMessage struct {
	Step            int     `json:"step"`
	Time            float64 `json:"time"`
	StepRate        float64 `json:"stepRate"`
	KineticEnergy   float64 `json:"kineticEnergy"`
	PotentialEnergy float64 `json:"potentialEnergy"`
	TotalEnergy     float64 `json:"totalEnergy"`
	Subscribers     int     `json:"subscribers"`
	DroppedFrames   int64   `json:"droppedFrames"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// FeedServer streams simulation frames to websocket subscribers. It
// implements distributednbody.FrameObserver.
type FeedServer struct {
	config   Config
	sim      *distributednbody.Simulator
	upgrader websocket.Upgrader

	httpServer  *http.Server
	subscribers map[*subscriber]struct{}
	mu          sync.RWMutex
	dropped     atomic.Int64
}

// NewFeedServer builds a feed for the given simulator. The simulator is
// registered as the source of snapshots and statistics; the caller still
// decides when to add the feed as a frame observer.
func NewFeedServer(config Config, sim *distributednbody.Simulator) *FeedServer {
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultConfig().SendQueueSize
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultConfig().PingInterval
	}
	return &FeedServer{
		config:      config,
		sim:         sim,
		subscribers: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// OnFrame encodes the frame once and fans it out to every subscriber. A
// subscriber whose queue is full misses the frame.
func (f *FeedServer) OnFrame(frame distributednbody.Frame) {
	data, err := json.Marshal(frameMessage{
		Step:      frame.Step,
		Time:      frame.Time,
		Positions: frame.Positions,
		Masses:    frame.Masses,
	})
	if err != nil {
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.subscribers {
		select {
		case sub.send <- data:
		default:
			f.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of connected websocket clients.
func (f *FeedServer) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// DroppedFrames returns how many frame deliveries were skipped because a
// subscriber's queue was full.
func (f *FeedServer) DroppedFrames() int64 {
	return f.dropped.Load()
}

// Handler returns the HTTP routes of the feed.
func (f *FeedServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleWebSocket)
	mux.HandleFunc("/snapshot", f.handleSnapshot)
	mux.HandleFunc("/stats", f.handleStats)
	return mux
}

// Start serves the feed on the configured address until Stop is called.
func (f *FeedServer) Start() error {
	f.httpServer = &http.Server{Addr: f.config.Addr, Handler: f.Handler()}
	err := f.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down and disconnects every subscriber.
func (f *FeedServer) Stop(ctx context.Context) error {
	var err error
	if f.httpServer != nil {
		err = f.httpServer.Shutdown(ctx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subscribers {
		sub.conn.Close()
		delete(f.subscribers, sub)
	}
	return err
}

func (f *FeedServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan []byte, f.config.SendQueueSize),
	}

	f.mu.Lock()
	f.subscribers[sub] = struct{}{}
	f.mu.Unlock()

	go f.writeLoop(sub)
	go f.readLoop(sub)
}

func (f *FeedServer) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(f.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-sub.send:
			if !ok {
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				f.unsubscribe(sub)
				return
			}
		case <-ticker.C:
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.unsubscribe(sub)
				return
			}
		}
	}
}

// readLoop discards inbound messages; it exists to notice a closed peer.
func (f *FeedServer) readLoop(sub *subscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			f.unsubscribe(sub)
			return
		}
	}
}

func (f *FeedServer) unsubscribe(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribers[sub]; ok {
		delete(f.subscribers, sub)
		sub.conn.Close()
	}
}

func (f *FeedServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := f.sim.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(frameMessage{
		Step:      snap.Step,
		Time:      snap.Time,
		Positions: snap.Positions,
		Masses:    snap.Masses,
	})
}

func (f *FeedServer) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := f.sim.Snapshot()
	stats := f.sim.CalculateStatistics()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statsMessage{
		Step:            snap.Step,
		Time:            snap.Time,
		StepRate:        f.sim.AverageStepRate(),
		KineticEnergy:   stats.KineticEnergy,
		PotentialEnergy: stats.PotentialEnergy,
		TotalEnergy:     stats.TotalEnergy,
		Subscribers:     f.SubscriberCount(),
		DroppedFrames:   f.DroppedFrames(),
	})
}
