package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/burst-apps-team/burstpool/internal/pool"
	"github.com/burst-apps-team/burstpool/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient is one connected round-announcement subscriber.
type wsClient struct {
	id   uint64
	conn *websocket.Conn

	writeMu sync.Mutex
}

// roundAnnouncement is pushed to websocket subscribers on round changes.
type roundAnnouncement struct {
	Height              uint64 `json:"height"`
	BaseTarget          uint64 `json:"baseTarget"`
	GenerationSignature string `json:"generationSignature"`
	TargetDeadline      uint64 `json:"targetDeadline,omitempty"`
}

// handleRoundsWebsocket upgrades the connection and registers the client
// for round announcements.
func (s *Server) handleRoundsWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Warnf("Websocket upgrade error: %v", err)
		return
	}

	client := &wsClient{
		id:   atomic.AddUint64(&s.clientSeq, 1),
		conn: conn,
	}
	s.clients.Store(client.id, client)
	util.Debugf("Websocket client %d connected from %s", client.id, c.ClientIP())

	// Send the current round right away so subscribers need not wait for
	// the next block.
	if round := s.pool.CurrentRound(); round != nil {
		s.sendRound(client, round)
	}

	s.wg.Add(1)
	go s.readLoop(client)
}

// readLoop drains client messages until disconnect. Subscribers only
// listen; anything they send is discarded.
func (s *Server) readLoop(client *wsClient) {
	defer s.wg.Done()
	defer func() {
		client.conn.Close()
		s.clients.Delete(client.id)
		util.Debugf("Websocket client %d disconnected", client.id)
	}()

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// broadcastRounds pushes every round change to all connected clients.
func (s *Server) broadcastRounds(rounds <-chan *pool.Round) {
	defer s.wg.Done()

	for {
		select {
		case <-s.quit:
			return
		case round, ok := <-rounds:
			if !ok {
				return
			}
			s.clients.Range(func(key, value interface{}) bool {
				s.sendRound(value.(*wsClient), round)
				return true
			})
		}
	}
}

func (s *Server) sendRound(client *wsClient, round *pool.Round) {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err := client.conn.WriteJSON(roundAnnouncement{
		Height:              round.Height,
		BaseTarget:          round.BaseTarget,
		GenerationSignature: round.GenerationSignature,
		TargetDeadline:      s.cfg.Rounds.TargetDeadline,
	})
	if err != nil {
		util.Debugf("Websocket write error for client %d: %v", client.id, err)
	}
}
