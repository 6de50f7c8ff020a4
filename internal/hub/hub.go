// Package hub is the process-wide room registry: the single authority that
// creates, looks up and retires room sessions by code.
package hub

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/agilecards/pocker-backend/internal/consensus"
	"github.com/agilecards/pocker-backend/internal/room"
	"github.com/agilecards/pocker-backend/internal/store"
)

type HubMsg interface{ isHubMsg() }

// CreateRoom spawns a session under a freshly generated unique code and
// replies with the code and the session.
type CreateRoom struct {
	Mode  consensus.Mode
	Admin string
	Reply chan Created
}

type Created struct {
	Code string
	Room *room.Room
}

type GetRoom struct {
	Code  string
	Reply chan *room.Room
}

type RemoveRoom struct{ Code string }

type ShutdownHub struct{}

// sweep is the internal tick that retires idle rooms.
type sweep struct{}

func (CreateRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (RemoveRoom) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}
func (sweep) isHubMsg()       {}

type Hub struct {
	inbox  chan HubMsg
	rooms  map[string]*room.Room
	store  store.Store
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	idleTTL       time.Duration
	sweepInterval time.Duration
}

func NewHub(parent context.Context, st store.Store, log *zap.Logger, idleTTL time.Duration) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:         make(chan HubMsg, 64),
		rooms:         make(map[string]*room.Room),
		store:         st,
		log:           log,
		ctx:           ctx,
		cancel:        cancel,
		idleTTL:       idleTTL,
		sweepInterval: idleTTL / 2,
	}
	if h.sweepInterval <= 0 {
		h.sweepInterval = time.Second
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case <-ticker.C:
			h.sweepIdle()

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				code := h.freshCode()
				rm := room.New(h.ctx, code, msg.Mode, msg.Admin, h.store, h.log)
				h.rooms[code] = rm
				h.log.Info("room created",
					zap.String("room", code), zap.String("mode", string(msg.Mode)))
				msg.Reply <- Created{Code: code, Room: rm}

			case GetRoom:
				msg.Reply <- h.rooms[msg.Code] // may be nil

			case RemoveRoom:
				delete(h.rooms, msg.Code)

			case sweep:
				h.sweepIdle()

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for _, rm := range h.rooms {
		rm.Inbox() <- room.Shutdown{}
	}
	clear(h.rooms)
	h.cancel()
}

// sweepIdle offers retirement to every room. A room accepts only if it has
// been empty past the TTL and marks itself closed before replying, so a join
// racing the removal is rejected by the room rather than landing in a
// session the registry no longer knows.
func (h *Hub) sweepIdle() {
	for code, rm := range h.rooms {
		go func(code string, rm *room.Room) {
			reply := make(chan bool, 1)
			select {
			case rm.Inbox() <- room.Retire{IdleFor: h.idleTTL, Reply: reply}:
			case <-h.ctx.Done():
				return
			}
			select {
			case retired := <-reply:
				if retired {
					h.log.Info("room retired", zap.String("room", code))
					select {
					case h.inbox <- RemoveRoom{Code: code}:
					case <-h.ctx.Done():
					}
				}
			case <-h.ctx.Done():
			}
		}(code, rm)
	}
}

const codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const codeLength = 6

// freshCode generates codes until one misses the live map. A collision is
// astronomically unlikely; the loop is the internal retry the spec asks for.
func (h *Hub) freshCode() string {
	for {
		code := generateCode()
		if _, taken := h.rooms[code]; !taken {
			return code
		}
	}
}

func generateCode() string {
	code := make([]byte, codeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			// crypto/rand only fails if the OS entropy source is broken.
			panic(err)
		}
		code[i] = codeCharset[n.Int64()]
	}
	return string(code)
}
