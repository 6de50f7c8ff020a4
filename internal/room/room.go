// Package room implements the per-room session: the state machine that owns
// membership, votes, pause state and the backlog cursor. Each Room runs a
// private mailbox loop, so all mutation for one room is serialized; different
// rooms run independently.
package room

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agilecards/pocker-backend/internal/consensus"
	"github.com/agilecards/pocker-backend/internal/protocol"
	"github.com/agilecards/pocker-backend/internal/store"
)

var ErrRoomClosed = errors.New("room is closed")
var ErrNotMember = errors.New("not a member of this room")
var ErrBadPhase = errors.New("operation not allowed in this phase")

type Phase string

const (
	PhaseLobby     Phase = "lobby"
	PhaseVoting    Phase = "voting"
	PhasePaused    Phase = "paused"
	PhaseCompleted Phase = "completed"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

type Player struct {
	Username string
	Role     Role
}

type Msg interface{ isRoomMsg() }

// Attach registers a live connection for a roster member. The session sends
// a full snapshot to Outbox immediately, so reconnecting clients never need
// to replay history.
type Attach struct {
	ConnID   string
	Username string
	Outbox   chan protocol.ServerMessage
	Reply    chan error
}

// Detach removes a connection. The roster entry survives; only a kick
// removes it.
type Detach struct{ ConnID string }

// Join adds a username to the roster. Accepted only in the lobby phase;
// joining twice is a no-op.
type Join struct {
	Username string
	Reply    chan error
}

// FromClient carries one decoded, shape-validated inbound message.
// Authorization and phase checks happen here, in the session, because roles
// can change mid-connection.
type FromClient struct {
	ConnID string
	Msg    protocol.ClientMessage
}

type GetState struct{ Reply chan View }

// Retire asks the session to close if it has been empty for at least IdleFor.
// On success the room stops accepting attaches, so a concurrent join cannot
// race the registry's removal.
type Retire struct {
	IdleFor time.Duration
	Reply   chan bool
}

type Shutdown struct{}

// estimateSaved reports the outcome of an async estimate write back into the
// loop, so a failure can be surfaced to the acting admin.
type estimateSaved struct {
	connID     string
	externalID string
	err        error
}

func (Attach) isRoomMsg()        {}
func (Detach) isRoomMsg()        {}
func (Join) isRoomMsg()          {}
func (FromClient) isRoomMsg()    {}
func (GetState) isRoomMsg()      {}
func (Retire) isRoomMsg()        {}
func (Shutdown) isRoomMsg()      {}
func (estimateSaved) isRoomMsg() {}

// View is a consistent point-in-time copy of session state for the REST
// surface and tests.
type View struct {
	Code       string
	Mode       consensus.Mode
	Phase      Phase
	Index      int
	Total      int
	PausedBy   string
	Players    []protocol.PlayerView
	NumClients int
}

type client struct {
	username string
	outbox   chan protocol.ServerMessage
}

type Room struct {
	code  string
	mode  consensus.Mode
	store store.Store
	log   *zap.Logger

	inbox  chan Msg
	ctx    context.Context
	cancel context.CancelFunc

	phase    Phase
	backlog  []store.Item
	index    int
	roster   []Player
	votes    map[string]string
	pausedBy string

	clients    map[string]client
	emptySince time.Time
	closed     bool

	storeTimeout time.Duration
}

func New(parent context.Context, code string, mode consensus.Mode, admin string, st store.Store, log *zap.Logger) *Room {
	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		code:         code,
		mode:         mode,
		store:        st,
		log:          log.With(zap.String("room", code)),
		inbox:        make(chan Msg, 64),
		ctx:          ctx,
		cancel:       cancel,
		phase:        PhaseLobby,
		roster:       []Player{{Username: admin, Role: RoleAdmin}},
		votes:        make(map[string]string),
		clients:      make(map[string]client),
		emptySince:   time.Now(),
		storeTimeout: 3 * time.Second,
	}
	go r.loop()
	return r
}

func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			r.drain()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Attach:
				msg.Reply <- r.attach(msg)
			case Detach:
				r.detach(msg.ConnID)
			case Join:
				msg.Reply <- r.join(msg.Username)
			case FromClient:
				r.fromClient(msg)
			case GetState:
				msg.Reply <- r.view()
			case Retire:
				retired := r.closed || (len(r.clients) == 0 && time.Since(r.emptySince) >= msg.IdleFor)
				if retired {
					r.closed = true
				}
				msg.Reply <- retired
				if retired {
					r.shutdown()
					r.drain()
					return
				}
			case estimateSaved:
				if msg.err != nil {
					r.log.Error("estimate write failed",
						zap.String("item", msg.externalID), zap.Error(msg.err))
					r.sendTo(msg.connID, protocol.ErrorMessage("failed to save estimate, results export may lag"))
				}
			case Shutdown:
				r.shutdown()
				r.drain()
				return
			}
		}
	}
}

// drainGrace is how long a closed session keeps answering its mailbox. A
// caller that fetched the room from the registry just before removal sends
// within microseconds; the window only has to outlive that race.
const drainGrace = 5 * time.Second

// drain answers requests that arrive after the session closed, so losing the
// retire/join race resolves as ErrRoomClosed rather than a blocked caller.
func (r *Room) drain() {
	deadline := time.After(drainGrace)
	for {
		select {
		case m := <-r.inbox:
			switch msg := m.(type) {
			case Attach:
				msg.Reply <- ErrRoomClosed
			case Join:
				msg.Reply <- ErrRoomClosed
			case GetState:
				msg.Reply <- r.view()
			case Retire:
				msg.Reply <- true
			}
		case <-deadline:
			return
		}
	}
}

func (r *Room) shutdown() {
	for id, c := range r.clients {
		close(c.outbox)
		delete(r.clients, id)
	}
	r.closed = true
	r.cancel()
}

// --- membership & presence ---

func (r *Room) attach(msg Attach) error {
	if r.closed {
		return ErrRoomClosed
	}
	if r.playerIndex(msg.Username) < 0 {
		return ErrNotMember
	}
	wasOnline := r.online(msg.Username)
	r.clients[msg.ConnID] = client{username: msg.Username, outbox: msg.Outbox}
	r.emptySince = time.Time{}

	// Snapshot to the new connection; the others hear about the presence
	// change. The new connection already sees its own state in the snapshot.
	r.trySend(msg.ConnID, r.snapshot())
	if !wasOnline {
		r.broadcastExcept(msg.ConnID, protocol.PresenceMessage(msg.Username, true))
	}
	return nil
}

func (r *Room) detach(connID string) {
	c, ok := r.clients[connID]
	if !ok {
		return
	}
	delete(r.clients, connID)
	if len(r.clients) == 0 {
		r.emptySince = time.Now()
	}
	if !r.online(c.username) {
		r.broadcast(protocol.PresenceMessage(c.username, false))
	}
}

func (r *Room) join(username string) error {
	if r.closed {
		return ErrRoomClosed
	}
	if r.playerIndex(username) >= 0 {
		return nil
	}
	if r.phase != PhaseLobby {
		return ErrBadPhase
	}
	r.roster = append(r.roster, Player{Username: username, Role: RoleMember})
	r.broadcast(r.snapshot())
	return nil
}

// --- client message routing ---

func (r *Room) fromClient(msg FromClient) {
	c, ok := r.clients[msg.ConnID]
	if !ok {
		return
	}

	switch msg.Msg.Type {
	case protocol.TypeVote:
		r.vote(msg.ConnID, c.username, msg.Msg)
	case protocol.TypeReveal:
		r.reveal(msg.ConnID, c.username)
	case protocol.TypeResume:
		r.resume(msg.ConnID, c.username)
	case protocol.TypeStart:
		r.start(msg.ConnID, c.username)
	case protocol.TypeKick:
		r.kick(msg.ConnID, c.username, msg.Msg.Target)
	case protocol.TypePromote:
		r.promote(msg.ConnID, c.username, msg.Msg.Target)
	case protocol.TypeChat:
		r.broadcast(protocol.ServerMessage{
			Type:      protocol.TypeChat,
			Username:  c.username,
			Message:   msg.Msg.Message,
			Timestamp: time.Now().Unix(),
		})
	}
}

func (r *Room) start(connID, username string) {
	if !r.requireAdmin(connID, username) {
		return
	}
	if r.phase != PhaseLobby {
		r.sendTo(connID, protocol.ErrorMessage("game already started"))
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.storeTimeout)
	items, err := r.store.Backlog(ctx, r.code)
	cancel()
	if err != nil {
		r.log.Error("backlog load failed", zap.Error(err))
		r.sendTo(connID, protocol.ErrorMessage("could not load backlog"))
		return
	}
	if len(items) == 0 {
		r.sendTo(connID, protocol.ErrorMessage("backlog is empty"))
		return
	}

	r.backlog = items
	r.index = 0
	r.phase = PhaseVoting
	r.broadcast(r.snapshot())
}

func (r *Room) vote(connID, username string, m protocol.ClientMessage) {
	switch r.phase {
	case PhasePaused:
		r.sendTo(connID, protocol.ErrorMessage("voting is paused"))
		return
	case PhaseVoting:
		// ok
	default:
		r.sendTo(connID, protocol.ErrorMessage("voting is not open"))
		return
	}

	// A vote that names an item index other than the current one raced an
	// advance. Harmless; drop it without a reply.
	if m.Index != nil && *m.Index != r.index+1 {
		return
	}

	if m.Value == consensus.Coffee {
		r.phase = PhasePaused
		r.pausedBy = username
		r.broadcast(protocol.ServerMessage{Type: protocol.TypePause, PausedBy: username})
		return
	}

	r.votes[username] = m.Value
	r.broadcastVoted()
}

func (r *Room) reveal(connID, username string) {
	if !r.requireAdmin(connID, username) {
		return
	}
	switch r.phase {
	case PhasePaused:
		r.sendTo(connID, protocol.ErrorMessage("voting is paused"))
		return
	case PhaseVoting:
		// ok
	default:
		r.sendTo(connID, protocol.ErrorMessage("nothing to reveal"))
		return
	}

	// Every online roster member must have a recorded vote. Reporting "wait"
	// is a reply to the caller, not a state change.
	for _, p := range r.roster {
		if _, voted := r.votes[p.Username]; !voted && r.online(p.Username) {
			r.sendTo(connID, protocol.ServerMessage{Type: protocol.TypeReveal, Status: "wait"})
			return
		}
	}

	res, err := consensus.Decide(r.votes, r.mode)
	if err != nil {
		// Contract violation, not a user error. The room stays usable.
		r.log.Error("aggregator precondition breached", zap.Error(err))
		r.sendTo(connID, protocol.ErrorMessage("internal error"))
		return
	}

	if res.Status == consensus.StatusRevote {
		clear(r.votes)
		r.broadcast(protocol.ServerMessage{Type: protocol.TypeReveal, Status: string(consensus.StatusRevote)})
		return
	}

	item := &r.backlog[r.index]
	item.Estimate = res.Estimate
	r.persistEstimate(connID, item.ExternalID, res.Estimate)

	clear(r.votes)
	r.index++
	done := r.index >= len(r.backlog)
	if done {
		r.phase = PhaseCompleted
	}

	out := protocol.ServerMessage{
		Type:   protocol.TypeReveal,
		Status: string(consensus.StatusValidated),
		Result: res.Estimate,
		Done:   done,
	}
	if !done {
		next := itemView(r.backlog[r.index])
		out.Next = &next
	}
	r.broadcast(out)
	r.broadcast(r.snapshot())
}

// persistEstimate writes the estimate back to the backlog store off the loop,
// with one retry. A failure is logged and surfaced to the acting admin; the
// in-memory estimate already stands either way.
func (r *Room) persistEstimate(connID, externalID, value string) {
	go func() {
		var err error
		for attempt := 0; attempt < 2; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
			err = r.store.SetEstimate(ctx, r.code, externalID, value)
			cancel()
			if err == nil {
				break
			}
		}
		if err != nil {
			select {
			case r.inbox <- estimateSaved{connID: connID, externalID: externalID, err: err}:
			case <-r.ctx.Done():
			}
		}
	}()
}

func (r *Room) resume(connID, username string) {
	if !r.requireAdmin(connID, username) {
		return
	}
	if r.phase != PhasePaused {
		r.sendTo(connID, protocol.ErrorMessage("room is not paused"))
		return
	}
	clear(r.votes)
	r.pausedBy = ""
	r.phase = PhaseVoting
	r.broadcast(protocol.ServerMessage{Type: protocol.TypeResume})
	r.broadcast(r.snapshot())
}

func (r *Room) kick(connID, username, target string) {
	if !r.requireAdmin(connID, username) {
		return
	}
	// Completed is terminal: the roster is part of the final results.
	if r.phase == PhaseCompleted {
		r.sendTo(connID, protocol.ErrorMessage("game is over"))
		return
	}
	if target == username {
		r.sendTo(connID, protocol.ErrorMessage("cannot kick yourself"))
		return
	}
	i := r.playerIndex(target)
	if i < 0 {
		r.sendTo(connID, protocol.ErrorMessage("no such player"))
		return
	}

	r.roster = append(r.roster[:i], r.roster[i+1:]...)
	delete(r.votes, target)
	for id, c := range r.clients {
		if c.username == target {
			r.trySend(id, protocol.ErrorMessage("kicked from room"))
			close(c.outbox)
			delete(r.clients, id)
		}
	}
	if len(r.clients) == 0 {
		r.emptySince = time.Now()
	}

	r.broadcast(r.snapshot())
	if r.phase == PhaseVoting {
		// Removing the last holdout can make the round ready for reveal.
		r.broadcastVoted()
	}
}

func (r *Room) promote(connID, username, target string) {
	if !r.requireAdmin(connID, username) {
		return
	}
	if r.phase == PhaseCompleted {
		r.sendTo(connID, protocol.ErrorMessage("game is over"))
		return
	}
	if target == username {
		return
	}
	ti := r.playerIndex(target)
	if ti < 0 {
		r.sendTo(connID, protocol.ErrorMessage("no such player"))
		return
	}

	// Single-admin invariant: demote and promote in one step.
	r.roster[r.playerIndex(username)].Role = RoleMember
	r.roster[ti].Role = RoleAdmin
	r.broadcast(r.snapshot())
}

func (r *Room) requireAdmin(connID, username string) bool {
	i := r.playerIndex(username)
	if i < 0 || r.roster[i].Role != RoleAdmin {
		r.sendTo(connID, protocol.ErrorMessage("admin only"))
		return false
	}
	return true
}

// --- fan-out ---

func (r *Room) broadcast(msg protocol.ServerMessage) {
	r.broadcastExcept("", msg)
}

func (r *Room) broadcastExcept(skip string, msg protocol.ServerMessage) {
	var dropped []string
	for id, c := range r.clients {
		if id == skip {
			continue
		}
		select {
		case c.outbox <- msg:
		default:
			// Cannot keep up; drop with ordinary detach semantics.
			close(c.outbox)
			delete(r.clients, id)
			dropped = append(dropped, c.username)
		}
	}
	for _, user := range dropped {
		if !r.online(user) {
			r.broadcast(protocol.PresenceMessage(user, false))
		}
	}
	if len(r.clients) == 0 && r.emptySince.IsZero() {
		r.emptySince = time.Now()
	}
}

func (r *Room) broadcastVoted() {
	online := 0
	for _, p := range r.roster {
		if r.online(p.Username) {
			online++
		}
	}
	r.broadcast(protocol.ServerMessage{
		Type:   protocol.TypeVoted,
		Voters: len(r.votes),
		Total:  online,
	})
}

func (r *Room) sendTo(connID string, msg protocol.ServerMessage) {
	r.trySend(connID, msg)
}

func (r *Room) trySend(connID string, msg protocol.ServerMessage) {
	c, ok := r.clients[connID]
	if !ok {
		return
	}
	select {
	case c.outbox <- msg:
	default:
		close(c.outbox)
		delete(r.clients, connID)
	}
}

// --- derived views ---

func (r *Room) online(username string) bool {
	for _, c := range r.clients {
		if c.username == username {
			return true
		}
	}
	return false
}

func (r *Room) playerIndex(username string) int {
	for i, p := range r.roster {
		if p.Username == username {
			return i
		}
	}
	return -1
}

func (r *Room) players() []protocol.PlayerView {
	out := make([]protocol.PlayerView, len(r.roster))
	for i, p := range r.roster {
		_, voted := r.votes[p.Username]
		out[i] = protocol.PlayerView{
			Username: p.Username,
			Role:     string(p.Role),
			Online:   r.online(p.Username),
			HasVoted: voted,
		}
	}
	return out
}

func itemView(it store.Item) protocol.ItemView {
	return protocol.ItemView{Title: it.Title, Description: it.Description, Estimate: it.Estimate}
}

func (r *Room) snapshot() protocol.ServerMessage {
	msg := protocol.ServerMessage{
		Type:     protocol.TypeSnapshot,
		Total:    len(r.backlog),
		Done:     r.phase == PhaseCompleted,
		IsPaused: r.phase == PhasePaused,
		PausedBy: r.pausedBy,
		Players:  r.players(),
	}
	if r.phase != PhaseLobby && r.index < len(r.backlog) {
		msg.Index = r.index + 1 // 1-based for the UI
		cur := itemView(r.backlog[r.index])
		msg.Current = &cur
	}
	return msg
}

func (r *Room) view() View {
	return View{
		Code:       r.code,
		Mode:       r.mode,
		Phase:      r.phase,
		Index:      r.index,
		Total:      len(r.backlog),
		PausedBy:   r.pausedBy,
		Players:    r.players(),
		NumClients: len(r.clients),
	}
}
