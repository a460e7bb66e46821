package main

import (
	"fmt"
	"sync"
	"time"
)

const maxLogEntries = 50

const (
	logInfo     = "info"
	logQuestion = "question"
	logAnswer   = "answer"
)

// logEntry is one line of a room's event feed, newest first.
type logEntry struct {
	Kind string `json:"kind"`
	By   string `json:"by,omitempty"`
	Text string `json:"text"`
}

// player is a seat at the table. sessionID is the cookie identity of the
// person holding it.
type player struct {
	sessionID      string
	name           string
	matches        int
	questionsAsked int
	bonusQuestions int
	lastBonusAt    int
}

type actionRequest struct {
	client *Client
	msg    ClientMessage
}

// hub owns all mutable state of one room. Client actions are funneled
// through channels and drained by run(), but every mutation also takes mu,
// so the deferred tasks (clock tick, flip-back, reaper inspection) serialize
// with them.
type hub struct {
	id  string
	cfg *Config

	clients map[*Client]bool
	players []*player

	deck    []Card
	flipped []int
	current int
	clock   countdown
	log     []logEntry

	gameOver bool
	winner   string

	// flipGen is bumped whenever pending flip-back tasks must be abandoned
	// (game over, rematch, teardown). A task re-checks it before applying.
	flipGen uint64
	closed  bool

	register  chan *Client
	unreg     chan *Client
	joins     chan actionRequest
	flips     chan actionRequest
	qna       chan actionRequest
	rematches chan actionRequest
	done      chan struct{}

	drop func()

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time
}

// newHub creates a room with a fresh shuffled deck and a stopped clock.
// drop removes the room from its registry and is called (outside the lock)
// when the last player leaves.
func newHub(cfg *Config, roomID string, drop func()) *hub {
	now := time.Now()
	return &hub{
		id:      roomID,
		cfg:     cfg,
		clients: make(map[*Client]bool),
		deck:    newDeck(),
		clock: countdown{
			remaining: cfg.gameSeconds,
		},
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		joins:      make(chan actionRequest),
		flips:      make(chan actionRequest),
		qna:        make(chan actionRequest),
		rematches:  make(chan actionRequest),
		done:       make(chan struct{}),
		drop:       drop,
		createdAt:  now,
		lastActive: now,
	}
}

func (h *hub) run() {
	for {
		select {
		case <-h.done:
			return

		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unreg:
			h.handleUnregister(c)

		case ar := <-h.joins:
			h.handleJoin(ar)

		case ar := <-h.flips:
			h.handleFlip(ar)

		case ar := <-h.qna:
			switch ar.msg.Type {
			case "ask_question":
				h.handleAsk(ar)
			case "answer_question":
				h.handleAnswer(ar)
			}

		case ar := <-h.rematches:
			h.handleRematch(ar)
		}
	}
}

func (h *hub) playerBySessionLocked(sessionID string) *player {
	for _, p := range h.players {
		if p.sessionID == sessionID {
			return p
		}
	}
	return nil
}

func (h *hub) otherPlayerLocked(p *player) *player {
	for _, q := range h.players {
		if q != p {
			return q
		}
	}
	return nil
}

func (h *hub) questionsLeftLocked(p *player) int {
	left := h.cfg.questions + p.bonusQuestions - p.questionsAsked
	if left < 0 {
		left = 0
	}
	return left
}

func (h *hub) appendLogLocked(kind, by, text string) {
	h.log = append([]logEntry{{Kind: kind, By: by, Text: text}}, h.log...)
	if len(h.log) > maxLogEntries {
		h.log = h.log[:maxLogEntries]
	}
}

// sendLocked queues a message for one client, dropping the client if its
// send buffer is full.
func (h *hub) sendLocked(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) broadcastLocked(msg any) {
	for c := range h.clients {
		h.sendLocked(c, msg)
	}
}

// sendToSessionLocked delivers a message to every connection held by one
// session, and nobody else.
func (h *hub) sendToSessionLocked(sessionID string, msg any) {
	for c := range h.clients {
		if c.playerID == sessionID {
			h.sendLocked(c, msg)
		}
	}
}

func (h *hub) stateLocked() StateMessage {
	cards := make([]CardView, len(h.deck))
	for i, card := range h.deck {
		cards[i] = CardView{
			Revealed: card.Revealed,
			Matched:  card.Matched,
		}
		// Face-down labels stay server-side.
		if card.Revealed || card.Matched {
			cards[i].Label = card.Label
		}
	}

	players := make([]PlayerView, len(h.players))
	for i, p := range h.players {
		players[i] = PlayerView{
			Name:          p.name,
			Matches:       p.matches,
			QuestionsLeft: h.questionsLeftLocked(p),
		}
	}

	var turn string
	if !h.gameOver && len(h.players) == 2 {
		turn = h.players[h.current].name
	}

	return StateMessage{
		Type:         "state",
		Cards:        cards,
		Players:      players,
		Turn:         turn,
		Remaining:    h.clock.remaining,
		TimerRunning: h.clock.running,
		GameOver:     h.gameOver,
		Winner:       h.winner,
		Log:          h.log,
	}
}

func (h *hub) broadcastStateLocked() {
	h.broadcastLocked(h.stateLocked())
}

func (h *hub) rejectLocked(c *Client, text string) {
	h.sendLocked(c, SimpleMessage{
		Type:    "reject",
		Message: text,
	})
}

// handleRegister attaches a new connection and sends it the room identity
// plus a full state snapshot.
func (h *hub) handleRegister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()
	h.clients[c] = true

	p := h.playerBySessionLocked(c.playerID)
	info := RoomInfoMessage{
		Type:   "room_info",
		RoomID: h.id,
	}
	if p != nil {
		info.IsPlayer = true
		info.Name = p.name
	}

	h.sendLocked(c, info)
	h.sendLocked(c, h.stateLocked())
}

// handleUnregister detaches a connection. If it was the session's last
// connection and that session held a seat, the player leaves the game.
func (h *hub) handleUnregister(c *Client) {
	h.mu.Lock()

	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)

	h.lastActive = time.Now()

	stillConnected := false
	for other := range h.clients {
		if other.playerID == c.playerID {
			stillConnected = true
			break
		}
	}

	wasPlayer := false
	if p := h.playerBySessionLocked(c.playerID); p != nil && !stillConnected {
		h.playerLeaveLocked(p)
		wasPlayer = true
	}

	teardown := wasPlayer && len(h.players) == 0 && !h.closed
	if teardown {
		h.teardownLocked()
	}

	h.mu.Unlock()

	// drop takes the registry lock, so it runs outside ours.
	if teardown {
		h.drop()
		close(h.done)
	}
}

// playerLeaveLocked removes a seat. A one-handed game cannot continue, so a
// mid-game departure ends the game for whoever remains.
func (h *hub) playerLeaveLocked(p *player) {
	dst := h.players[:0]
	for _, q := range h.players {
		if q != p {
			dst = append(dst, q)
		}
	}
	h.players = dst

	if h.current >= len(h.players) {
		h.current = 0
	}

	h.appendLogLocked(logInfo, "", p.name+" disconnected.")
	h.pauseClockLocked()

	if len(h.players) < 2 && !h.gameOver {
		h.gameOver = true
		h.flipGen++
	}

	h.broadcastStateLocked()

	logf(h.cfg, "GAMES: Player %q left %s", p.name, h.id)
}

func (h *hub) teardownLocked() {
	h.closed = true
	h.flipGen++
	h.stopClockLocked()

	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		delete(h.clients, c)
	}
}

// handleJoin seats a session, if there is room for it. Rejoining sessions
// keep their seat; everyone else is told the room is full.
func (h *hub) handleJoin(ar actionRequest) {
	c := ar.client

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || c.playerID == "" {
		return
	}

	h.lastActive = time.Now()

	if h.playerBySessionLocked(c.playerID) != nil {
		h.sendLocked(c, h.stateLocked())
		return
	}

	if len(h.players) >= 2 {
		h.rejectLocked(c, "This room already has two players.")
		return
	}

	name := ar.msg.Name
	if name == "" {
		name = fmt.Sprintf("Player %d", len(h.players)+1)
	}

	h.players = append(h.players, &player{
		sessionID: c.playerID,
		name:      name,
	})

	h.appendLogLocked(logInfo, "", name+" joined the game.")
	logf(h.cfg, "GAMES: Player %q joined %s", name, h.id)

	h.sendLocked(c, RoomInfoMessage{
		Type:     "room_info",
		RoomID:   h.id,
		IsPlayer: true,
		Name:     name,
	})

	if len(h.players) == 2 && !h.gameOver {
		h.startClockLocked()
	}

	h.broadcastStateLocked()
}

// handleFlip turns one card face-up and, when it is the second card of the
// turn, resolves the pair.
func (h *hub) handleFlip(ar actionRequest) {
	c := ar.client

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.lastActive = time.Now()

	if h.gameOver {
		h.rejectLocked(c, "The game is over.")
		return
	}
	if len(h.players) < 2 {
		h.rejectLocked(c, "Waiting for a second player.")
		return
	}

	p := h.playerBySessionLocked(c.playerID)
	if p == nil {
		h.rejectLocked(c, "You are not playing in this room.")
		return
	}
	if h.players[h.current] != p {
		h.rejectLocked(c, "It is not your turn.")
		return
	}
	if len(h.flipped) >= 2 {
		h.rejectLocked(c, "Two cards are already face-up.")
		return
	}

	idx := ar.msg.Index
	if idx < 0 || idx >= len(h.deck) {
		h.rejectLocked(c, "No such card.")
		return
	}
	if h.deck[idx].Revealed || h.deck[idx].Matched {
		h.rejectLocked(c, "That card is already face-up.")
		return
	}

	h.deck[idx].Revealed = true
	h.flipped = append(h.flipped, idx)
	h.broadcastStateLocked()

	if len(h.flipped) < 2 {
		return
	}

	a, b := h.flipped[0], h.flipped[1]

	if h.deck[a].PairID == h.deck[b].PairID {
		h.resolveMatchLocked(p, a, b)
		return
	}

	// Leave both cards face-up for the grace period, then flip them back
	// and pass the turn. flipped stays at length 2 so further flips are
	// rejected until the task fires.
	go h.scheduleFlipBack(h.flipGen, a, b)
}

func (h *hub) resolveMatchLocked(p *player, a, b int) {
	h.deck[a].Matched = true
	h.deck[b].Matched = true
	h.flipped = h.flipped[:0]

	p.matches++

	if h.cfg.bonusEvery > 0 && p.matches%h.cfg.bonusEvery == 0 && p.lastBonusAt != p.matches {
		p.bonusQuestions++
		p.lastBonusAt = p.matches
		h.appendLogLocked(logInfo, "", p.name+" earned a bonus question!")
	}

	h.appendLogLocked(logInfo, "", p.name+" matched a pair of "+h.deck[a].Label+"s!")
	h.pauseClockLocked()
	h.broadcastStateLocked()

	h.sendToSessionLocked(p.sessionID, AskPromptMessage{
		Type:          "ask_prompt",
		QuestionsLeft: h.questionsLeftLocked(p),
	})

	h.evaluateEndLocked()
	if h.gameOver {
		h.broadcastStateLocked()
	}

	logf(h.cfg, "GAMES: %q matched %q in %s", p.name, h.deck[a].Label, h.id)
}

// scheduleFlipBack waits out the grace period, then flips both cards back
// down and passes the turn. The room may have moved on (game over, rematch,
// teardown) while we slept, so the generation is re-checked before anything
// is touched.
func (h *hub) scheduleFlipBack(gen uint64, a, b int) {
	time.Sleep(h.cfg.flipDelay)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.gameOver || h.flipGen != gen || len(h.flipped) != 2 {
		return
	}

	h.deck[a].Revealed = false
	h.deck[b].Revealed = false
	h.flipped = h.flipped[:0]

	h.current = 1 - h.current
	h.appendLogLocked(logInfo, "", "No match. "+h.players[h.current].name+"'s turn.")
	h.broadcastStateLocked()
}

// handleAsk spends one of the asker's questions and delivers it to the
// other player only.
func (h *hub) handleAsk(ar actionRequest) {
	c := ar.client

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || ar.msg.Text == "" {
		return
	}

	h.lastActive = time.Now()

	p := h.playerBySessionLocked(c.playerID)
	if p == nil {
		h.rejectLocked(c, "You are not playing in this room.")
		return
	}
	if h.questionsLeftLocked(p) <= 0 {
		h.rejectLocked(c, "You have no questions left.")
		return
	}

	p.questionsAsked++
	h.appendLogLocked(logQuestion, p.name, ar.msg.Text)

	if other := h.otherPlayerLocked(p); other != nil {
		h.sendToSessionLocked(other.sessionID, QuestionMessage{
			Type: "question",
			From: p.name,
			Text: ar.msg.Text,
		})
	}
}

// handleAnswer publishes the answer to the whole room and, if the game is
// still on, resumes the clock.
func (h *hub) handleAnswer(ar actionRequest) {
	c := ar.client

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || ar.msg.Text == "" {
		return
	}

	h.lastActive = time.Now()

	p := h.playerBySessionLocked(c.playerID)
	if p == nil {
		h.rejectLocked(c, "You are not playing in this room.")
		return
	}

	h.appendLogLocked(logAnswer, p.name, ar.msg.Text)
	h.broadcastLocked(AnsweredMessage{
		Type: "answered",
		From: p.name,
		Text: ar.msg.Text,
	})

	if !h.gameOver {
		h.startClockLocked()
	}

	h.broadcastStateLocked()
}

// handleRematch resets the room to a brand-new game while keeping both
// seats and display names.
func (h *hub) handleRematch(ar actionRequest) {
	c := ar.client

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.lastActive = time.Now()

	if h.playerBySessionLocked(c.playerID) == nil {
		h.rejectLocked(c, "You are not playing in this room.")
		return
	}
	if len(h.players) != 2 {
		h.rejectLocked(c, "A rematch needs exactly two players.")
		return
	}

	h.stopClockLocked()
	h.flipGen++

	h.deck = newDeck()
	h.flipped = nil
	h.current = 0
	h.gameOver = false
	h.winner = ""
	h.log = nil
	h.clock.remaining = h.cfg.gameSeconds

	for _, p := range h.players {
		p.matches = 0
		p.questionsAsked = 0
		p.bonusQuestions = 0
		p.lastBonusAt = 0
	}

	h.appendLogLocked(logInfo, "", "Rematch! New deck dealt.")
	h.broadcastLocked(SimpleMessage{
		Type:    "reset",
		Message: "Rematch! New deck dealt.",
	})

	h.startClockLocked()
	h.broadcastStateLocked()

	logf(h.cfg, "GAMES: Rematch started in %s", h.id)
}

// evaluateEndLocked declares the game over once every pair is found or the
// clock has run out. It fires at most once per game.
func (h *hub) evaluateEndLocked() {
	if h.gameOver {
		return
	}

	total := 0
	for _, p := range h.players {
		total += p.matches
	}

	if total < pairCount && h.clock.remaining > 0 {
		return
	}

	h.gameOver = true
	h.flipGen++
	h.stopClockLocked()

	tie := true
	if len(h.players) == 2 {
		switch {
		case h.players[0].matches > h.players[1].matches:
			h.winner = h.players[0].name
			tie = false
		case h.players[1].matches > h.players[0].matches:
			h.winner = h.players[1].name
			tie = false
		}
	}

	text := "The game ended in a tie."
	if !tie {
		text = h.winner + " wins!"
	}
	h.appendLogLocked(logInfo, "", text)

	h.broadcastLocked(GameOverMessage{
		Type:    "game_over",
		Winner:  h.winner,
		Tie:     tie,
		Message: text,
	})

	logf(h.cfg, "GAMES: Game over in %s: %s", h.id, text)
}
