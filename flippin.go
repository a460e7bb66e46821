// Flippin is a two-player memory game.
//
// Twenty cards (ten pairs) are dealt face-down. Players take turns flipping
// two cards; a pair stays face-up forever and earns the flipper a point,
// while a mismatch flips back after a short grace period and passes the
// turn. The countdown clock runs while cards are being flipped.
//
// Matching a pair pauses the clock and lets the matcher ask the opponent a
// question from their allowance; the opponent's answer is shared with the
// room and restarts the clock. The game ends when all pairs are found or
// the clock runs out; most pairs wins.
//
// Features:
// - WebSockets per room ID: /path/:roomid and /path/:roomid/ws
// - Players identified by cookie (playerID)
// - First two sessions to join get the seats; later visitors spectate
// - Configurable question allowance and bonus-question rule
// - Rematch keeps both seats and deals a fresh deck
// - Rooms auto-reaped after configurable idle timeout
// - Random 8-char room IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type  string `json:"type"`           // "join", "flip", "ask_question", "answer_question", "rematch"
	Name  string `json:"name,omitempty"` // join
	Index int    `json:"index"`          // flip
	Text  string `json:"text,omitempty"` // ask_question / answer_question
}

// SimpleMessage is for generic notifications ("reject", "reset", "time_up").
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RoomInfoMessage is sent on connect and on join, so the client knows its
// room and whether this cookie holds a seat.
type RoomInfoMessage struct {
	Type     string `json:"type"` // "room_info"
	RoomID   string `json:"room_id"`
	IsPlayer bool   `json:"is_player"`
	Name     string `json:"name,omitempty"`
}

// CardView is the client-visible slice of a Card. Face-down cards carry no
// label.
type CardView struct {
	Label    string `json:"label,omitempty"`
	Revealed bool   `json:"revealed"`
	Matched  bool   `json:"matched"`
}

type PlayerView struct {
	Name          string `json:"name"`
	Matches       int    `json:"matches"`
	QuestionsLeft int    `json:"questions_left"`
}

// StateMessage is the full room snapshot broadcast after every settled
// mutation.
type StateMessage struct {
	Type         string       `json:"type"` // "state"
	Cards        []CardView   `json:"cards"`
	Players      []PlayerView `json:"players"`
	Turn         string       `json:"turn,omitempty"`
	Remaining    int          `json:"remaining"`
	TimerRunning bool         `json:"timer_running"`
	GameOver     bool         `json:"game_over"`
	Winner       string       `json:"winner,omitempty"`
	Log          []logEntry   `json:"log"`
}

type TimerMessage struct {
	Type      string `json:"type"` // "timer"
	Remaining int    `json:"remaining"`
}

type TimerPausedMessage struct {
	Type      string `json:"type"` // "timer_paused"
	Remaining int    `json:"remaining"`
}

// AskPromptMessage is sent only to the player who just matched a pair.
type AskPromptMessage struct {
	Type          string `json:"type"` // "ask_prompt"
	QuestionsLeft int    `json:"questions_left"`
}

// QuestionMessage is sent only to the player being asked.
type QuestionMessage struct {
	Type string `json:"type"` // "question"
	From string `json:"from"`
	Text string `json:"text"`
}

// AnsweredMessage is broadcast to the whole room.
type AnsweredMessage struct {
	Type string `json:"type"` // "answered"
	From string `json:"from"`
	Text string `json:"text"`
}

type GameOverMessage struct {
	Type    string `json:"type"` // "game_over"
	Winner  string `json:"winner,omitempty"`
	Tie     bool   `json:"tie"`
	Message string `json:"message"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "flippin_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// GameManager holds a set of hubs keyed by room ID, so each $path/$roomid
// is its own isolated game.
type GameManager struct {
	mu          sync.Mutex
	cfg         *Config
	hubs        map[string]*hub
	idleTimeout time.Duration
}

func newGameManager(cfg *Config) *GameManager {
	gm := &GameManager{
		cfg:         cfg,
		hubs:        make(map[string]*hub),
		idleTimeout: cfg.sessionTimeout,
	}
	if gm.idleTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

// getHub returns the hub for a room, creating it on first use. Rooms
// remove themselves from the registry when their last player leaves.
func (gm *GameManager) getHub(roomID string) *hub {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if h, ok := gm.hubs[roomID]; ok {
		return h
	}

	h := newHub(gm.cfg, roomID, func() {
		gm.mu.Lock()
		delete(gm.hubs, roomID)
		gm.mu.Unlock()

		logf(gm.cfg, "GAMES: Room %s torn down", roomID)
	})
	gm.hubs[roomID] = h
	go h.run()
	return h
}

// newRoomID generates a crypto-random room ID and ensures it doesn't
// collide with existing rooms.
func (gm *GameManager) newRoomID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		gm.mu.Lock()
		_, exists := gm.hubs[id]
		gm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically removes hubs that have been idle longer than
// idleTimeout.
func (gm *GameManager) reaperLoop() {
	ticker := time.NewTicker(gm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-gm.idleTimeout)

		gm.mu.Lock()
		var stale []*hub
		for id, h := range gm.hubs {
			h.mu.RLock()
			last := h.lastActive
			h.mu.RUnlock()

			if last.Before(cutoff) {
				delete(gm.hubs, id)
				stale = append(stale, h)
			}
		}
		gm.mu.Unlock()

		for _, h := range stale {
			h.mu.Lock()
			alreadyClosed := h.closed
			if !alreadyClosed {
				h.teardownLocked()
			}
			h.mu.Unlock()

			if !alreadyClosed {
				close(h.done)
			}

			logf(gm.cfg, "GAMES: Reaped idle room %s", h.id)
		}
	}
}

// WebSocket handler that picks the hub based on :roomid
func serveWSForManager(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		playerID := getOrSetPlayerID(w, r)

		h := gm.getHub(roomID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 8),
			playerID: playerID,
		}

		select {
		case h.register <- client:
		case <-h.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(h)
	}
}

func (c *Client) readPump(h *hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		var target chan actionRequest
		switch msg.Type {
		case "join":
			target = h.joins
		case "flip":
			target = h.flips
		case "ask_question", "answer_question":
			target = h.qna
		case "rematch":
			target = h.rematches
		default:
			// ignore unknown types
			continue
		}

		select {
		case target <- actionRequest{client: c, msg: msg}:
		case <-h.done:
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomid")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:roomid/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed flippin/index.html
var indexHTML []byte

//go:embed flippin/app.css
var flippinCSS []byte

//go:embed flippin/app.js
var flippinJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(flippinCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(flippinJS)
	}
}

// redirectNewRoom handles GET /path by generating a new random room ID
// (with server-side collision detection) and redirecting to /path/:roomid.
func redirectNewRoom(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := gm.newRoomID()
		logf(cfg, "GAMES: Created room %s/%s", path, roomID)
		http.Redirect(w, r, cfg.prefix+path+"/"+roomID, http.StatusTemporaryRedirect)
	}
}

// registerFlippinGame sets up routes so that:
//   - $path                  → redirects to new random room (8-char ID)
//   - $path/:roomid          → HTML client
//   - $path/:roomid/ws       → WebSocket for that room
//   - $path/:roomid/qr       → PNG QR code for that room URL
func registerFlippinGame(cfg *Config, path string, mux *httprouter.Router) {
	gm := newGameManager(cfg)

	// Root path → redirect to new random room
	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, path, gm))

	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:roomid", getIndexHandler(cfg))

	// Shared assets (no roomid in route)
	mux.GET(cfg.prefix+"/assets/flippin/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/flippin/app.js", getJsHandler(cfg))

	// Per-room websocket
	mux.GET(cfg.prefix+path+"/:roomid/ws", serveWSForManager(cfg, gm))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:roomid/qr", qrHandler)
}
