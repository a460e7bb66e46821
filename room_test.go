package main

import (
	"testing"
	"time"
)

func testConfig() *Config {
	return &Config{
		bonusEvery:  3,
		flipDelay:   20 * time.Millisecond,
		gameSeconds: 120,
		questions:   5,
	}
}

func newTestClient(sessionID string) *Client {
	return &Client{
		send:     make(chan any, 256),
		playerID: sessionID,
	}
}

// newTestRoom returns a hub with Alice and Bob seated and their messages
// drained, ready for the game to start. Alice has the first turn.
func newTestRoom(t *testing.T) (*hub, *Client, *Client) {
	t.Helper()

	h := newHub(testConfig(), "testroom", func() {})

	a := newTestClient("sess-a")
	b := newTestClient("sess-b")

	h.handleRegister(a)
	h.handleRegister(b)
	h.handleJoin(actionRequest{client: a, msg: ClientMessage{Type: "join", Name: "Alice"}})
	h.handleJoin(actionRequest{client: b, msg: ClientMessage{Type: "join", Name: "Bob"}})

	t.Cleanup(func() {
		h.mu.Lock()
		h.stopClockLocked()
		h.mu.Unlock()
	})

	drain(a)
	drain(b)

	return h, a, b
}

func flip(h *hub, c *Client, index int) {
	h.handleFlip(actionRequest{client: c, msg: ClientMessage{Type: "flip", Index: index}})
}

// drain empties a client's send buffer and returns what was queued.
func drain(c *Client) []any {
	var msgs []any
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func findMessage[T any](msgs []any) (T, bool) {
	for _, msg := range msgs {
		if typed, ok := msg.(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}

// pairIndices returns the two indices of one pair, and the index of a card
// from a different pair.
func pairIndices(h *hub) (first, second, odd int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	first, second, odd = -1, -1, -1
	for i, card := range h.deck {
		if first == -1 {
			first = i
			continue
		}
		if card.PairID == h.deck[first].PairID {
			second = i
		} else if odd == -1 {
			odd = i
		}
	}
	return first, second, odd
}

func TestJoinSeatsTwoPlayers(t *testing.T) {
	h := newHub(testConfig(), "joinroom", func() {})

	a := newTestClient("sess-a")
	h.handleRegister(a)

	info, ok := findMessage[RoomInfoMessage](drain(a))
	if !ok {
		t.Fatal("no room_info sent on connect")
	}
	if info.RoomID != "joinroom" || info.IsPlayer {
		t.Errorf("unexpected room_info before joining: %+v", info)
	}

	h.handleJoin(actionRequest{client: a, msg: ClientMessage{Type: "join", Name: "Alice"}})

	h.mu.RLock()
	running := h.clock.running
	seats := len(h.players)
	h.mu.RUnlock()

	if seats != 1 {
		t.Fatalf("expected 1 seat after first join, got %d", seats)
	}
	if running {
		t.Error("clock started with only one player")
	}

	b := newTestClient("sess-b")
	h.handleRegister(b)
	h.handleJoin(actionRequest{client: b, msg: ClientMessage{Type: "join"}})

	h.mu.Lock()
	running = h.clock.running
	seats = len(h.players)
	second := ""
	if seats == 2 {
		second = h.players[1].name
	}
	h.stopClockLocked()
	h.mu.Unlock()

	if seats != 2 {
		t.Fatalf("expected 2 seats, got %d", seats)
	}
	if second != "Player 2" {
		t.Errorf("generated name = %q, want %q", second, "Player 2")
	}
	if !running {
		t.Error("clock did not start once both seats filled")
	}

	// A third session watches but cannot sit down.
	c := newTestClient("sess-c")
	h.handleRegister(c)
	drain(c)
	h.handleJoin(actionRequest{client: c, msg: ClientMessage{Type: "join", Name: "Carol"}})

	if msg, ok := findMessage[SimpleMessage](drain(c)); !ok || msg.Type != "reject" {
		t.Error("third join was not rejected")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.players) != 2 {
		t.Errorf("third join changed the seats: %d", len(h.players))
	}
}

func TestFlipRejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *hub, a, b *Client) (*Client, int)
	}{
		{
			name: "spectator",
			setup: func(h *hub, a, b *Client) (*Client, int) {
				c := newTestClient("sess-c")
				h.handleRegister(c)
				drain(c)
				return c, 0
			},
		},
		{
			name: "out of turn",
			setup: func(h *hub, a, b *Client) (*Client, int) {
				return b, 0
			},
		},
		{
			name: "index out of range",
			setup: func(h *hub, a, b *Client) (*Client, int) {
				return a, deckSize
			},
		},
		{
			name: "negative index",
			setup: func(h *hub, a, b *Client) (*Client, int) {
				return a, -1
			},
		},
		{
			name: "card already face-up",
			setup: func(h *hub, a, b *Client) (*Client, int) {
				flip(h, a, 0)
				drain(a)
				return a, 0
			},
		},
		{
			name: "game over",
			setup: func(h *hub, a, b *Client) (*Client, int) {
				h.mu.Lock()
				h.gameOver = true
				h.mu.Unlock()
				return a, 0
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, a, b := newTestRoom(t)
			c, index := tc.setup(h, a, b)

			h.mu.RLock()
			flippedBefore := len(h.flipped)
			h.mu.RUnlock()

			flip(h, c, index)

			if msg, ok := findMessage[SimpleMessage](drain(c)); !ok || msg.Type != "reject" {
				t.Error("invalid flip was not rejected")
			}

			h.mu.RLock()
			defer h.mu.RUnlock()
			if len(h.flipped) != flippedBefore {
				t.Errorf("invalid flip changed state: %d face-up, want %d", len(h.flipped), flippedBefore)
			}
		})
	}
}

func TestFlipRejectedWithoutOpponent(t *testing.T) {
	h := newHub(testConfig(), "soloroom", func() {})
	a := newTestClient("sess-a")
	h.handleRegister(a)
	h.handleJoin(actionRequest{client: a, msg: ClientMessage{Type: "join", Name: "Alice"}})
	drain(a)

	flip(h, a, 0)

	if msg, ok := findMessage[SimpleMessage](drain(a)); !ok || msg.Type != "reject" {
		t.Error("solo flip was not rejected")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.deck[0].Revealed {
		t.Error("solo flip revealed a card")
	}
}

func TestMatchPausesClockAndPrompts(t *testing.T) {
	h, a, b := newTestRoom(t)
	first, second, _ := pairIndices(h)

	flip(h, a, first)
	flip(h, a, second)

	h.mu.RLock()
	if !h.deck[first].Matched || !h.deck[second].Matched {
		t.Error("matched cards were not marked")
	}
	if h.players[0].matches != 1 {
		t.Errorf("matchCount = %d, want 1", h.players[0].matches)
	}
	if len(h.flipped) != 0 {
		t.Errorf("flipped not cleared after match: %v", h.flipped)
	}
	if h.clock.running {
		t.Error("clock still running after match")
	}
	if h.players[h.current].name != "Alice" {
		t.Error("matching a pair should not pass the turn")
	}
	h.mu.RUnlock()

	prompt, ok := findMessage[AskPromptMessage](drain(a))
	if !ok {
		t.Fatal("matcher was not prompted for a question")
	}
	if prompt.QuestionsLeft != 5 {
		t.Errorf("prompt shows %d questions left, want 5", prompt.QuestionsLeft)
	}

	if _, ok := findMessage[AskPromptMessage](drain(b)); ok {
		t.Error("ask prompt leaked to the opponent")
	}
}

func TestMatchedCardCannotBeFlippedAgain(t *testing.T) {
	h, a, _ := newTestRoom(t)
	first, second, _ := pairIndices(h)

	flip(h, a, first)
	flip(h, a, second)
	drain(a)

	flip(h, a, first)

	if msg, ok := findMessage[SimpleMessage](drain(a)); !ok || msg.Type != "reject" {
		t.Error("flipping a matched card was not rejected")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.deck[first].Matched {
		t.Error("matched card lost its matched flag")
	}
}

func TestNoMatchFlipsBackAndPassesTurn(t *testing.T) {
	h, a, _ := newTestRoom(t)
	first, _, odd := pairIndices(h)

	flip(h, a, first)
	flip(h, a, odd)

	h.mu.RLock()
	if len(h.flipped) != 2 {
		t.Fatalf("expected 2 cards face-up during grace period, got %d", len(h.flipped))
	}
	h.mu.RUnlock()

	// A third flip inside the grace period is rejected.
	drain(a)
	flip(h, a, (odd+1)%deckSize)
	if msg, ok := findMessage[SimpleMessage](drain(a)); !ok || msg.Type != "reject" {
		t.Error("flip during grace period was not rejected")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		settled := len(h.flipped) == 0
		h.mu.RUnlock()
		if settled {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.deck[first].Revealed || h.deck[odd].Revealed {
		t.Error("unmatched cards stayed face-up after the grace period")
	}
	if h.players[h.current].name != "Bob" {
		t.Error("turn did not pass to the other player")
	}
	if len(h.log) == 0 || h.log[0].Kind != logInfo {
		t.Error("no info log entry recorded for the missed pair")
	}
}

func TestAskDeliversToOpponentOnly(t *testing.T) {
	h, a, b := newTestRoom(t)
	first, second, _ := pairIndices(h)

	flip(h, a, first)
	flip(h, a, second)
	drain(a)
	drain(b)

	h.handleAsk(actionRequest{client: a, msg: ClientMessage{Type: "ask_question", Text: "Cats or dogs?"}})

	question, ok := findMessage[QuestionMessage](drain(b))
	if !ok {
		t.Fatal("question was not delivered to the opponent")
	}
	if question.From != "Alice" || question.Text != "Cats or dogs?" {
		t.Errorf("unexpected question: %+v", question)
	}

	if _, ok := findMessage[QuestionMessage](drain(a)); ok {
		t.Error("question echoed back to the asker")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.players[0].questionsAsked != 1 {
		t.Errorf("questionsAsked = %d, want 1", h.players[0].questionsAsked)
	}
}

func TestAnswerBroadcastsAndResumesClock(t *testing.T) {
	h, a, b := newTestRoom(t)
	first, second, _ := pairIndices(h)

	flip(h, a, first)
	flip(h, a, second)
	h.handleAsk(actionRequest{client: a, msg: ClientMessage{Type: "ask_question", Text: "Cats or dogs?"}})
	drain(a)
	drain(b)

	h.handleAnswer(actionRequest{client: b, msg: ClientMessage{Type: "answer_question", Text: "Dogs."}})

	for _, c := range []*Client{a, b} {
		answered, ok := findMessage[AnsweredMessage](drain(c))
		if !ok {
			t.Fatal("answer was not broadcast to the whole room")
		}
		if answered.From != "Bob" || answered.Text != "Dogs." {
			t.Errorf("unexpected answer: %+v", answered)
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clock.running {
		t.Error("clock did not resume after the answer")
	}
}

func TestQuestionAllowanceIsEnforced(t *testing.T) {
	h, a, _ := newTestRoom(t)

	h.mu.Lock()
	h.players[0].questionsAsked = h.cfg.questions
	h.mu.Unlock()

	h.handleAsk(actionRequest{client: a, msg: ClientMessage{Type: "ask_question", Text: "One more?"}})

	if msg, ok := findMessage[SimpleMessage](drain(a)); !ok || msg.Type != "reject" {
		t.Error("ask beyond the allowance was not rejected")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.players[0].questionsAsked != h.cfg.questions {
		t.Error("rejected ask still consumed a question")
	}
	if h.questionsLeftLocked(h.players[0]) != 0 {
		t.Errorf("questionsLeft = %d, want 0", h.questionsLeftLocked(h.players[0]))
	}
}

func TestBonusQuestionRule(t *testing.T) {
	tests := []struct {
		name       string
		bonusEvery int
		matches    int
		wantBonus  int
	}{
		{name: "third match grants bonus", bonusEvery: 3, matches: 2, wantBonus: 1},
		{name: "second match does not", bonusEvery: 3, matches: 1, wantBonus: 0},
		{name: "rule disabled", bonusEvery: 0, matches: 2, wantBonus: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, a, _ := newTestRoom(t)
			h.cfg.bonusEvery = tc.bonusEvery

			h.mu.Lock()
			h.players[0].matches = tc.matches
			h.mu.Unlock()

			first, second, _ := pairIndices(h)
			flip(h, a, first)
			flip(h, a, second)

			h.mu.RLock()
			defer h.mu.RUnlock()
			if h.players[0].bonusQuestions != tc.wantBonus {
				t.Errorf("bonusQuestions = %d, want %d", h.players[0].bonusQuestions, tc.wantBonus)
			}
			if tc.wantBonus > 0 && h.players[0].lastBonusAt != h.players[0].matches {
				t.Error("bonus grant not recorded against the match count")
			}
		})
	}
}

func TestGameOverWhenAllPairsFound(t *testing.T) {
	h, a, _ := newTestRoom(t)

	// Fast-forward: everything but one pair is already matched.
	h.mu.Lock()
	first, second := -1, -1
	for i := range h.deck {
		if h.deck[i].PairID == 0 {
			if first == -1 {
				first = i
			} else {
				second = i
			}
			continue
		}
		h.deck[i].Matched = true
	}
	h.players[0].matches = 5
	h.players[1].matches = 4
	h.mu.Unlock()

	flip(h, a, first)
	flip(h, a, second)

	h.mu.RLock()
	if !h.gameOver {
		t.Fatal("game did not end when the last pair was found")
	}
	if h.clock.running {
		t.Error("clock still running after game over")
	}
	if h.winner != "Alice" {
		t.Errorf("winner = %q, want Alice", h.winner)
	}
	h.mu.RUnlock()

	over, ok := findMessage[GameOverMessage](drain(a))
	if !ok {
		t.Fatal("no game_over was broadcast")
	}
	if over.Winner != "Alice" || over.Tie {
		t.Errorf("unexpected game_over: %+v", over)
	}
}

func TestGameOverTie(t *testing.T) {
	h, a, _ := newTestRoom(t)

	h.mu.Lock()
	h.players[0].matches = 5
	h.players[1].matches = 5
	h.clock.remaining = 0
	h.evaluateEndLocked()
	h.mu.Unlock()

	over, ok := findMessage[GameOverMessage](drain(a))
	if !ok {
		t.Fatal("no game_over was broadcast")
	}
	if !over.Tie || over.Winner != "" {
		t.Errorf("expected a tie, got %+v", over)
	}
}

func TestGameOverFiresOnce(t *testing.T) {
	h, a, _ := newTestRoom(t)

	h.mu.Lock()
	h.players[0].matches = pairCount
	h.evaluateEndLocked()
	h.evaluateEndLocked()
	h.clock.remaining = 0
	h.evaluateEndLocked()
	h.mu.Unlock()

	count := 0
	for _, msg := range drain(a) {
		if _, ok := msg.(GameOverMessage); ok {
			count++
		}
	}
	if count != 1 {
		t.Errorf("game_over broadcast %d times, want 1", count)
	}
}

func TestRematchResetsEverythingButSeats(t *testing.T) {
	h, a, b := newTestRoom(t)
	first, second, _ := pairIndices(h)

	flip(h, a, first)
	flip(h, a, second)

	h.mu.Lock()
	h.players[0].questionsAsked = 2
	h.players[1].bonusQuestions = 1
	h.mu.Unlock()

	drain(a)
	drain(b)

	h.handleRematch(actionRequest{client: a, msg: ClientMessage{Type: "rematch"}})

	h.mu.Lock()
	defer func() {
		h.stopClockLocked()
		h.mu.Unlock()
	}()

	for i, card := range h.deck {
		if card.Matched || card.Revealed {
			t.Errorf("card %d still face-up after rematch", i)
		}
	}
	for _, p := range h.players {
		if p.matches != 0 || p.questionsAsked != 0 || p.bonusQuestions != 0 || p.lastBonusAt != 0 {
			t.Errorf("player %q counters not reset: %+v", p.name, *p)
		}
	}
	if h.players[0].name != "Alice" || h.players[1].name != "Bob" {
		t.Error("display names not preserved across rematch")
	}
	if h.clock.remaining != h.cfg.gameSeconds {
		t.Errorf("clock at %d after rematch, want %d", h.clock.remaining, h.cfg.gameSeconds)
	}
	if !h.clock.running {
		t.Error("clock not restarted after rematch")
	}
	if h.gameOver {
		t.Error("gameOver still set after rematch")
	}

	if msg, ok := findMessage[SimpleMessage](drain(a)); !ok || msg.Type != "reset" {
		t.Error("no reset signal was broadcast")
	}
}

func TestRematchNeedsTwoPlayers(t *testing.T) {
	h := newHub(testConfig(), "rematch1", func() {})
	a := newTestClient("sess-a")
	h.handleRegister(a)
	h.handleJoin(actionRequest{client: a, msg: ClientMessage{Type: "join", Name: "Alice"}})
	drain(a)

	h.handleRematch(actionRequest{client: a, msg: ClientMessage{Type: "rematch"}})

	if msg, ok := findMessage[SimpleMessage](drain(a)); !ok || msg.Type != "reject" {
		t.Error("one-player rematch was not rejected")
	}
}

func TestDisconnectEndsGameForRemainingPlayer(t *testing.T) {
	h, a, b := newTestRoom(t)

	h.handleUnregister(b)

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.players) != 1 {
		t.Fatalf("expected 1 seat after disconnect, got %d", len(h.players))
	}
	if h.players[0].name != "Alice" {
		t.Error("wrong player removed")
	}
	if !h.gameOver {
		t.Error("game not marked over after mid-game disconnect")
	}
	if h.clock.running {
		t.Error("clock still running after disconnect")
	}

	state, ok := findMessage[StateMessage](drain(a))
	if !ok {
		t.Fatal("no state broadcast after disconnect")
	}
	if !state.GameOver {
		t.Error("remaining player's view does not show game over")
	}
}

func TestLastDisconnectTearsDownRoom(t *testing.T) {
	dropped := false
	h := newHub(testConfig(), "teardown", func() { dropped = true })

	a := newTestClient("sess-a")
	h.handleRegister(a)
	h.handleJoin(actionRequest{client: a, msg: ClientMessage{Type: "join", Name: "Alice"}})

	h.handleUnregister(a)

	if !dropped {
		t.Error("room was not dropped from the registry")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.closed {
		t.Error("room not closed after last disconnect")
	}
	if h.clock.running {
		t.Error("clock task leaked past teardown")
	}

	select {
	case <-h.done:
	default:
		t.Error("room loop not signalled to exit")
	}
}

func TestPendingFlipBackSkippedAfterRematch(t *testing.T) {
	h, a, _ := newTestRoom(t)
	first, _, odd := pairIndices(h)

	flip(h, a, first)
	flip(h, a, odd)

	// Rematch while the flip-back is still pending; the stale task must
	// leave the fresh deck alone.
	h.handleRematch(actionRequest{client: a, msg: ClientMessage{Type: "rematch"}})

	time.Sleep(h.cfg.flipDelay + 50*time.Millisecond)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for i, card := range h.deck {
		if card.Revealed {
			t.Errorf("stale flip-back touched card %d of the new deck", i)
		}
	}
	if h.players[h.current].name != "Alice" {
		t.Error("stale flip-back passed the turn in the new game")
	}
}
