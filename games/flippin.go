package games

// Flippin is a timed memory game for exactly two players.
// Twenty cards (ten pairs of animals) are dealt face-down in a shared room.
// Players alternate turns flipping two cards at a time.

// Rules:
// - A matched pair stays face-up and scores a point for the flipper
// - A mismatch flips back after a short grace period; the turn passes
// - Matching a pair pauses the clock and earns the right to ask the
//   opponent one question from a limited allowance
// - The opponent's answer is shared with the room and restarts the clock
// - Optionally, every Nth match grants one bonus question
// - Most pairs when the deck or the clock runs out wins; equal counts tie

// Implementation details:
// - One websocket room per /flip/:roomid, created lazily on first visit
// - Players identified by cookie on first connection
// - Room is torn down when its last player disconnects
// - A player leaving mid-game ends the game for whoever remains
