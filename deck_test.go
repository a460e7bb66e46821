package main

import (
	"testing"
)

func TestNewDeckComposition(t *testing.T) {
	deck := newDeck()

	if len(deck) != deckSize {
		t.Fatalf("expected %d cards, got %d", deckSize, len(deck))
	}

	counts := make(map[int]int)
	for _, card := range deck {
		counts[card.PairID]++

		if card.Revealed || card.Matched {
			t.Errorf("card %q dealt face-up", card.Label)
		}
		if card.Label != cardCatalog[card.PairID] {
			t.Errorf("pair %d carries label %q, want %q", card.PairID, card.Label, cardCatalog[card.PairID])
		}
	}

	for id := range pairCount {
		if counts[id] != 2 {
			t.Errorf("pair %d appears %d times, want 2", id, counts[id])
		}
	}
}

func TestNewDeckShuffles(t *testing.T) {
	first := newDeck()

	// 20 cards have far too many permutations for five identical deals to
	// happen by chance.
	for range 5 {
		next := newDeck()
		for i := range next {
			if next[i].PairID != first[i].PairID {
				return
			}
		}
	}

	t.Fatal("five consecutive deals produced the same card order")
}
