package main

import (
	"math/rand/v2"
)

const (
	pairCount = 10
	deckSize  = pairCount * 2
)

// cardCatalog provides the labels used to build a deck. Exactly pairCount of
// them are used per game, in catalog order, so pairId i always carries
// cardCatalog[i].
var cardCatalog = [pairCount]string{
	"lion",
	"tiger",
	"panda",
	"koala",
	"otter",
	"raven",
	"gecko",
	"bison",
	"moose",
	"heron",
}

// Card is a single face-down tile in the deck. Label and PairID never change
// after creation; Revealed and Matched are the only mutable fields.
type Card struct {
	PairID   int
	Label    string
	Revealed bool
	Matched  bool
}

// newDeck builds two cards per catalog label and shuffles them with a
// Fisher-Yates pass. rand.IntN draws uniformly, so every permutation is
// equally likely.
func newDeck() []Card {
	deck := make([]Card, 0, deckSize)
	for id, label := range cardCatalog {
		for range 2 {
			deck = append(deck, Card{
				PairID: id,
				Label:  label,
			})
		}
	}

	for i := len(deck) - 1; i > 0; i-- {
		j := rand.IntN(i + 1)
		deck[i], deck[j] = deck[j], deck[i]
	}

	return deck
}
