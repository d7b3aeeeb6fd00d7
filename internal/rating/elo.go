// Package rating holds the Elo arithmetic applied when a match result is
// finalized. The storage side lives with the Postgres repositories.
package rating

import "math"

const (
	// KFactor is the Elo sensitivity constant.
	KFactor = 32
	// InitialRating seeds every player on first encounter.
	InitialRating = 1000
)

// ExpectedScore returns the probability of the first rating beating the second
// under the symmetric logistic model.
func ExpectedScore(ratingA, ratingB int) float64 {
	exponent := float64(ratingB-ratingA) / 400.0
	return 1.0 / (1.0 + math.Pow(10.0, exponent))
}

// Apply returns the post-match rating for a player with the given expected and
// actual score (1 for a win, 0 for a loss).
func Apply(rating int, expected, score float64) int {
	return int(math.Round(float64(rating) + KFactor*(score-expected)))
}

// Outcome computes both post-match ratings for a decided game.
func Outcome(winner, loser int) (newWinner, newLoser int) {
	expectedWinner := ExpectedScore(winner, loser)
	expectedLoser := ExpectedScore(loser, winner)
	return Apply(winner, expectedWinner, 1.0), Apply(loser, expectedLoser, 0.0)
}
