package govtt

import "math/rand"

// SupportedDice lists every die a client may roll.
var SupportedDice = []int{2, 4, 6, 8, 10, 12, 20, 100}

// ValidDie reports whether sides is a supported die.
func ValidDie(sides int) bool {
	for _, d := range SupportedDice {
		if d == sides {
			return true
		}
	}
	return false
}

// RollDie samples a uniform result in [1, sides].
func RollDie(sides int) int {
	return rand.Intn(sides) + 1
}
