package reconcile

import (
	"strings"

	"breakerpay/internal/models"
)

const fuzzyThreshold = 3

// tokenize splits a local entity name on the usual separators and
// lowercases the pieces. Single-character tokens (phase qualifiers like the
// "a" in phase_a_power) are dropped: they substring-match nearly everything.
func tokenize(local string) []string {
	raw := strings.FieldsFunc(strings.ToLower(local), func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	})
	toks := raw[:0]
	for _, tok := range raw {
		if len(tok) >= 2 {
			toks = append(toks, tok)
		}
	}
	return toks
}

// scoreBreaker rates how well the tokens of an entity name fit one breaker:
// +2 when any token appears in the breaker id, +2 for the display name,
// +3 per configured metric entity containing a token, +1 for the card id.
func scoreBreaker(b *models.Breaker, toks []string) int {
	score := 0
	if anyTokenIn(b.ID, toks) {
		score += 2
	}
	if b.Nombre != "" && anyTokenIn(b.Nombre, toks) {
		score += 2
	}
	for _, entity := range b.MetricEntities() {
		if anyTokenIn(entity, toks) {
			score += 3
		}
	}
	if b.Tarjeta != "" && anyTokenIn(b.Tarjeta, toks) {
		score++
	}
	return score
}

func anyTokenIn(field string, toks []string) bool {
	lower := strings.ToLower(field)
	for _, tok := range toks {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// fuzzyMatch picks the breaker best matching an unmapped entity id, nil when
// no breaker reaches the threshold. Ties keep the earliest breaker in
// document order.
func fuzzyMatch(s *models.Snapshot, entityID string) *models.Breaker {
	toks := tokenize(localName(entityID))
	if len(toks) == 0 {
		return nil
	}

	var best *models.Breaker
	bestScore := 0
	for _, b := range s.Breakers {
		if score := scoreBreaker(b, toks); score > bestScore {
			best = b
			bestScore = score
		}
	}
	if bestScore < fuzzyThreshold {
		return nil
	}
	return best
}
