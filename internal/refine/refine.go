// Package refine filters the entity snapshot and reranks retrieved
// documents before command synthesis.
package refine

import (
	"sort"
	"strings"

	"github.com/emberhall/hearth/internal/homeassistant"
	"github.com/emberhall/hearth/internal/vecindex"
)

// Config carries the vocabularies the refiner scores with.
type Config struct {
	ExcludedDomains  []string
	PreferredDomains []string
	RoomKeywords     []string
}

// Refiner applies domain filtering and heuristic reranking. All
// methods are pure functions of their inputs and the configured
// vocabularies.
type Refiner struct {
	excluded  map[string]bool
	preferred []string
	rooms     []string
}

// New builds a Refiner from config vocabularies.
func New(cfg Config) *Refiner {
	excluded := make(map[string]bool, len(cfg.ExcludedDomains))
	for _, d := range cfg.ExcludedDomains {
		excluded[d] = true
	}
	return &Refiner{
		excluded:  excluded,
		preferred: cfg.PreferredDomains,
		rooms:     cfg.RoomKeywords,
	}
}

// Filter drops entities in excluded domains, plus number entities
// whose name mentions "led" (LED brightness helpers that pollute
// retrieval).
func (r *Refiner) Filter(entities []homeassistant.Entity) []homeassistant.Entity {
	out := make([]homeassistant.Entity, 0, len(entities))
	for _, e := range entities {
		if r.excluded[e.Domain] {
			continue
		}
		if e.Domain == "number" && strings.Contains(strings.ToLower(e.Name), "led") {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Rerank rescores retrieval results and keeps the top keepN. The base
// score preserves retrieval order; bonuses promote controllable
// domains and entities in the room the user named, and sensor-like
// domains are pushed down. Ties keep their incoming order.
func (r *Refiner) Rerank(query string, results []vecindex.Result, keepN int) []vecindex.Result {
	n := len(results)
	if n == 0 {
		return results
	}

	queryLower := strings.ToLower(query)
	room := r.firstRoomIn(queryLower)

	type scored struct {
		res   vecindex.Result
		score int
	}
	scores := make([]scored, n)
	for i, res := range results {
		score := n - i
		score += r.domainBonus(res.Metadata.Domain)
		if room != "" && strings.Contains(strings.ToLower(res.Content), room) {
			score += 10
		}
		switch res.Metadata.Domain {
		case "sensor", "binary_sensor", "automation":
			score -= 5
		}
		scores[i] = scored{res: res, score: score}
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].score > scores[j].score
	})

	if keepN > 0 && keepN < len(scores) {
		scores = scores[:keepN]
	}
	out := make([]vecindex.Result, len(scores))
	for i, s := range scores {
		out[i] = s.res
	}
	return out
}

// domainBonus rewards preferred domains, earlier entries more. The
// multiplier stays below the location bonus so a candidate in the room
// the user named outranks a better-domained candidate elsewhere.
func (r *Refiner) domainBonus(domain string) int {
	for i, d := range r.preferred {
		if d == domain {
			return (len(r.preferred) - i) * 2
		}
	}
	return 0
}

// firstRoomIn returns the first configured room keyword present in the
// lowercased query, or "".
func (r *Refiner) firstRoomIn(queryLower string) string {
	for _, room := range r.rooms {
		if strings.Contains(queryLower, room) {
			return room
		}
	}
	return ""
}
