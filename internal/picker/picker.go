// Package picker assigns followed authors to a bounded set of relays using
// person-relay scores. Only the overlord writes to its dashboards, so they
// are lock-free concurrent maps rather than mutex-guarded state.
package picker

import (
	"errors"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sandwichfarm/murmur/internal/storage"
)

var (
	// ErrNoPeopleLeft means every followed author has full coverage.
	ErrNoPeopleLeft = errors.New("picker: no people left to assign")
	// ErrNoRelaysLeft means no relay offers a positive score for anyone
	// still needing coverage.
	ErrNoRelaysLeft = errors.New("picker: no relays left to assign")
)

// excludeSecs is the penalty box applied to a relay on disconnect.
const excludeSecs = 30

// Assignment records that a relay carries these authors' events for us.
type Assignment struct {
	RelayURL string
	Pubkeys  []string
}

// Picker holds the assignment dashboards.
type Picker struct {
	storage *storage.Storage

	// allRelays mirrors the relay table for fast scoring.
	allRelays *xsync.MapOf[string, *storage.Relay]

	// connectedRelays maps url to its assignment; relays connected for
	// unrelated reasons (posting, thread fetches) carry a nil assignment.
	connectedRelays *xsync.MapOf[string, *Assignment]

	// excludedRelays maps url to the earliest unixtime it may be picked
	// again.
	excludedRelays *xsync.MapOf[string, int64]

	// pubkeyCounts tracks how many more relay assignments each followed
	// author still needs.
	pubkeyCounts *xsync.MapOf[string, int]

	// personRelayScores is the per-person candidate ranking, refreshed
	// from storage.
	personRelayScores *xsync.MapOf[string, []storage.RelayScore]
}

// New builds a picker with empty dashboards; call Refresh to load them.
func New(st *storage.Storage) *Picker {
	return &Picker{
		storage:           st,
		allRelays:         xsync.NewMapOf[string, *storage.Relay](),
		connectedRelays:   xsync.NewMapOf[string, *Assignment](),
		excludedRelays:    xsync.NewMapOf[string, int64](),
		pubkeyCounts:      xsync.NewMapOf[string, int](),
		personRelayScores: xsync.NewMapOf[string, []storage.RelayScore](),
	}
}

// Refresh reloads relays, followed authors and their candidate scores from
// storage. Existing assignments are preserved; each author's outstanding
// count is reduced by the coverage they already have.
func (p *Picker) Refresh() error {
	relays, err := p.storage.FilterRelays(nil)
	if err != nil {
		return err
	}
	p.allRelays.Clear()
	for _, r := range relays {
		p.allRelays.Store(r.URL, r)
	}

	followed, err := p.storage.GetFollowedPubkeys()
	if err != nil {
		return err
	}

	n := int(p.storage.ReadSettingInt(storage.SettingNumRelaysPerPerson))

	p.pubkeyCounts.Clear()
	p.personRelayScores.Clear()
	for _, pubkey := range followed {
		scores, err := p.storage.GetBestRelays(pubkey, storage.DirectionWrite)
		if err != nil {
			return err
		}
		p.personRelayScores.Store(pubkey, scores)

		count := n - p.assignedCount(pubkey)
		if count < 0 {
			count = 0
		}
		p.pubkeyCounts.Store(pubkey, count)
	}

	return nil
}

func (p *Picker) assignedCount(pubkey string) int {
	count := 0
	p.connectedRelays.Range(func(_ string, a *Assignment) bool {
		if a != nil {
			for _, pk := range a.Pubkeys {
				if pk == pubkey {
					count++
					break
				}
			}
		}
		return true
	})
	return count
}

func (p *Picker) relayHasAuthor(url, pubkey string) bool {
	a, ok := p.connectedRelays.Load(url)
	if !ok || a == nil {
		return false
	}
	for _, pk := range a.Pubkeys {
		if pk == pubkey {
			return true
		}
	}
	return false
}

// Pick produces the next single (relay, authors) assignment:
// highest-scoring relay on a scoreboard summed from each uncovered
// author's top-two candidates, modulated by relay rank and success rate.
// Returns ErrNoPeopleLeft or ErrNoRelaysLeft when progress stalls.
func (p *Picker) Pick() (*Assignment, error) {
	now := time.Now().Unix()

	// Expire penalty-box entries whose deadline has passed.
	p.excludedRelays.Range(func(url string, until int64) bool {
		if until <= now {
			p.excludedRelays.Delete(url)
		}
		return true
	})

	needy := 0
	scoreboard := make(map[string]uint64)
	p.pubkeyCounts.Range(func(pubkey string, count int) bool {
		if count <= 0 {
			return true
		}
		needy++

		scores, _ := p.personRelayScores.Load(pubkey)
		contributed := 0
		for _, rs := range scores {
			if contributed >= 2 {
				break
			}
			if rs.Score == 0 {
				break
			}
			if _, excluded := p.excludedRelays.Load(rs.URL); excluded {
				continue
			}
			if p.relayHasAuthor(rs.URL, pubkey) {
				continue
			}
			scoreboard[rs.URL] += rs.Score
			contributed++
		}
		return true
	})

	if needy == 0 {
		return nil, ErrNoPeopleLeft
	}

	// Modulate by our own relay rank and success history.
	type candidate struct {
		url   string
		score uint64
	}
	candidates := make([]candidate, 0, len(scoreboard))
	for url, score := range scoreboard {
		if relay, ok := p.allRelays.Load(url); ok {
			score = uint64(float32(score) * (float32(relay.Rank) / 3.0) * (relay.SuccessRate() * 2.0))
		}
		if score == 0 {
			continue
		}
		candidates = append(candidates, candidate{url: url, score: score})
	}
	if len(candidates) == 0 {
		return nil, ErrNoRelaysLeft
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].url < candidates[j].url
	})
	winner := candidates[0].url

	// Collect the authors for which the winner is a live candidate.
	var pubkeys []string
	p.pubkeyCounts.Range(func(pubkey string, count int) bool {
		if count <= 0 {
			return true
		}
		if p.relayHasAuthor(winner, pubkey) {
			return true
		}
		scores, _ := p.personRelayScores.Load(pubkey)
		for _, rs := range scores {
			if rs.URL == winner && rs.Score > 0 {
				pubkeys = append(pubkeys, pubkey)
				break
			}
		}
		return true
	})
	if len(pubkeys) == 0 {
		return nil, ErrNoRelaysLeft
	}
	sort.Strings(pubkeys)

	for _, pubkey := range pubkeys {
		if count, ok := p.pubkeyCounts.Load(pubkey); ok && count > 0 {
			p.pubkeyCounts.Store(pubkey, count-1)
		}
	}

	assignment := &Assignment{RelayURL: winner, Pubkeys: pubkeys}
	if existing, ok := p.connectedRelays.Load(winner); ok && existing != nil {
		merged := append(append([]string(nil), existing.Pubkeys...), pubkeys...)
		assignment = &Assignment{RelayURL: winner, Pubkeys: merged}
	}
	p.connectedRelays.Store(winner, assignment)

	return assignment, nil
}

// RelayConnected records a connection made for reasons other than author
// coverage (posting, thread fetches); it carries no assignment.
func (p *Picker) RelayConnected(url string) {
	if _, ok := p.connectedRelays.Load(url); !ok {
		p.connectedRelays.Store(url, nil)
	}
}

// RelayDisconnected returns the relay's assigned authors to the needy pool
// and penalty-boxes the relay for thirty seconds.
func (p *Picker) RelayDisconnected(url string) {
	assignment, loaded := p.connectedRelays.LoadAndDelete(url)

	p.excludedRelays.Store(url, time.Now().Unix()+excludeSecs)

	if !loaded || assignment == nil {
		return
	}
	for _, pubkey := range assignment.Pubkeys {
		count, _ := p.pubkeyCounts.Load(pubkey)
		p.pubkeyCounts.Store(pubkey, count+1)
	}
}

// ConnectedRelays lists the URLs currently connected.
func (p *Picker) ConnectedRelays() []string {
	var out []string
	p.connectedRelays.Range(func(url string, _ *Assignment) bool {
		out = append(out, url)
		return true
	})
	sort.Strings(out)
	return out
}

// AssignmentFor returns the assignment carried by a connected relay, nil
// when the relay is connected for other reasons.
func (p *Picker) AssignmentFor(url string) *Assignment {
	a, _ := p.connectedRelays.Load(url)
	return a
}

// OutstandingCounts returns a copy of the needy-author counts.
func (p *Picker) OutstandingCounts() map[string]int {
	out := make(map[string]int)
	p.pubkeyCounts.Range(func(pubkey string, count int) bool {
		out[pubkey] = count
		return true
	})
	return out
}
