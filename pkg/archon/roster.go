package archon

import (
	"fmt"
	"sort"
	"strings"
)

// Archon is one member of the fixed roster.
type Archon struct {
	Seat   int    `json:"seat"` // 1..72, stable
	ID     string `json:"id"`   // "ARCHON:<NAME>"
	Name   string `json:"name"`
	Rank   Rank   `json:"rank"`
	Branch string `json:"branch"`
}

// branchForRank maps each rank to the governance branch its members
// serve in.
func branchForRank(r Rank) string {
	switch r {
	case RankKing:
		return "executive"
	case RankDuke:
		return "legislative"
	case RankMarquis:
		return "judicial"
	case RankPresident:
		return "advisory"
	case RankPrince:
		return "administrative_senior"
	case RankEarl:
		return "administrative_strategic"
	case RankKnight:
		return "witness"
	default:
		return ""
	}
}

// seatDef is the canonical seat table. Seat numbers are constitutional
// and never reassigned.
type seatDef struct {
	name string
	rank Rank
}

var seats = [72]seatDef{
	{"Bael", RankKing}, {"Agares", RankDuke}, {"Vassago", RankPrince},
	{"Samigina", RankMarquis}, {"Marbas", RankPresident}, {"Valefor", RankDuke},
	{"Amon", RankMarquis}, {"Barbatos", RankDuke}, {"Paimon", RankKing},
	{"Buer", RankPresident}, {"Gusion", RankDuke}, {"Sitri", RankPrince},
	{"Beleth", RankKing}, {"Leraje", RankMarquis}, {"Eligos", RankDuke},
	{"Zepar", RankDuke}, {"Botis", RankPresident}, {"Bathin", RankDuke},
	{"Sallos", RankDuke}, {"Purson", RankKing}, {"Marax", RankEarl},
	{"Ipos", RankEarl}, {"Aim", RankDuke}, {"Naberius", RankMarquis},
	{"Glasya-Labolas", RankPresident}, {"Bune", RankDuke}, {"Ronove", RankMarquis},
	{"Berith", RankDuke}, {"Astaroth", RankDuke}, {"Forneus", RankMarquis},
	{"Foras", RankPresident}, {"Asmoday", RankKing}, {"Gaap", RankPresident},
	{"Furfur", RankEarl}, {"Marchosias", RankMarquis}, {"Stolas", RankPrince},
	{"Phenex", RankMarquis}, {"Halphas", RankEarl}, {"Malphas", RankPresident},
	{"Raum", RankEarl}, {"Focalor", RankDuke}, {"Vepar", RankDuke},
	{"Sabnock", RankMarquis}, {"Shax", RankMarquis}, {"Vine", RankKing},
	{"Bifrons", RankEarl}, {"Uvall", RankDuke}, {"Haagenti", RankPresident},
	{"Crocell", RankDuke}, {"Furcas", RankKnight}, {"Balam", RankKing},
	{"Alloces", RankDuke}, {"Camio", RankPresident}, {"Murmur", RankDuke},
	{"Orobas", RankPrince}, {"Gremory", RankDuke}, {"Ose", RankPresident},
	{"Amy", RankPresident}, {"Orias", RankMarquis}, {"Vapula", RankDuke},
	{"Zagan", RankKing}, {"Valac", RankPresident}, {"Andras", RankMarquis},
	{"Haures", RankDuke}, {"Andrealphus", RankMarquis}, {"Cimejes", RankMarquis},
	{"Amdusias", RankDuke}, {"Belial", RankKing}, {"Decarabia", RankMarquis},
	{"Seere", RankPrince}, {"Dantalion", RankDuke}, {"Andromalius", RankEarl},
}

// Roster is the fixed set of 72 Archons with stable seat order.
type Roster struct {
	members []Archon
	byID    map[string]Archon
}

// ArchonID derives the canonical agent id from a roster name.
func ArchonID(name string) string {
	return "ARCHON:" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// NewRoster builds the constitutional roster of all 72 seats.
func NewRoster() *Roster {
	r := &Roster{byID: make(map[string]Archon, len(seats))}
	for i, def := range seats {
		a := Archon{
			Seat:   i + 1,
			ID:     ArchonID(def.name),
			Name:   def.name,
			Rank:   def.rank,
			Branch: branchForRank(def.rank),
		}
		r.members = append(r.members, a)
		r.byID[a.ID] = a
	}
	return r
}

// All returns every Archon in seat order.
func (r *Roster) All() []Archon {
	out := make([]Archon, len(r.members))
	copy(out, r.members)
	return out
}

// Size returns the roster size.
func (r *Roster) Size() int { return len(r.members) }

// ByID resolves an Archon by its canonical id.
func (r *Roster) ByID(id string) (Archon, error) {
	a, ok := r.byID[id]
	if !ok {
		return Archon{}, fmt.Errorf("unknown archon %q", id)
	}
	return a, nil
}

// ByRank returns all Archons of the given rank in seat order.
func (r *Roster) ByRank(rank Rank) []Archon {
	var out []Archon
	for _, a := range r.members {
		if a.Rank == rank {
			out = append(out, a)
		}
	}
	return out
}

// Kings returns the adopting authorities.
func (r *Roster) Kings() []Archon { return r.ByRank(RankKing) }

// DebateOrder sorts Archons into deterministic speaking order: rank
// tier first, then stable id within a tier.
func DebateOrder(archons []Archon) []Archon {
	out := make([]Archon, len(archons))
	copy(out, archons)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Rank.Priority(), out[j].Rank.Priority()
		if pi != pj {
			return pi < pj
		}
		return out[i].ID < out[j].ID
	})
	return out
}
