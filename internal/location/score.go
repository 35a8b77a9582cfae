package location

// Per-level deductions applied by Score.
const (
	continentWeight = 0.4
	countryWeight   = 0.2
	regionWeight    = 0.2
	localityWeight  = 0.2
	unknownPenalty  = 0.1
)

// Score computes the pairing affinity of two profiles in [0, 1].
//
// Levels are visited from continent down to locality. An unknown value on
// either side costs unknownPenalty; an agreeing level costs its weight; the
// first level where both values are known but differ ends the walk and the
// score accumulated so far is returned. Full agreement therefore scores 0
// and an immediate continent mismatch scores 1.
func Score(a, b Profile) float64 {
	levels := [...]struct {
		a, b   string
		weight float64
	}{
		{a.Continent, b.Continent, continentWeight},
		{a.Country, b.Country, countryWeight},
		{a.Region, b.Region, regionWeight},
		{a.Locality, b.Locality, localityWeight},
	}

	score := 1.0
	for _, l := range levels {
		switch {
		case l.a == "" || l.b == "":
			score -= unknownPenalty
		case l.a != l.b:
			return clamp(score)
		default:
			score -= l.weight
		}
	}
	return clamp(score)
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	return score
}
