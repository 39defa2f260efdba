package dedup

import (
	"math"
	"strings"
	"unicode"

	"github.com/animalwelfare/intake/internal/domain/casefile"
)

const earthRadiusMeters = 6371000.0

func normalizeExternalID(s *string) string {
	if s == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(*s))
}

func normalizeChipID(s *string) string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	for _, r := range *s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// ScoreExternalID returns the external-id confidence when both cases carry the
// same non-empty external case id.
func ScoreExternalID(a, b *casefile.Case, r Rules) (float64, bool) {
	x, y := normalizeExternalID(a.ExternalCaseID), normalizeExternalID(b.ExternalCaseID)
	if x == "" || x != y {
		return 0, false
	}
	return r.ExternalIDConfidence, true
}

// ScoreChipID matches microchip codes ignoring case and separators.
func ScoreChipID(a, b *casefile.Case, r Rules) (float64, bool) {
	x, y := normalizeChipID(a.ChipID), normalizeChipID(b.ChipID)
	if x == "" || x != y {
		return 0, false
	}
	return r.ChipConfidence, true
}

// ScoreLocation combines distance, time apart and description overlap. Both
// cases need coordinates; otherwise ok is false. The score is not thresholded.
func ScoreLocation(a, b *casefile.Case, r Rules) (score float64, sig Signals, ok bool) {
	if !a.HasCoordinates() || !b.HasCoordinates() {
		return 0, Signals{}, false
	}
	l := r.Location

	sig.DistanceMeters = HaversineMeters(*a.Latitude, *a.Longitude, *b.Latitude, *b.Longitude)
	sig.HoursApart = math.Abs(a.ReportedAt.Sub(b.ReportedAt).Hours())
	sig.Distance = math.Max(0, 1-sig.DistanceMeters/l.MaxDistanceMeters)
	sig.Recency = math.Max(0, 1-sig.HoursApart/l.MaxHoursApart)
	sig.Text = Jaccard(Tokenize(a.Description), Tokenize(b.Description))

	score = l.DistanceWeight*sig.Distance + l.RecencyWeight*sig.Recency + l.TextWeight*sig.Text
	return clamp(round3(score)), sig, true
}

// HaversineMeters is the great-circle distance between two points.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Tokenize lowercases s and splits it on anything that is not a letter or
// digit. Single-character tokens are dropped.
func Tokenize(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) >= 2 {
			set[f] = struct{}{}
		}
	}
	return set
}

// Jaccard is |a∩b| / |a∪b|, and 0 when both sets are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// match is the winning rule for a pair.
type match struct {
	Type       MatchType
	Confidence float64
	Signals    *Signals
}

// scorePair runs every rule over a and b and keeps the highest score. Equal
// scores prefer external_id, then chip_id, then location.
func scorePair(a, b *casefile.Case, r Rules) (match, bool) {
	var best match
	found := false
	consider := func(m match) {
		if !found || m.Confidence > best.Confidence ||
			(m.Confidence == best.Confidence && m.Type.rank() > best.Type.rank()) {
			best = m
			found = true
		}
	}

	if s, ok := ScoreExternalID(a, b, r); ok {
		consider(match{Type: MatchExternalID, Confidence: s})
	}
	if s, ok := ScoreChipID(a, b, r); ok {
		consider(match{Type: MatchChipID, Confidence: s})
	}
	if s, sig, ok := ScoreLocation(a, b, r); ok && s >= r.Location.MinScore {
		sig := sig
		consider(match{Type: MatchLocation, Confidence: s, Signals: &sig})
	}
	return best, found
}

// orient returns the pair as (primary, duplicate): the earlier report is the
// primary, ties broken by id.
func orient(a, b *casefile.Case) (*casefile.Case, *casefile.Case) {
	if b.ReportedAt.Before(a.ReportedAt) ||
		(b.ReportedAt.Equal(a.ReportedAt) && b.ID.String() < a.ID.String()) {
		return b, a
	}
	return a, b
}
