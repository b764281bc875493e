// birch/utils/profanity.go
package utils

import (
	"encoding/json"
	mrand "math/rand"
	"os"
	"regexp"
	"sort"
)

// CategorySlur is the only category the scrubber acts on. Entries carry up
// to three categories from the source wordlist.
const CategorySlur = "slur"

type ProfanityEntry struct {
	Term      string `json:"term"`
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
	Tertiary  string `json:"tertiary,omitempty"`
}

// Scrubber replaces slur-category matches in free text with a random line
// from a quotes collection. It runs on post content and display names
// before persistence.
type Scrubber struct {
	patterns []*regexp.Regexp
	quotes   []string
}

func NewScrubber(entries []ProfanityEntry, quotes []string) *Scrubber {
	slurs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Primary == CategorySlur || e.Secondary == CategorySlur || e.Tertiary == CategorySlur {
			slurs = append(slurs, e.Term)
		}
	}
	// Longest terms first so a short term never corrupts a longer match
	// that contains it.
	sort.Slice(slurs, func(i, j int) bool { return len(slurs[i]) > len(slurs[j]) })

	patterns := make([]*regexp.Regexp, 0, len(slurs))
	for _, term := range slurs {
		patterns = append(patterns, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(term)))
	}
	if len(quotes) == 0 {
		quotes = []string{"[removed]"}
	}
	return &Scrubber{patterns: patterns, quotes: quotes}
}

// Scrub replaces every matched span with a randomly chosen quote.
func (s *Scrubber) Scrub(text string) string {
	for _, re := range s.patterns {
		text = re.ReplaceAllStringFunc(text, func(string) string {
			return s.quotes[mrand.Intn(len(s.quotes))]
		})
	}
	return text
}

// LoadScrubber builds a Scrubber from optional JSON files. Either path may
// be empty, in which case the file is skipped.
func LoadScrubber(entriesPath, quotesPath string) (*Scrubber, error) {
	var entries []ProfanityEntry
	var quotes []string
	if entriesPath != "" {
		data, err := os.ReadFile(entriesPath)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, err
		}
	}
	if quotesPath != "" {
		data, err := os.ReadFile(quotesPath)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &quotes); err != nil {
			return nil, err
		}
	}
	return NewScrubber(entries, quotes), nil
}
