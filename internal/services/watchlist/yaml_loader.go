package watchlist

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nyyu-stream/internal/models"
)

// File is the YAML watchlist:
//
//	symbols: [AAPL, MSFT]
//	intervals: [1m, 5m]
type File struct {
	Symbols   []string `yaml:"symbols"`
	Intervals []string `yaml:"intervals"`
}

// Entry is a resolved watchlist: symbols upper-cased and de-duplicated,
// intervals parsed.
type Entry struct {
	Symbols   []string
	Intervals []time.Duration
}

// LoadFromYAML loads a watchlist from a YAML file. Intervals default to
// defaultIntervals when the file lists none.
func LoadFromYAML(filePath string, defaultIntervals []string) (Entry, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read watchlist file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Entry{}, fmt.Errorf("failed to parse watchlist YAML: %w", err)
	}

	if len(f.Symbols) == 0 {
		return Entry{}, fmt.Errorf("no symbols found in watchlist file")
	}
	if len(f.Intervals) == 0 {
		f.Intervals = defaultIntervals
	}
	return Resolve(f.Symbols, f.Intervals)
}

// Resolve normalizes symbols and parses interval labels.
func Resolve(symbols, intervals []string) (Entry, error) {
	var e Entry
	seen := make(map[string]bool)
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		e.Symbols = append(e.Symbols, s)
	}

	seenIv := make(map[time.Duration]bool)
	for _, label := range intervals {
		d, err := models.ParseInterval(strings.TrimSpace(label))
		if err != nil {
			return Entry{}, err
		}
		if !seenIv[d] {
			seenIv[d] = true
			e.Intervals = append(e.Intervals, d)
		}
	}
	return e, nil
}
