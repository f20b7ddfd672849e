package calendar

import (
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantdb/quantdb/internal/domain"
)

//go:embed data/holidays.yaml
var holidaysYAML []byte

//go:embed data/hk_corrections.yaml
var correctionsYAML []byte

type holidayFile struct {
	CN map[int][]string `yaml:"cn"`
	HK map[int][]string `yaml:"hk"`
}

type correctionsFile struct {
	Closed map[int][]string `yaml:"closed"`
}

// loadClosedDays parses the embedded data files into per-calendar closed
// date sets (holiday plus correction dates, keyed "2006-01-02").
func loadClosedDays() (map[domain.CalendarID]map[string]bool, error) {
	var holidays holidayFile
	if err := yaml.Unmarshal(holidaysYAML, &holidays); err != nil {
		return nil, fmt.Errorf("failed to parse holidays data: %w", err)
	}

	var corrections correctionsFile
	if err := yaml.Unmarshal(correctionsYAML, &corrections); err != nil {
		return nil, fmt.Errorf("failed to parse hk corrections data: %w", err)
	}

	closed := map[domain.CalendarID]map[string]bool{
		domain.CalendarCN: make(map[string]bool),
		domain.CalendarHK: make(map[string]bool),
	}

	if err := addDates(closed[domain.CalendarCN], holidays.CN, "cn holidays"); err != nil {
		return nil, err
	}
	if err := addDates(closed[domain.CalendarHK], holidays.HK, "hk holidays"); err != nil {
		return nil, err
	}
	if err := addDates(closed[domain.CalendarHK], corrections.Closed, "hk corrections"); err != nil {
		return nil, err
	}

	return closed, nil
}

// addDates validates and merges one year-keyed date list into a set.
// Every entry must parse and sit in its own year bucket; a mismatch means
// the data file was edited badly, so loading fails loudly.
func addDates(set map[string]bool, byYear map[int][]string, source string) error {
	for year, dates := range byYear {
		for _, d := range dates {
			parsed, err := time.Parse("2006-01-02", d)
			if err != nil {
				return fmt.Errorf("invalid date %q in %s: %w", d, source, err)
			}
			if parsed.Year() != year {
				return fmt.Errorf("date %q filed under year %d in %s", d, year, source)
			}
			set[d] = true
		}
	}
	return nil
}
