// Package calendar answers trading-day and session questions for the
// mainland (CN) and Hong Kong (HK) exchange calendars. All data comes
// from embedded files at construction; after New returns, every
// operation is pure and safe for concurrent use.
package calendar

import (
	"fmt"
	"time"
	_ "time/tzdata" // Exchange timezones must resolve even without system tzdata

	"github.com/quantdb/quantdb/internal/domain"
)

// Supported horizon. Dates outside fail with domain.ErrCalendarRange
// rather than silently degrading to a weekend-only approximation.
var (
	horizonStart = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	horizonEnd   = time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
)

// Phase describes the live session state of a market.
type Phase string

const (
	PhaseOpen   Phase = "open"
	PhaseClosed Phase = "closed" // Includes lunch break and auction windows
)

// session is one continuous trading window in exchange-local wall time.
type session struct {
	openHour, openMinute   int
	closeHour, closeMinute int
}

type marketConfig struct {
	timezone *time.Location
	sessions []session
	closed   map[string]bool // Non-weekend closure dates, "2006-01-02"
}

// Service implements the trading calendar.
type Service struct {
	configs map[domain.CalendarID]*marketConfig
}

// New loads the embedded closure data and builds the calendar service.
func New() (*Service, error) {
	closed, err := loadClosedDays()
	if err != nil {
		return nil, fmt.Errorf("failed to load calendar data: %w", err)
	}

	shanghai, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return nil, fmt.Errorf("failed to load Asia/Shanghai timezone: %w", err)
	}
	hongkong, err := time.LoadLocation("Asia/Hong_Kong")
	if err != nil {
		return nil, fmt.Errorf("failed to load Asia/Hong_Kong timezone: %w", err)
	}

	return &Service{
		configs: map[domain.CalendarID]*marketConfig{
			domain.CalendarCN: {
				timezone: shanghai,
				sessions: []session{
					{openHour: 9, openMinute: 30, closeHour: 11, closeMinute: 30},
					{openHour: 13, openMinute: 0, closeHour: 15, closeMinute: 0},
				},
				closed: closed[domain.CalendarCN],
			},
			domain.CalendarHK: {
				timezone: hongkong,
				sessions: []session{
					{openHour: 9, openMinute: 30, closeHour: 12, closeMinute: 0},
					{openHour: 13, openMinute: 0, closeHour: 16, closeMinute: 0},
				},
				closed: closed[domain.CalendarHK],
			},
		},
	}, nil
}

// IsTradingDay reports whether date is a trading day on the market's
// calendar. The time-of-day portion of date is ignored.
func (s *Service) IsTradingDay(market domain.Market, date time.Time) (bool, error) {
	cfg := s.configs[market.CalendarID()]
	d := dateOf(date)
	if err := s.checkHorizon(d); err != nil {
		return false, err
	}
	return isTrading(cfg, d), nil
}

// TradingDaysBetween returns the trading days in [start, end] inclusive,
// ascending. An empty range (start after end, or no trading days) yields
// an empty slice, not an error.
func (s *Service) TradingDaysBetween(market domain.Market, start, end time.Time) ([]time.Time, error) {
	cfg := s.configs[market.CalendarID()]
	first, last := dateOf(start), dateOf(end)
	if first.After(last) {
		return []time.Time{}, nil
	}
	if err := s.checkHorizon(first); err != nil {
		return nil, err
	}
	if err := s.checkHorizon(last); err != nil {
		return nil, err
	}

	days := make([]time.Time, 0, int(last.Sub(first).Hours()/24)+1)
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if isTrading(cfg, d) {
			days = append(days, d)
		}
	}
	return days, nil
}

// NextTradingDay returns the first trading day strictly after date.
func (s *Service) NextTradingDay(market domain.Market, date time.Time) (time.Time, error) {
	cfg := s.configs[market.CalendarID()]
	for d := dateOf(date).AddDate(0, 0, 1); ; d = d.AddDate(0, 0, 1) {
		if err := s.checkHorizon(d); err != nil {
			return time.Time{}, err
		}
		if isTrading(cfg, d) {
			return d, nil
		}
	}
}

// PrevTradingDay returns the last trading day strictly before date.
func (s *Service) PrevTradingDay(market domain.Market, date time.Time) (time.Time, error) {
	cfg := s.configs[market.CalendarID()]
	for d := dateOf(date).AddDate(0, 0, -1); ; d = d.AddDate(0, 0, -1) {
		if err := s.checkHorizon(d); err != nil {
			return time.Time{}, err
		}
		if isTrading(cfg, d) {
			return d, nil
		}
	}
}

// LastCompletedTradingDay returns the most recent trading day whose
// session has fully closed as of now. Today counts only after the final
// session close in the market's timezone.
func (s *Service) LastCompletedTradingDay(market domain.Market, now time.Time) (time.Time, error) {
	cfg := s.configs[market.CalendarID()]
	local := now.In(cfg.timezone)
	today := dateOf(local)

	if err := s.checkHorizon(today); err != nil {
		return time.Time{}, err
	}

	if isTrading(cfg, today) {
		last := cfg.sessions[len(cfg.sessions)-1]
		closeAt := time.Date(local.Year(), local.Month(), local.Day(),
			last.closeHour, last.closeMinute, 0, 0, cfg.timezone)
		if !local.Before(closeAt) {
			return today, nil
		}
	}
	return s.PrevTradingDay(market, today)
}

// Phase reports whether the market is in a continuous trading session at
// now. Lunch breaks, auction windows, weekends and closure dates are all
// PhaseClosed. Out-of-horizon dates report closed rather than erroring;
// phase only tunes realtime TTLs.
func (s *Service) Phase(market domain.Market, now time.Time) Phase {
	cfg := s.configs[market.CalendarID()]
	local := now.In(cfg.timezone)
	if !isTrading(cfg, dateOf(local)) {
		return PhaseClosed
	}

	for _, sess := range cfg.sessions {
		open := time.Date(local.Year(), local.Month(), local.Day(),
			sess.openHour, sess.openMinute, 0, 0, cfg.timezone)
		closeAt := time.Date(local.Year(), local.Month(), local.Day(),
			sess.closeHour, sess.closeMinute, 0, 0, cfg.timezone)
		// Session is [open, close) - includes open, excludes close
		if !local.Before(open) && local.Before(closeAt) {
			return PhaseOpen
		}
	}
	return PhaseClosed
}

// PeriodEnds returns the expected bar dates for a period within
// [start, end]: trading days for daily, the last trading day of each ISO
// week or calendar month for weekly and monthly. Partial trailing periods
// are excluded because their closing bar does not exist yet.
func (s *Service) PeriodEnds(market domain.Market, start, end time.Time, period domain.Period) ([]time.Time, error) {
	first, last := dateOf(start), dateOf(end)
	if period == domain.PeriodDaily {
		return s.TradingDaysBetween(market, first, last)
	}
	if first.After(last) {
		return []time.Time{}, nil
	}

	// Widen to whole periods so each period's true last trading day is
	// visible, then clamp back to the horizon.
	var wideStart, wideEnd time.Time
	switch period {
	case domain.PeriodWeekly:
		wideStart = first.AddDate(0, 0, -int((first.Weekday()+6)%7)) // Monday
		wideEnd = last.AddDate(0, 0, int((7-last.Weekday())%7))      // Sunday
	case domain.PeriodMonthly:
		wideStart = time.Date(first.Year(), first.Month(), 1, 0, 0, 0, 0, time.UTC)
		wideEnd = time.Date(last.Year(), last.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1)
	default:
		return nil, fmt.Errorf("%w: unknown period %q", domain.ErrValidation, period)
	}
	wideStart = clampDate(wideStart, horizonStart, horizonEnd)
	wideEnd = clampDate(wideEnd, horizonStart, horizonEnd)

	days, err := s.TradingDaysBetween(market, wideStart, wideEnd)
	if err != nil {
		return nil, err
	}

	ends := make([]time.Time, 0, len(days)/5+1)
	for i, d := range days {
		if i+1 < len(days) && samePeriod(d, days[i+1], period) {
			continue
		}
		ends = append(ends, d)
	}

	// Keep only complete periods inside the requested range.
	filtered := ends[:0]
	for _, d := range ends {
		if !d.Before(first) && !d.After(last) {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

// Timezone returns the market's exchange timezone.
func (s *Service) Timezone(market domain.Market) *time.Location {
	return s.configs[market.CalendarID()].timezone
}

func (s *Service) checkHorizon(d time.Time) error {
	if d.Before(horizonStart) || d.After(horizonEnd) {
		return fmt.Errorf("%w: %s not in %s..%s", domain.ErrCalendarRange,
			d.Format("2006-01-02"), horizonStart.Format("2006-01-02"), horizonEnd.Format("2006-01-02"))
	}
	return nil
}

func isTrading(cfg *marketConfig, d time.Time) bool {
	wd := d.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !cfg.closed[d.Format("2006-01-02")]
}

func samePeriod(a, b time.Time, period domain.Period) bool {
	switch period {
	case domain.PeriodWeekly:
		ay, aw := a.ISOWeek()
		by, bw := b.ISOWeek()
		return ay == by && aw == bw
	case domain.PeriodMonthly:
		return a.Year() == b.Year() && a.Month() == b.Month()
	default:
		return false
	}
}

func clampDate(d, lo, hi time.Time) time.Time {
	if d.Before(lo) {
		return lo
	}
	if d.After(hi) {
		return hi
	}
	return d
}

// dateOf strips the time-of-day portion, keeping the wall-clock date.
// Calendar dates are carried at UTC midnight throughout the codebase.
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
