package consensus

import (
	"errors"
	"sort"
	"strconv"
)

var ErrNoVotes = errors.New("empty vote set")
var ErrCoffeeVote = errors.New("coffee vote in tally")
var ErrBadValue = errors.New("non-numeric vote value")
var ErrUnknownMode = errors.New("unknown consensus mode")

type Mode string

const (
	ModeStrict   Mode = "strict"
	ModeAverage  Mode = "average"
	ModeMedian   Mode = "median"
	ModeMajority Mode = "majority"
)

func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeStrict, ModeAverage, ModeMedian, ModeMajority:
		return Mode(s), true
	default:
		return "", false
	}
}

// Coffee is a pause signal, never an estimate. The session handles it
// before reveal; seeing it here is a contract violation.
const Coffee = "coffee"

// Cards is the deck, ascending. All non-coffee votes must be one of these.
var Cards = []string{"1", "2", "3", "5", "8", "13", "20", "40", "100"}

type Status string

const (
	StatusValidated Status = "validated"
	StatusRevote    Status = "revote"
)

type Result struct {
	Status   Status
	Estimate string
}

// Decide turns a complete, coffee-free vote set into a round outcome.
// Only strict mode can produce StatusRevote; the other modes always
// validate with some estimate.
func Decide(votes map[string]string, mode Mode) (Result, error) {
	if len(votes) == 0 {
		return Result{}, ErrNoVotes
	}

	values := make([]string, 0, len(votes))
	for _, v := range votes {
		if v == Coffee {
			return Result{}, ErrCoffeeVote
		}
		values = append(values, v)
	}

	switch mode {
	case ModeStrict:
		return strict(values), nil
	case ModeAverage:
		return average(values)
	case ModeMedian:
		return median(values)
	case ModeMajority:
		return majority(values)
	default:
		return Result{}, ErrUnknownMode
	}
}

func strict(values []string) Result {
	first := values[0]
	for _, v := range values[1:] {
		if v != first {
			return Result{Status: StatusRevote}
		}
	}
	return Result{Status: StatusValidated, Estimate: first}
}

func average(values []string) (Result, error) {
	nums, err := toInts(values)
	if err != nil {
		return Result{}, err
	}
	sum := 0
	for _, n := range nums {
		sum += n
	}
	mean := float64(sum) / float64(len(nums))
	return Result{Status: StatusValidated, Estimate: nearestCard(mean)}, nil
}

// nearestCard snaps a mean onto the deck. Ties round up: walking the deck
// ascending and accepting equal distances keeps the higher card.
func nearestCard(mean float64) string {
	best := Cards[0]
	bestDist := absf(mean - cardValue(Cards[0]))
	for _, c := range Cards[1:] {
		d := absf(mean - cardValue(c))
		if d <= bestDist {
			best = c
			bestDist = d
		}
	}
	return best
}

func median(values []string) (Result, error) {
	nums, err := toInts(values)
	if err != nil {
		return Result{}, err
	}
	sort.Ints(nums)
	mid := len(nums) / 2
	if len(nums)%2 == 0 {
		// Even count: the lower middle value, the conservative estimate.
		mid--
	}
	return Result{Status: StatusValidated, Estimate: strconv.Itoa(nums[mid])}, nil
}

func majority(values []string) (Result, error) {
	counts := make(map[string]int, len(values))
	for _, v := range values {
		if _, err := strconv.Atoi(v); err != nil {
			return Result{}, ErrBadValue
		}
		counts[v]++
	}

	best := ""
	bestCount := 0
	for v, c := range counts {
		switch {
		case c > bestCount:
			best, bestCount = v, c
		case c == bestCount && numeric(v) < numeric(best):
			// Tie goes to the smallest estimate.
			best = v
		}
	}
	return Result{Status: StatusValidated, Estimate: best}, nil
}

func toInts(values []string) ([]int, error) {
	nums := make([]int, len(values))
	for i, v := range values {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, ErrBadValue
		}
		nums[i] = n
	}
	return nums, nil
}

func numeric(card string) int {
	n, _ := strconv.Atoi(card)
	return n
}

func cardValue(card string) float64 {
	return float64(numeric(card))
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
