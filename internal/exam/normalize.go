package exam

import (
	"strconv"
	"strings"
)

// ParseCorrectOption resolves a correct-option marker authored either as a
// letter (A-D) or as a 1-based index into the canonical position 1..4.
// The resolved slot must hold a non-empty option.
func ParseCorrectOption(raw string, options [MaxOptions]string) (int, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return 0, invalid("correct_option", "is required")
	}
	var pos int
	if len(s) == 1 && s[0] >= 'A' && s[0] <= 'Z' {
		pos = int(s[0]-'A') + 1
	} else {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, invalid("correct_option", "must be a letter A-D or a number 1-4")
		}
		pos = n
	}
	if pos < 1 || pos > MaxOptions {
		return 0, invalid("correct_option", "must be a letter A-D or a number 1-4")
	}
	if strings.TrimSpace(options[pos-1]) == "" {
		return 0, invalid("correct_option", "points at an empty option")
	}
	return pos, nil
}

// optionRow is one row of the separate options representation.
type optionRow struct {
	QuestionID string `db:"question_id"`
	Number     int    `db:"option_number"`
	Text       string `db:"option_text"`
	IsCorrect  int    `db:"is_correct"`
}

// canonicalOptions folds option rows into the canonical slot array.
// Rows without a usable option_number fill the first free slot in order.
// The correct position is the first row flagged correct, or 0 if none is.
func canonicalOptions(rows []optionRow) ([MaxOptions]string, int) {
	var opts [MaxOptions]string
	var used [MaxOptions]bool
	correct := 0
	place := func(r optionRow) int {
		if r.Number >= 1 && r.Number <= MaxOptions && !used[r.Number-1] {
			return r.Number - 1
		}
		for i := range used {
			if !used[i] {
				return i
			}
		}
		return -1
	}
	for _, r := range rows {
		i := place(r)
		if i < 0 {
			break
		}
		used[i] = true
		opts[i] = r.Text
		if r.IsCorrect != 0 && correct == 0 {
			correct = i + 1
		}
	}
	return opts, correct
}

// cleanOptions trims every option and requires at least two to be filled.
func cleanOptions(in [MaxOptions]string) ([MaxOptions]string, error) {
	var out [MaxOptions]string
	filled := 0
	for i, o := range in {
		out[i] = strings.TrimSpace(o)
		if out[i] != "" {
			filled++
		}
	}
	if filled < 2 {
		return out, invalid("options", "at least two options are required")
	}
	return out, nil
}
