package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type unitPayload struct {
	Assignee      string      `json:"assignee"`
	Amount        json.Number `json:"amount"`
	Deadline      int64       `json:"deadline"`
	RevisionLimit uint32      `json:"revisionLimit"`
	Description   string      `json:"description"`
	Dependencies  []uint64    `json:"dependencies,omitempty"`
}

// unitFlags collects repeated --unit values.
type unitFlags []string

func (u *unitFlags) String() string { return strings.Join(*u, " ") }

func (u *unitFlags) Set(value string) error {
	*u = append(*u, value)
	return nil
}

// parseUnitSpec reads a comma separated key=value unit description. The desc
// key consumes the remainder of the value so descriptions may contain commas.
func parseUnitSpec(raw string, now time.Time) (unitPayload, error) {
	var (
		spec     unitPayload
		seen     = map[string]bool{}
		remain   = strings.TrimSpace(raw)
		amount   string
		deadline string
	)
	for remain != "" {
		var field string
		if strings.HasPrefix(remain, "desc=") {
			field, remain = remain, ""
		} else if idx := strings.IndexByte(remain, ','); idx >= 0 {
			field, remain = remain[:idx], strings.TrimSpace(remain[idx+1:])
		} else {
			field, remain = remain, ""
		}
		key, value, ok := strings.Cut(field, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if !ok || key == "" {
			return unitPayload{}, fmt.Errorf("invalid unit field %q", field)
		}
		if seen[key] {
			return unitPayload{}, fmt.Errorf("duplicate unit field %q", key)
		}
		seen[key] = true
		switch key {
		case "assignee":
			spec.Assignee = strings.TrimSpace(value)
		case "amount":
			amount = value
		case "deadline":
			deadline = value
		case "revisions":
			n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
			if err != nil {
				return unitPayload{}, fmt.Errorf("invalid unit revisions %q", value)
			}
			spec.RevisionLimit = uint32(n)
		case "deps":
			for _, part := range strings.Split(value, ";") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				id, err := strconv.ParseUint(part, 10, 64)
				if err != nil {
					return unitPayload{}, fmt.Errorf("invalid unit dependency %q", part)
				}
				spec.Dependencies = append(spec.Dependencies, id)
			}
		case "desc":
			spec.Description = value
		default:
			return unitPayload{}, fmt.Errorf("unknown unit field %q", key)
		}
	}
	if err := validateAddress("unit assignee", spec.Assignee); err != nil {
		return unitPayload{}, err
	}
	normalized, err := normalizeAmount("unit amount", amount)
	if err != nil {
		return unitPayload{}, err
	}
	spec.Amount = json.Number(normalized)
	if spec.Deadline, err = parseDeadline(deadline, now); err != nil {
		return unitPayload{}, err
	}
	return spec, nil
}

// normalizeAmount converts decimal or scientific shorthand such as 1.5e18
// into an integer string.
func normalizeAmount(name, value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		exp, err := strconv.ParseInt(strings.TrimSpace(trimmed[idx+1:]), 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid scientific notation in %s", name)
		}
		exponent = int(exp)
	}
	base = strings.TrimPrefix(strings.TrimSpace(base), "+")
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("%s must be positive", name)
	}
	integer, fraction, _ := strings.Cut(base, ".")
	if strings.Contains(fraction, ".") {
		return "", fmt.Errorf("invalid %s format", name)
	}
	digits := integer + fraction
	if digits == "" || !isDigits(digits) {
		return "", fmt.Errorf("invalid %s format", name)
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fraction)
	for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
		fracLen--
	}
	shift := exponent - fracLen
	if shift < 0 {
		return "", fmt.Errorf("%s must be an integer", name)
	}
	if digits == "" {
		return "", fmt.Errorf("%s must be positive", name)
	}
	return digits + strings.Repeat("0", shift), nil
}

// parseDeadline accepts +duration (with a d suffix for days) relative to now
// or an RFC3339 timestamp.
func parseDeadline(value string, now time.Time) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("unit deadline is required")
	}
	if rest, ok := strings.CutPrefix(trimmed, "+"); ok {
		dur, err := parseDeadlineDuration(strings.TrimSpace(rest))
		if err != nil {
			return 0, err
		}
		if dur <= 0 {
			return 0, fmt.Errorf("deadline duration must be positive")
		}
		return now.Add(dur).Unix(), nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid RFC3339 deadline")
	}
	return ts.Unix(), nil
}

func parseDeadlineDuration(value string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(strings.ToLower(value), "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil || days == "" {
			return 0, fmt.Errorf("invalid deadline duration")
		}
		return time.Duration(n * 24 * float64(time.Hour)), nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid deadline duration")
	}
	return dur, nil
}

func parseUnitID(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--unit is required")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("--unit must be a non-negative integer")
	}
	return id, nil
}

func validateAddress(name, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s is required", name)
	}
	if !strings.HasPrefix(trimmed, "0x") || len(trimmed) != 42 || !isHex(trimmed[2:]) {
		return fmt.Errorf("%s must be a 0x-prefixed 20-byte hex address", name)
	}
	return nil
}

func validatePendingID(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("--id is required")
	}
	if !strings.HasPrefix(trimmed, "0x") || len(trimmed) != 66 || !isHex(trimmed[2:]) {
		return fmt.Errorf("--id must be a 0x-prefixed 32-byte hex string")
	}
	return nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isHex(value string) bool {
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
