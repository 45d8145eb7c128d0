package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	seqPadRe = regexp.MustCompile(`\{SEQ(\d+)\}`)
)

const (
	DefaultInvoiceNumberTemplate = "{PREFIX}-{YYYY}-{SEQ4}"
	DefaultInvoiceNumberPrefix   = "SS"
)

// FormatInvoiceNumber formats a human-readable invoice number
// based on a template, prefix, numbering year, and per-year sequence.
//
// This function is PURE:
// - No side effects
// - No DB access
// - Fully deterministic
func FormatInvoiceNumber(
	template string,
	prefix string,
	year int,
	seq int64,
) (string, error) {

	if template == "" {
		return "", fmt.Errorf("invoice number template is empty")
	}

	if seq <= 0 {
		return "", fmt.Errorf("invalid invoice sequence: %d", seq)
	}

	if year < 1 || year > 9999 {
		return "", fmt.Errorf("invalid invoice year: %d", year)
	}

	out := template

	out = strings.ReplaceAll(out, "{PREFIX}", strings.TrimSpace(prefix))

	// Year tokens
	yyyy := fmt.Sprintf("%04d", year)
	out = strings.ReplaceAll(out, "{YYYY}", yyyy)
	out = strings.ReplaceAll(out, "{YY}", yyyy[2:])

	// Simple sequence
	out = strings.ReplaceAll(out, "{SEQ}", strconv.FormatInt(seq, 10))

	// Padded sequence. Values wider than the pad are printed in full.
	out = seqPadRe.ReplaceAllStringFunc(out, func(m string) string {
		match := seqPadRe.FindStringSubmatch(m)
		if len(match) != 2 {
			return m
		}

		width, err := strconv.Atoi(match[1])
		if err != nil || width <= 0 {
			return m
		}

		return fmt.Sprintf("%0*d", width, seq)
	})

	if strings.Contains(out, "{") || strings.Contains(out, "}") {
		return "", fmt.Errorf("unresolved token in invoice format: %s", out)
	}

	return out, nil
}
