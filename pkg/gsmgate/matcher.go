package gsmgate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// defaultAmountPattern matches grouped amounts ("250 000", "250.000",
// "1,250,000.00") and plain ones ("250000", "99.5")
const defaultAmountPattern = `\d{1,3}(?:[ ,.\x{00A0}]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?`

var fractionSuffix = regexp.MustCompile(`[.,]\d{1,2}$`)

// SMSParser extracts amounts and reference tokens from bank notification SMS.
// Bank formats vary, so the parser only looks for candidates; matching a
// session is decided by Orchestrator.MatchInboundSMS.
type SMSParser struct {
	amount *regexp.Regexp
}

// NewSMSParser returns a parser using the default amount grammar
func NewSMSParser() *SMSParser {
	return &SMSParser{amount: regexp.MustCompile(defaultAmountPattern)}
}

// NewSMSParserWithPattern returns a parser with a custom amount expression.
// Each match is normalised by dropping a trailing 1-2 digit fraction and
// every non-digit character.
func NewSMSParserWithPattern(expr string) (*SMSParser, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile amount pattern: %w", err)
	}
	return &SMSParser{amount: re}, nil
}

// ParsedSMS is the parser output for one message body
type ParsedSMS struct {
	// Amounts holds every amount found, in whole currency units
	Amounts []int64

	body string
}

// ParseBankSMS parses body with the default grammar
func ParseBankSMS(body string) ParsedSMS {
	return NewSMSParser().Parse(body)
}

// Parse extracts every amount token from body
func (p *SMSParser) Parse(body string) ParsedSMS {
	parsed := ParsedSMS{body: strings.ToUpper(body)}
	for offset := 0; offset < len(body); {
		loc := p.amount.FindStringIndex(body[offset:])
		if loc == nil {
			break
		}
		start, end := offset+loc[0], offset+loc[1]
		if end <= start {
			offset = start + 1
			continue
		}
		end = trimPartialGroup(body, start, end)
		if v, ok := normalizeAmount(body[start:end]); ok {
			parsed.Amounts = append(parsed.Amounts, v)
		}
		offset = end
	}
	return parsed
}

// trimPartialGroup drops trailing digit groups from body[start:end] while the
// token runs straight into another digit, so "5 2026" yields 5 and not 5202.
func trimPartialGroup(body string, start, end int) int {
	for end < len(body) && isDigit(body[end]) {
		i := strings.LastIndexAny(body[start:end], groupSeparators)
		if i <= 0 {
			break
		}
		end = start + i
	}
	return end
}

const groupSeparators = " ,.\u00a0"

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func normalizeAmount(tok string) (int64, bool) {
	tok = fractionSuffix.ReplaceAllString(tok, "")

	var b strings.Builder
	for _, r := range tok {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0, false
	}

	v, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// HasAmount reports whether any parsed amount is within tolerance of amount
func (m ParsedSMS) HasAmount(amount, tolerance int64) bool {
	for _, v := range m.Amounts {
		diff := v - amount
		if diff < 0 {
			diff = -diff
		}
		if diff <= tolerance {
			return true
		}
	}
	return false
}

// HasReference reports whether ref occurs as a whole word, ignoring case
func (m ParsedSMS) HasReference(ref string) bool {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	if ref == "" {
		return false
	}

	body := m.body
	offset := 0
	for {
		i := strings.Index(body[offset:], ref)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(ref)
		before, _ := utf8.DecodeLastRuneInString(body[:start])
		after, _ := utf8.DecodeRuneInString(body[end:])
		if (start == 0 || !wordRune(before)) && (end == len(body) || !wordRune(after)) {
			return true
		}
		offset = start + 1
	}
}

func wordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
