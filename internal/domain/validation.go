package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionTimeLayout is the layout of transaction_dt in incoming events (dd-MM-yyyy HH:mm:ss).
const TransactionTimeLayout = "02-01-2006 15:04:05"

// payloadField accepts both JSON strings and JSON numbers.
// Card and member identifiers are frequently sent as bare numbers.
type payloadField string

func (f *payloadField) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = payloadField(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*f = payloadField(n.String())
	return nil
}

// transactionPayload mirrors the JSON event produced by the point of sale
type transactionPayload struct {
	CardID        payloadField `json:"card_id"`
	MemberID      payloadField `json:"member_id"`
	Amount        payloadField `json:"amount"`
	Postcode      payloadField `json:"postcode"`
	POSID         payloadField `json:"pos_id"`
	TransactionDT payloadField `json:"transaction_dt"`
}

// ParseTransaction decodes and validates a transaction event.
// transaction_dt is interpreted in loc (UTC when nil).
// All failures wrap ErrMalformedInput.
func ParseTransaction(body []byte, loc *time.Location) (Transaction, error) {
	if loc == nil {
		loc = time.UTC
	}

	var p transactionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	tx := Transaction{
		CardID:   strings.TrimSpace(string(p.CardID)),
		MemberID: strings.TrimSpace(string(p.MemberID)),
		Postcode: strings.TrimSpace(string(p.Postcode)),
		POSID:    strings.TrimSpace(string(p.POSID)),
	}

	if err := requireFields(map[string]string{
		"card_id":        tx.CardID,
		"member_id":      tx.MemberID,
		"amount":         string(p.Amount),
		"postcode":       tx.Postcode,
		"pos_id":         tx.POSID,
		"transaction_dt": string(p.TransactionDT),
	}); err != nil {
		return Transaction{}, err
	}

	amount, err := ValidateAmount(string(p.Amount))
	if err != nil {
		return Transaction{}, err
	}
	tx.Amount = amount

	dt, err := time.ParseInLocation(TransactionTimeLayout, strings.TrimSpace(string(p.TransactionDT)), loc)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: transaction_dt %q: expected dd-MM-yyyy HH:mm:ss", ErrMalformedInput, string(p.TransactionDT))
	}
	tx.TransactionDT = dt

	return tx, nil
}

// ValidateAmount parses a transaction amount. Amounts must be non-negative decimals.
func ValidateAmount(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, fmt.Errorf("%w: amount is required", ErrMalformedInput)
	}

	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q is not a number", ErrMalformedInput, value)
	}

	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: amount %s is negative", ErrMalformedInput, amount)
	}

	return amount, nil
}

// requireFields checks fields in a fixed order so the reported field is stable
func requireFields(fields map[string]string) error {
	for _, name := range []string{"card_id", "member_id", "amount", "postcode", "pos_id", "transaction_dt"} {
		if strings.TrimSpace(fields[name]) == "" {
			return fmt.Errorf("%w: %s is required", ErrMalformedInput, name)
		}
	}
	return nil
}
