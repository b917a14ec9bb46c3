package profiles

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

// Transactor runs fn atomically. Repositories must join the transaction
// through the context passed to fn.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// PostcodeChecker tells whether a postcode can be located
type PostcodeChecker interface {
	CheckPostcode(ctx context.Context, postcode string) error
}

// Record is one parsed line of a profile file
type Record struct {
	Line    int
	Profile domain.CardProfile
	State   *domain.CardState // Seed location, optional
}

// Result summarizes an import
type Result struct {
	Profiles int
	States   int
}

// Importer loads card profiles from CSV into a card repository.
//
// Each line is card_id,score,ucl[,postcode,transaction_dt]. A header line
// starting with card_id is skipped. The optional columns seed the card
// state, with transaction_dt in the same layout as transaction events.
type Importer struct {
	cards     domain.CardRepository
	tx        Transactor
	postcodes PostcodeChecker
	loc       *time.Location
	logger    logrus.FieldLogger
}

// NewImporter creates an Importer. tx may be nil, in which case rows are
// written one by one. postcodes may be nil, in which case seeded postcodes
// are not checked.
func NewImporter(cards domain.CardRepository, tx Transactor, postcodes PostcodeChecker, loc *time.Location, logger logrus.FieldLogger) *Importer {
	if loc == nil {
		loc = time.UTC
	}
	return &Importer{
		cards:     cards,
		tx:        tx,
		postcodes: postcodes,
		loc:       loc,
		logger:    logger,
	}
}

// Import parses the whole file before writing anything, so an invalid line
// leaves the repository untouched.
func (i *Importer) Import(ctx context.Context, r io.Reader) (Result, error) {
	records, err := i.Parse(r)
	if err != nil {
		return Result{}, err
	}
	if err := i.checkPostcodes(ctx, records); err != nil {
		return Result{}, err
	}

	var res Result
	write := func(ctx context.Context) error {
		res = Result{}
		for _, rec := range records {
			if err := i.cards.UpsertProfile(ctx, rec.Profile); err != nil {
				return fmt.Errorf("failed to upsert profile of card %s: %w", rec.Profile.CardID, err)
			}
			res.Profiles++
			if rec.State != nil {
				if err := i.cards.PutState(ctx, *rec.State); err != nil {
					return fmt.Errorf("failed to seed state of card %s: %w", rec.Profile.CardID, err)
				}
				res.States++
			}
		}
		return nil
	}

	if i.tx != nil {
		err = i.tx.WithTransaction(ctx, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		return Result{}, err
	}

	i.logger.WithFields(logrus.Fields{
		"profiles": res.Profiles,
		"states":   res.States,
	}).Info("card profiles imported")
	return res, nil
}

// checkPostcodes rejects seed states the distance provider cannot locate.
// Such a state would make every later velocity check unresolvable.
func (i *Importer) checkPostcodes(ctx context.Context, records []Record) error {
	if i.postcodes == nil {
		return nil
	}
	for _, rec := range records {
		if rec.State == nil {
			continue
		}
		if err := i.postcodes.CheckPostcode(ctx, rec.State.LastPostcode); err != nil {
			return fmt.Errorf("line %d: invalid postcode: %w", rec.Line, err)
		}
	}
	return nil
}

// Parse reads and validates all records
func (i *Importer) Parse(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var records []Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read profiles: %w", err)
		}

		line, _ := cr.FieldPos(0)
		if len(records) == 0 && strings.EqualFold(strings.TrimSpace(row[0]), "card_id") {
			continue
		}

		rec, err := i.parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec.Line = line
		records = append(records, rec)
	}
	return records, nil
}

func (i *Importer) parseRow(row []string) (Record, error) {
	if len(row) != 3 && len(row) != 5 {
		return Record{}, fmt.Errorf("expected 3 or 5 columns, got %d", len(row))
	}

	cardID := strings.TrimSpace(row[0])
	if cardID == "" {
		return Record{}, errors.New("card_id is required")
	}

	score, err := strconv.Atoi(strings.TrimSpace(row[1]))
	if err != nil {
		return Record{}, fmt.Errorf("invalid score %q", row[1])
	}

	ucl, err := decimal.NewFromString(strings.TrimSpace(row[2]))
	if err != nil {
		return Record{}, fmt.Errorf("invalid ucl %q", row[2])
	}
	if ucl.IsNegative() {
		return Record{}, fmt.Errorf("ucl %s is negative", ucl)
	}

	rec := Record{Profile: domain.CardProfile{CardID: cardID, Score: score, UCL: ucl}}
	if len(row) == 3 {
		return rec, nil
	}

	postcode := strings.TrimSpace(row[3])
	if postcode == "" {
		return Record{}, errors.New("postcode is required when transaction_dt is given")
	}
	dt, err := time.ParseInLocation(domain.TransactionTimeLayout, strings.TrimSpace(row[4]), i.loc)
	if err != nil {
		return Record{}, fmt.Errorf("invalid transaction_dt %q", row[4])
	}
	rec.State = &domain.CardState{CardID: cardID, LastPostcode: postcode, LastTransactionDT: dt}
	return rec, nil
}
