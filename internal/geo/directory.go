package geo

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

// Coordinates is a point on the Earth in decimal degrees.
type Coordinates struct {
	Lat float64
	Lon float64
}

// Directory maps postcodes to coordinates. It is read-only after loading.
type Directory struct {
	points map[string]Coordinates
}

// LoadDirectory reads a postcode CSV file.
func LoadDirectory(path string) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open postcode file: %w", err)
	}
	defer f.Close()

	d, err := ReadDirectory(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return d, nil
}

// ReadDirectory parses rows of postcode,latitude,longitude[,city,state...].
// A first row whose latitude is not a number is treated as a header.
func ReadDirectory(r io.Reader) (*Directory, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	d := &Directory{points: make(map[string]Coordinates)}
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(record) < 3 {
			return nil, fmt.Errorf("line %d: expected postcode,latitude,longitude, got %d fields", line, len(record))
		}

		lat, latErr := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		lon, lonErr := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		if latErr != nil || lonErr != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: invalid coordinates %q, %q", line, record[1], record[2])
		}

		d.points[strings.TrimSpace(record[0])] = Coordinates{Lat: lat, Lon: lon}
	}

	return d, nil
}

// NewDirectory creates a Directory from a map, mostly for tests.
func NewDirectory(points map[string]Coordinates) *Directory {
	d := &Directory{points: make(map[string]Coordinates, len(points))}
	for k, v := range points {
		d.points[k] = v
	}
	return d
}

// Len returns the number of known postcodes.
func (d *Directory) Len() int {
	return len(d.points)
}

// Lookup returns the coordinates of a postcode.
func (d *Directory) Lookup(postcode string) (Coordinates, bool) {
	c, ok := d.points[postcode]
	return c, ok
}

// CheckPostcode implements domain.DistanceProvider.
func (d *Directory) CheckPostcode(_ context.Context, postcode string) error {
	if _, ok := d.points[postcode]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownPostcode, postcode)
	}
	return nil
}

// DistanceKm implements domain.DistanceProvider.
func (d *Directory) DistanceKm(_ context.Context, from, to string) (float64, error) {
	a, ok := d.points[from]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownPostcode, from)
	}
	b, ok := d.points[to]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownPostcode, to)
	}
	return Haversine(a, b), nil
}
