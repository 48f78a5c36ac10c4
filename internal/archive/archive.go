// Package archive keeps decoded calibration records in a SQLite database
// and finds the record that best matches a date and temperature.
package archive

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/shaunagostinho/domcal/internal/record"
)

// ErrNotFound is returned by Load when no record matches.
var ErrNotFound = errors.New("archive: no matching record")

// TemperatureTolerance is the largest temperature difference, in Kelvin,
// accepted by Load.
const TemperatureTolerance = 5.0

// Config holds archive configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	// Layout is the histogram layout of stored blobs: "record" or "extended".
	Layout string `yaml:"layout" json:"layout"`
}

const createRecordsSQL = `
CREATE TABLE IF NOT EXISTS records (
    id TEXT PRIMARY KEY,
    domid TEXT NOT NULL,
    captured TEXT NOT NULL,
    temperature REAL NOT NULL,
    version TEXT NOT NULL,
    stored TEXT NOT NULL,
    data BLOB NOT NULL
);`

const createRecordsIndexSQL = `
CREATE INDEX IF NOT EXISTS records_domid_captured ON records (domid, captured);`

// captured is stored as text so that ordering and range filters are
// lexicographic.
const timeLayout = "2006-01-02 15:04:05"

// Entry is a stored record's metadata.
type Entry struct {
	ID          string    `json:"id"`
	DOMID       string    `json:"domid"`
	Captured    time.Time `json:"captured"`
	Temperature float64   `json:"temperature"`
	Version     string    `json:"version"`
	Stored      time.Time `json:"stored"`
}

// Archive is a handle on the record database. The decoded-record cache lives
// and dies with it.
type Archive struct {
	db     *sql.DB
	layout record.HistogramLayout

	mu    sync.Mutex
	cache map[string]*record.Record
}

// Open opens or creates the database at path.
func Open(ctx context.Context, cfg Config) (*Archive, error) {
	layout, err := record.ParseLayout(cfg.Layout)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", cfg.Path, err)
	}
	// One writer at a time; several visit workers share the handle.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{createRecordsSQL, createRecordsIndexSQL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("archive: create schema in %s: %w", cfg.Path, err)
		}
	}
	log.Printf("[archive] opened %s", cfg.Path)
	return &Archive{db: db, layout: layout, cache: make(map[string]*record.Record)}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Save stores rec and returns its new id. raw is the record as read from
// the device; if nil the record is encoded big-endian.
func (a *Archive) Save(ctx context.Context, rec *record.Record, raw []byte) (string, error) {
	if rec == nil {
		return "", errors.New("archive: nil record")
	}
	if raw == nil {
		var err error
		raw, err = record.EncodeLayout(rec, binary.BigEndian, a.layout)
		if err != nil {
			return "", fmt.Errorf("archive: encode %s: %w", rec.DOMID, err)
		}
	}

	id := uuid.NewString()
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO records(id, domid, captured, temperature, version, stored, data) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		id, rec.DOMID, rec.CaptureTime().Format(timeLayout), float64(rec.Temperature),
		rec.Version.String(), time.Now().UTC().Format(timeLayout), raw)
	if err != nil {
		return "", fmt.Errorf("archive: insert %s: %w", rec.DOMID, err)
	}

	a.mu.Lock()
	a.cache[id] = rec
	a.mu.Unlock()

	log.Printf("[archive] saved %s as %s (%s, %.1f K)", rec.DOMID, id, rec.CaptureTime().Format(timeLayout), rec.Temperature)
	return id, nil
}

// Load returns the newest record for domID captured at or before at whose
// temperature is within TemperatureTolerance of temp. A zero at skips the
// date filter and a NaN temp skips the temperature filter.
func (a *Archive) Load(ctx context.Context, domID string, at time.Time, temp float64) (*record.Record, error) {
	q := `SELECT id FROM records WHERE domid = ?`
	args := []any{domID}
	if !at.IsZero() {
		q += ` AND captured <= ?`
		args = append(args, at.UTC().Format(timeLayout))
	}
	if !math.IsNaN(temp) {
		q += ` AND temperature BETWEEN ? AND ?`
		args = append(args, temp-TemperatureTolerance, temp+TemperatureTolerance)
	}
	q += ` ORDER BY captured DESC, stored DESC LIMIT 1`

	var id string
	err := a.db.QueryRowContext(ctx, q, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w for %s", ErrNotFound, domID)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: query %s: %w", domID, err)
	}
	return a.Get(ctx, id)
}

// Get returns the record stored under id.
func (a *Archive) Get(ctx context.Context, id string) (*record.Record, error) {
	a.mu.Lock()
	rec, ok := a.cache[id]
	a.mu.Unlock()
	if ok {
		return rec, nil
	}

	var data []byte
	err := a.db.QueryRowContext(ctx, `SELECT data FROM records WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", id, err)
	}
	rec, err = record.DecodeLayout(data, a.layout)
	if err != nil {
		return nil, fmt.Errorf("archive: decode %s: %w", id, err)
	}

	a.mu.Lock()
	a.cache[id] = rec
	a.mu.Unlock()
	return rec, nil
}

// List returns the stored entries for domID, newest first. An empty domID
// lists everything.
func (a *Archive) List(ctx context.Context, domID string) ([]Entry, error) {
	q := `SELECT id, domid, captured, temperature, version, stored FROM records`
	var args []any
	if domID != "" {
		q += ` WHERE domid = ?`
		args = append(args, domID)
	}
	q += ` ORDER BY captured DESC, stored DESC`

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var captured, stored string
		if err := rows.Scan(&e.ID, &e.DOMID, &captured, &e.Temperature, &e.Version, &stored); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		e.Captured, _ = time.Parse(timeLayout, captured)
		e.Stored, _ = time.Parse(timeLayout, stored)
		out = append(out, e)
	}
	return out, rows.Err()
}
