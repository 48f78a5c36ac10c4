package archive

import (
	"context"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/domcal/internal/record"
)

func openTest(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "records.db")})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func makeRecord(domID string, w1 uint32, day int16, temp float32) *record.Record {
	rec := &record.Record{
		Version:     record.Version{Major: 6, Minor: 1},
		Timestamp:   record.Timestamp{Day: day, Month: 10, Year: 2026, Hour: 12},
		IDWords:     [2]uint32{0xab, w1},
		DOMID:       domID,
		Temperature: temp,
		Histograms:  []record.Histogram{},
	}
	rec.ATWD[0][0][0] = record.LinearFit{Slope: -0.002, Intercept: 2.5, RSquared: 1}
	return rec
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)

	const dom = "00ab00000001"
	recs := []*record.Record{
		makeRecord(dom, 1, 1, 250),
		makeRecord(dom, 1, 10, 252),
		makeRecord(dom, 1, 12, 300),
		makeRecord(dom, 1, 20, 251),
		makeRecord("00ab00000002", 2, 11, 250),
	}
	for _, r := range recs {
		id, err := a.Save(ctx, r, nil)
		require.NoError(t, err)
		assert.Len(t, id, 36)
	}

	tests := []struct {
		name    string
		at      time.Time
		temp    float64
		wantDay int16
	}{
		{"newest before date within tolerance", time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), 250, 10},
		{"temperature filter skips warm record", time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC), 249, 10},
		{"temperature match only", time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC), 298, 12},
		{"no date filter", time.Time{}, 250, 20},
		{"no temperature filter", time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), math.NaN(), 12},
		{"same instant is included", time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC), 250, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Load(ctx, dom, tt.at, tt.temp)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDay, got.Day)
			assert.Equal(t, dom, got.DOMID)
		})
	}

	_, err := a.Load(ctx, dom, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), math.NaN())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = a.Load(ctx, dom, time.Time{}, 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadDecodesStoredBlob(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")

	want := makeRecord("00ab0c0ffee1", 0x0c0ffee1, 17, 251.5)
	want.DOMID = record.FormatDOMID(want.IDWords[0], want.IDWords[1])
	raw, err := record.Encode(want, binary.LittleEndian)
	require.NoError(t, err)

	a, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	id, err := a.Save(ctx, want, raw)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// A fresh handle has an empty cache and must decode the blob.
	b, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = b.Load(ctx, want.DOMID, time.Time{}, 250)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = b.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)

	_, err := a.Save(ctx, makeRecord("00ab00000001", 1, 3, 250), nil)
	require.NoError(t, err)
	_, err = a.Save(ctx, makeRecord("00ab00000001", 1, 9, 250), nil)
	require.NoError(t, err)
	_, err = a.Save(ctx, makeRecord("00ab00000002", 2, 5, 250), nil)
	require.NoError(t, err)

	all, err := a.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	one, err := a.List(ctx, "00ab00000001")
	require.NoError(t, err)
	require.Len(t, one, 2)
	assert.Equal(t, 9, one[0].Captured.Day())
	assert.Equal(t, "6.1.0", one[0].Version)
	assert.InDelta(t, 250.0, one[0].Temperature, 1e-9)
}

func TestSaveRejectsNil(t *testing.T) {
	a := openTest(t)
	_, err := a.Save(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestOpenRejectsUnknownLayout(t *testing.T) {
	_, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "x.db"), Layout: "legacy"})
	assert.Error(t, err)
}
