package pack

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offlinenav/pkg/db"
	"offlinenav/pkg/errs"
	"offlinenav/pkg/model"
	"offlinenav/pkg/poi"
	"offlinenav/pkg/store"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupManager(t *testing.T) (*Manager, *store.SQLiteStore) {
	t.Helper()
	d, err := db.Init(filepath.Join(t.TempDir(), "packs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	st := store.NewSQLiteStore(d)
	return NewManager(st, WithClock(func() time.Time { return fixedNow })), st
}

func manifest(id string, size int64) *model.PackManifest {
	return &model.PackManifest{
		ID:           id,
		BBox:         model.BBox{MinLon: 2.2, MinLat: 48.8, MaxLon: 2.4, MaxLat: 48.9},
		Center:       model.LonLat{Lon: 2.3, Lat: 48.85},
		RadiusMeters: 6000,
		Categories:   []string{"hospital"},
		SizeBytes:    size,
	}
}

func TestCreatePack_ThenReadable(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	data := []byte(`{"id":1,"lat":48.85,"lon":2.3,"category":"hospital"}` + "\n")
	created, err := m.CreatePack(ctx, manifest("paris", int64(len(data))), data)
	require.NoError(t, err)
	assert.Equal(t, model.EncodingIdentity, created.ContentEncoding)
	assert.Equal(t, fixedNow, created.CreatedAt)

	got, err := m.GetPackManifest(ctx, "paris")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created, got)

	raw, err := m.GetPackData(ctx, "paris")
	require.NoError(t, err)
	assert.Equal(t, data, raw)
}

func TestCreatePack_GeneratesID(t *testing.T) {
	m, _ := setupManager(t)
	created, err := m.CreatePack(context.Background(), manifest("", 1), []byte("x"))
	require.NoError(t, err)
	assert.Len(t, created.ID, 36)
}

func TestCreatePack_DoesNotMutateInput(t *testing.T) {
	m, _ := setupManager(t)
	in := manifest("", 1)
	_, err := m.CreatePack(context.Background(), in, []byte("x"))
	require.NoError(t, err)
	assert.Empty(t, in.ID)
	assert.True(t, in.CreatedAt.IsZero())
}

func TestDeletePack_RemovesBoth(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	_, err := m.CreatePackText(ctx, manifest("lyon", 5), "hello")
	require.NoError(t, err)

	ok, err := m.DeletePack(ctx, "lyon")
	require.NoError(t, err)
	assert.True(t, ok)

	mf, err := m.GetPackManifest(ctx, "lyon")
	require.NoError(t, err)
	assert.Nil(t, mf)
	data, err := m.GetPackData(ctx, "lyon")
	require.NoError(t, err)
	assert.Nil(t, data)

	ok, err = m.DeletePack(ctx, "lyon")
	require.NoError(t, err)
	assert.False(t, ok, "second delete reports nothing removed")
}

func TestGetPackText(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	text := "line one\nline two ü\n"

	t.Run("Identity", func(t *testing.T) {
		_, err := m.CreatePackText(ctx, manifest("plain", int64(len(text))), text)
		require.NoError(t, err)

		res, err := m.GetPackText(ctx, "plain")
		require.NoError(t, err)
		assert.Equal(t, text, res.Text)
		assert.False(t, res.Degraded)
	})

	t.Run("Gzip", func(t *testing.T) {
		gz, err := store.Compress([]byte(text))
		require.NoError(t, err)
		mf := manifest("zipped", int64(len(text)))
		mf.ContentEncoding = model.EncodingGzip

		created, err := m.CreatePack(ctx, mf, gz)
		require.NoError(t, err)
		require.NotNil(t, created.CompressedBytes)
		assert.Equal(t, int64(len(gz)), *created.CompressedBytes)

		res, err := m.GetPackText(ctx, "zipped")
		require.NoError(t, err)
		assert.Equal(t, text, res.Text)

		raw, err := m.GetPackData(ctx, "zipped")
		require.NoError(t, err)
		assert.Equal(t, gz, raw, "data is returned as stored")
	})

	t.Run("GzipViaText", func(t *testing.T) {
		mf := manifest("zipped-text", int64(len(text)))
		mf.ContentEncoding = model.EncodingGzip
		_, err := m.CreatePackText(ctx, mf, text)
		require.NoError(t, err)

		res, err := m.GetPackText(ctx, "zipped-text")
		require.NoError(t, err)
		assert.Equal(t, text, res.Text)
	})

	t.Run("Absent", func(t *testing.T) {
		res, err := m.GetPackText(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, res)
	})
}

func TestGetPackText_CorruptGzipDegrades(t *testing.T) {
	m, st := setupManager(t)
	ctx := context.Background()

	// A gzip header followed by garbage passes the magic check but fails to inflate.
	corrupt := append([]byte{0x1f, 0x8b, 0x08, 0x00}, []byte("not really deflate")...)
	mf := manifest("broken", 10)
	mf.ContentEncoding = model.EncodingGzip
	require.NoError(t, st.SavePack(ctx, mf, corrupt))

	res, err := m.GetPackText(ctx, "broken")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Degraded)
	assert.Equal(t, string(corrupt), res.Text)
}

func TestCreatePack_RejectsBadGzipData(t *testing.T) {
	binary, err := store.Compress([]byte{0xff, 0xfe, 0x00, 0xc3, 0x28})
	require.NoError(t, err)
	full, err := store.Compress([]byte(`{"id":1,"lat":48.85,"lon":2.3}` + "\n"))
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"NotGzip", []byte("abc")},
		{"HeaderOnly", []byte{0x1f, 0x8b, 0x08, 0x00, 0, 0, 0, 0}},
		{"Truncated", full[:len(full)-6]},
		{"NotUTF8", binary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := setupManager(t)
			ctx := context.Background()

			mf := manifest("fake", 3)
			mf.ContentEncoding = model.EncodingGzip
			_, err := m.CreatePack(ctx, mf, tt.data)
			assert.True(t, errors.Is(err, errs.ErrDecode), "got %v", err)

			got, err := m.GetPackManifest(ctx, "fake")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestCreatePack_RejectsUnknownEncoding(t *testing.T) {
	m, _ := setupManager(t)
	mf := manifest("br", 3)
	mf.ContentEncoding = "br"
	_, err := m.CreatePack(context.Background(), mf, []byte("abc"))
	assert.True(t, errors.Is(err, errs.ErrInvalid))
}

type failingStore struct {
	Store
}

func (failingStore) SavePack(context.Context, *model.PackManifest, []byte) error {
	return errors.New("disk full")
}

func TestCreatePack_StorageFailure(t *testing.T) {
	_, st := setupManager(t)
	m := NewManager(failingStore{Store: st})
	ctx := context.Background()

	_, err := m.CreatePack(ctx, manifest("full", 1), []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrStorage))

	list, err := m.ListPacks(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListPacks(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	list, err := m.ListPacks(ctx)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	older := manifest("older", 1)
	older.CreatedAt = fixedNow.Add(-time.Hour)
	_, err = m.CreatePack(ctx, older, []byte("a"))
	require.NoError(t, err)
	_, err = m.CreatePack(ctx, manifest("newer", 1), []byte("b"))
	require.NoError(t, err)

	list, err = m.ListPacks(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].ID)
}

func TestEstimateSize_MatchesManifests(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 40; i++ {
		id := fmt.Sprintf("p%d", rng.Intn(8))
		if rng.Intn(3) == 0 {
			_, err := m.DeletePack(ctx, id)
			require.NoError(t, err)
		} else {
			_, err := m.CreatePack(ctx, manifest(id, int64(rng.Intn(10000))), []byte("payload"))
			require.NoError(t, err)
		}

		list, err := m.ListPacks(ctx)
		require.NoError(t, err)
		var sum int64
		for _, mf := range list {
			sum += mf.SizeBytes
		}
		est, err := m.EstimateSize(ctx)
		require.NoError(t, err)
		assert.Equal(t, sum, est.TotalBytes, "step %d", i)
		assert.Equal(t, len(list), est.Count, "step %d", i)
	}
}

func TestEstimateSize_TrustsReportedSize(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	_, err := m.CreatePack(ctx, manifest("liar", 1_000_000), []byte("tiny"))
	require.NoError(t, err)

	est, err := m.EstimateSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), est.TotalBytes)
}

func TestFindCovering(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	_, err := m.CreatePack(ctx, manifest("paris", 1), []byte("a"))
	require.NoError(t, err)
	far := manifest("berlin", 1)
	far.BBox = model.BBox{MinLon: 13.3, MinLat: 52.4, MaxLon: 13.5, MaxLat: 52.6}
	far.Center = model.LonLat{Lon: 13.4, Lat: 52.5}
	_, err = m.CreatePack(ctx, far, []byte("b"))
	require.NoError(t, err)

	got, err := m.FindCovering(ctx, 48.85, 2.3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "paris", got[0].ID)

	got, err = m.FindCovering(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPackPOIs(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	raw, err := poi.EncodeNDJSON([]model.POI{
		{ID: 1, Lat: 48.85, Lon: 2.3, Name: "Hôtel-Dieu", Category: poi.CategoryHospital},
		{ID: 2, Lat: 48.86, Lon: 2.31, Category: poi.CategoryATM},
	})
	require.NoError(t, err)
	mf := manifest("pois", int64(len(raw)))
	mf.ContentEncoding = model.EncodingGzip
	_, err = m.CreatePackText(ctx, mf, string(raw))
	require.NoError(t, err)

	pois, err := m.PackPOIs(ctx, "pois")
	require.NoError(t, err)
	require.Len(t, pois, 2)
	assert.Equal(t, "Hôtel-Dieu", pois[0].Name)

	pois, err = m.PackPOIs(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, pois)
}
