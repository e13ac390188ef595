package writer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbflow/config"
	"arbflow/models"
)

type failingStore struct {
	err   error
	calls int
}

func (f *failingStore) Put(context.Context, string, []byte) error {
	f.calls++
	return f.err
}

func (f *failingStore) Location(key string) string { return key }

func journalOpportunity(id string) models.Opportunity {
	return models.Opportunity{
		ID:            id,
		Symbol:        "BTCUSDT",
		BuyExchange:   "bybit",
		SellExchange:  "okx",
		BuyPrice:      decimal.RequireFromString("100"),
		SellPrice:     decimal.RequireFromString("102"),
		ROIPercent:    2,
		NetROIPercent: 1.9,
		DetectedAt:    time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC),
	}
}

func TestJournalWritesParquetToDirectory(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(config.JournalConfig{MaxBuffer: 2, Compression: "snappy", Prefix: "opportunities"}, NewDirStore(dir))
	j.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

	ctx := context.Background()
	require.NoError(t, j.Handle(ctx, journalOpportunity("a")))
	matches, _ := filepath.Glob(filepath.Join(dir, "opportunities", "date=2025-03-04", "*.parquet"))
	assert.Empty(t, matches, "nothing is written below the buffer limit")

	require.NoError(t, j.Handle(ctx, journalOpportunity("b")))
	matches, _ = filepath.Glob(filepath.Join(dir, "opportunities", "date=2025-03-04", "*.parquet"))
	require.Len(t, matches, 1)
	assert.True(t, strings.HasPrefix(filepath.Base(matches[0]), "opportunities_20250304050607_"))

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("PAR1")))
	assert.True(t, bytes.HasSuffix(data, []byte("PAR1")))

	stats := j.Stats()
	assert.Equal(t, int64(1), stats.FilesWritten)
	assert.Equal(t, int64(len(data)), stats.BytesWritten)
}

func TestJournalFlushIsNoopWhenEmpty(t *testing.T) {
	store := &failingStore{}
	j := NewJournal(config.JournalConfig{}, store)
	require.NoError(t, j.Flush(context.Background()))
	assert.Zero(t, store.calls)
}

func TestJournalKeepsBatchWhenStoreFails(t *testing.T) {
	store := &failingStore{err: errors.New("unavailable")}
	j := NewJournal(config.JournalConfig{MaxBuffer: 2}, store)
	ctx := context.Background()

	require.NoError(t, j.Handle(ctx, journalOpportunity("a")))
	assert.Error(t, j.Handle(ctx, journalOpportunity("b")))
	assert.Len(t, j.buffer, 2)

	for i := 0; i < 4; i++ {
		_ = j.Handle(ctx, journalOpportunity("c"))
	}
	assert.LessOrEqual(t, len(j.buffer), 4, "retained records are capped at twice the buffer limit")

	store.err = nil
	require.NoError(t, j.Flush(ctx))
	assert.Empty(t, j.buffer)
}

func TestJournalMaintainsCatalog(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(config.JournalConfig{MaxBuffer: 1, Prefix: "opportunities", Catalog: true}, NewDirStore(dir))
	j.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

	ctx := context.Background()
	require.NoError(t, j.Handle(ctx, journalOpportunity("a")))
	require.NoError(t, j.Handle(ctx, journalOpportunity("b")))

	meta, err := os.ReadFile(filepath.Join(dir, "opportunities", "metadata", "metadata.json"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), `"current-snapshot-id"`)
	assert.Contains(t, string(meta), filepath.Join(dir, "opportunities", "date=2025-03-04"))

	manifests, _ := filepath.Glob(filepath.Join(dir, "opportunities", "metadata", "manifest-*.json"))
	assert.Len(t, manifests, 2)
	assert.FileExists(t, filepath.Join(dir, "catalog", "opportunities.json"))
}

func TestOpportunityRecordCarriesSizing(t *testing.T) {
	opp := journalOpportunity("a")
	rec := newOpportunityRecord(opp)
	assert.Empty(t, rec.Quantity)
	assert.Zero(t, rec.NetProfitUSD)
	assert.Equal(t, "100", rec.BuyPrice)

	opp.Sizing = &models.Sizing{
		Quantity:     decimal.RequireFromString("4.94"),
		NotionalUSD:  decimal.RequireFromString("499.18947"),
		SlippagePct:  0.05,
		NetProfitUSD: decimal.RequireFromString("8.368365"),
	}
	rec = newOpportunityRecord(opp)
	assert.Equal(t, "4.94", rec.Quantity)
	assert.InDelta(t, 499.18947, rec.NotionalUSD, 1e-9)
	assert.Equal(t, 0.05, rec.SlippagePct)
	assert.InDelta(t, 8.368365, rec.NetProfitUSD, 1e-9)
}
