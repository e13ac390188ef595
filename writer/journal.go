package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"arbflow/config"
	"arbflow/internal/metadata"
	"arbflow/internal/metrics"
	"arbflow/logger"
	"arbflow/models"
)

const catalogTable = "opportunities"

type opportunityRecord struct {
	ID            string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol        string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	BuyExchange   string  `parquet:"name=buy_exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	SellExchange  string  `parquet:"name=sell_exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	BuyPrice      string  `parquet:"name=buy_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	SellPrice     string  `parquet:"name=sell_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	ROIPercent    float64 `parquet:"name=roi_percent, type=DOUBLE"`
	NetROIPercent float64 `parquet:"name=net_roi_percent, type=DOUBLE"`
	DetectedAt    int64   `parquet:"name=detected_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	// Sizing columns stay zero for unsized opportunities.
	Quantity     string  `parquet:"name=quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	NotionalUSD  float64 `parquet:"name=notional_usd, type=DOUBLE"`
	SlippagePct  float64 `parquet:"name=slippage_pct, type=DOUBLE"`
	NetProfitUSD float64 `parquet:"name=net_profit_usd, type=DOUBLE"`
}

func newOpportunityRecord(opp models.Opportunity) opportunityRecord {
	rec := opportunityRecord{
		ID:            opp.ID,
		Symbol:        opp.Symbol,
		BuyExchange:   opp.BuyExchange,
		SellExchange:  opp.SellExchange,
		BuyPrice:      opp.BuyPrice.String(),
		SellPrice:     opp.SellPrice.String(),
		ROIPercent:    opp.ROIPercent,
		NetROIPercent: opp.NetROIPercent,
		DetectedAt:    opp.DetectedAt.UnixMilli(),
		NetProfitUSD:  opp.NetProfitUSD().InexactFloat64(),
	}
	if sz := opp.Sizing; sz != nil {
		rec.Quantity = sz.Quantity.String()
		rec.NotionalUSD = sz.NotionalUSD.InexactFloat64()
		rec.SlippagePct = sz.SlippagePct
	}
	return rec
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// Journal buffers opportunities and writes them as parquet files
// partitioned by date, one file per flush.
type Journal struct {
	store       ObjectStore
	prefix      string
	compression string
	interval    time.Duration
	maxBuffer   int
	now         func() time.Time
	log         *logger.Entry
	catalog     *metadata.Generator

	buffer       []models.Opportunity
	catalogReady bool
	files        atomic.Int64
	bytesWritten atomic.Int64
}

func NewJournal(cfg config.JournalConfig, store ObjectStore) *Journal {
	maxBuffer := cfg.MaxBuffer
	if maxBuffer <= 0 {
		maxBuffer = 512
	}
	j := &Journal{
		store:       store,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		compression: strings.ToLower(cfg.Compression),
		interval:    cfg.FlushInterval,
		maxBuffer:   maxBuffer,
		now:         func() time.Time { return time.Now().UTC() },
		log:         logger.GetLogger().WithComponent("journal"),
	}
	if cfg.Catalog {
		j.catalog = metadata.NewGenerator(store, j.prefix, catalogTable)
	}
	return j
}

func (j *Journal) Name() string { return "journal" }

func (j *Journal) FlushInterval() time.Duration { return j.interval }

func (j *Journal) Handle(ctx context.Context, opp models.Opportunity) error {
	j.buffer = append(j.buffer, opp)
	if len(j.buffer) >= j.maxBuffer {
		return j.Flush(ctx)
	}
	return nil
}

// Flush writes everything buffered. On failure the records are kept for
// the next attempt up to twice the buffer limit, beyond which the oldest
// are discarded.
func (j *Journal) Flush(ctx context.Context) error {
	if len(j.buffer) == 0 {
		return nil
	}
	batch := j.buffer
	j.buffer = nil

	data, err := j.encode(batch)
	if err != nil {
		return err
	}
	key := j.key(j.now())
	if err := j.store.Put(ctx, key, data); err != nil {
		if keep := 2 * j.maxBuffer; len(batch) > keep {
			batch = batch[len(batch)-keep:]
		}
		j.buffer = append(batch, j.buffer...)
		return err
	}

	j.files.Add(1)
	j.bytesWritten.Add(int64(len(data)))
	j.log.WithFields(logger.Fields{
		"location":     j.store.Location(key),
		"record_count": len(batch),
		"file_size":    len(data),
	}).Info("opportunity journal flushed")

	j.register(ctx, key, int64(len(data)), int64(len(batch)))
	return nil
}

// register adds a written file to the table catalog. The data file is
// already durable, so catalog failures are only logged.
func (j *Journal) register(ctx context.Context, key string, size, records int64) {
	if j.catalog == nil {
		return
	}
	now := j.now()
	err := j.catalog.AddFile(ctx, metadata.DataFile{
		Path:        j.store.Location(key),
		FileSize:    size,
		RecordCount: records,
		Partition:   map[string]any{"date": now.Format("2006-01-02")},
		Timestamp:   now,
	})
	if err == nil && !j.catalogReady {
		if err = j.catalog.WriteCatalogEntry(ctx, "catalog"); err == nil {
			j.catalogReady = true
		}
	}
	if err != nil {
		j.log.WithError(err).WithField("key", key).Warn("failed to update journal catalog")
	}
}

func (j *Journal) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		FilesWritten: j.files.Load(),
		BytesWritten: j.bytesWritten.Load(),
	}
}

func (j *Journal) Close() error { return nil }

func (j *Journal) key(now time.Time) string {
	filename := fmt.Sprintf("opportunities_%s_%s.parquet", now.Format("20060102150405"), uuid.NewString())
	return path.Join(j.prefix, "date="+now.Format("2006-01-02"), filename)
}

func (j *Journal) encode(batch []models.Opportunity) ([]byte, error) {
	mem := newMemFile()
	pw, err := pqwriter.NewParquetWriter(mem, new(opportunityRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}

	switch j.compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, opp := range batch {
		if err := pw.Write(newOpportunityRecord(opp)); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write opportunity record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize opportunity parquet: %w", err)
	}
	return mem.Bytes(), nil
}
