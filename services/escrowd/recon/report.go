package recon

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"proofpay/services/escrowd/chain"
)

// driftRow is one escrow whose funding was recovered from chain events.
type driftRow struct {
	ShortCode   string `parquet:"name=short_code, type=BYTE_ARRAY, convertedtype=UTF8"`
	OnChainID   string `parquet:"name=onchain_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount      string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash      string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	BlockNumber int64  `parquet:"name=block_number, type=INT64"`
	RecoveredAt string `parquet:"name=recovered_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

var driftHeader = []string{"short_code", "onchain_id", "amount", "tx_hash", "block_number", "recovered_at"}

func newDriftRow(shortCode string, evt chain.FundedEvent, at time.Time) driftRow {
	amount := ""
	if evt.Amount != nil {
		amount = evt.Amount.String()
	}
	return driftRow{
		ShortCode:   shortCode,
		OnChainID:   evt.OnChainID,
		Amount:      amount,
		TxHash:      evt.TxHash,
		BlockNumber: int64(evt.BlockNumber),
		RecoveredAt: at.UTC().Format(time.RFC3339),
	}
}

// writeDriftReport writes rows as funding-<stamp>.csv and .parquet under dir
// and returns both paths.
func writeDriftReport(dir string, at time.Time, rows []driftRow) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: create report dir: %w", err)
	}
	base := filepath.Join(dir, "funding-"+at.UTC().Format("20060102T150405Z"))
	csvPath := base + ".csv"
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := base + ".parquet"
	if err := writeParquet(parquetPath, rows); err != nil {
		return []string{csvPath}, err
	}
	return []string{csvPath, parquetPath}, nil
}

func writeCSV(path string, rows []driftRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(driftHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.ShortCode,
			row.OnChainID,
			row.Amount,
			row.TxHash,
			strconv.FormatInt(row.BlockNumber, 10),
			row.RecoveredAt,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

func writeParquet(path string, rows []driftRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(driftRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := range rows {
		if err := pw.Write(&rows[i]); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
