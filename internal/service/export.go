package service

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/kjstillabower/prediction-subnet/internal/models"
)

// CSVHeader is the column layout written by WriteCandlesCSV.
var CSVHeader = []string{"time", "pair", "quoteAmount", "open", "high", "low", "close"}

// WriteCandlesCSV writes candles for pair to w, one row per candle, with a header row.
func WriteCandlesCSV(w io.Writer, pair string, candles []models.Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, c := range candles {
		row := []string{
			c.OpenTime.UTC().Format("2006-01-02 15:04:05"),
			pair,
			formatFloat(c.QuoteVolume),
			formatFloat(c.Open),
			formatFloat(c.High),
			formatFloat(c.Low),
			formatFloat(c.Close),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
