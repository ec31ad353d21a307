package service

import (
	"errors"
	"time"

	"github.com/kjstillabower/prediction-subnet/internal/models"
)

// Extrapolate fits a least-squares line through the candle closes against time and
// evaluates it at target. With a single candle, or when the fit would go non-positive,
// the last close is returned.
func Extrapolate(candles []models.Candle, target time.Time) (float64, error) {
	if len(candles) == 0 {
		return 0, ErrNoCandles
	}
	last := candles[len(candles)-1]
	if len(candles) == 1 {
		return last.Close, nil
	}

	origin := candles[0].OpenTime
	n := float64(len(candles))
	var sumX, sumY, sumXY, sumXX float64
	for _, c := range candles {
		x := c.OpenTime.Sub(origin).Seconds()
		sumX += x
		sumY += c.Close
		sumXY += x * c.Close
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return last.Close, nil
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	pred := intercept + slope*target.Sub(origin).Seconds()
	if pred <= 0 {
		if last.Close <= 0 {
			return 0, errors.New("non-positive prices in candle series")
		}
		return last.Close, nil
	}
	return pred, nil
}
