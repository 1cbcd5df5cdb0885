// Package weather is a sample hub: methods that stream weather forecasts and
// counters to clients, and that take uploads from them, in every shape the
// hub supports.
package weather

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Forecast is the payload the sample methods send and receive.
type Forecast struct {
	ID           int       `json:"id"`
	Date         time.Time `json:"date"`
	TemperatureC int       `json:"temperatureC"`
	Summary      string    `json:"summary"`
}

var summaries = []string{
	"Freezing", "Bracing", "Chilly", "Cool", "Mild",
	"Warm", "Balmy", "Hot", "Sweltering", "Scorching",
}

// TemperatureF is the temperature in degrees Fahrenheit, truncated.
func (f Forecast) TemperatureF() int {
	return 32 + int(float64(f.TemperatureC)/0.5556)
}

func (f Forecast) String() string {
	return fmt.Sprintf("%d %s %d %s", f.ID, f.Date.Format(time.DateOnly), f.TemperatureC, f.Summary)
}

// Create returns a random forecast with the given ID, dated within ten
// minutes of the start of today.
func Create(id int, rng *rand.Rand) Forecast {
	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return Forecast{
		ID:           id,
		Date:         today.Add(time.Duration(rng.IntN(20)-10) * time.Minute),
		TemperatureC: rng.IntN(75) - 20,
		Summary:      summaries[rng.IntN(len(summaries))],
	}
}
