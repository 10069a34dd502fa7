package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const definition = `
name = "Paddock"

[clock]
start = "2001-03-01"
end = "2001-03-05"

[weather]
rain = [1.0, 2.0]
evaporation = [3.0]

[template]
name = "Block"
area = 2.5

[template.irrigation]
efficiency = 0.8

[template.soil]
thickness = [100.0, 200.0]
dul = [0.3, 0.3]
initial_water = [20.0, 40.0]

[template.report]
table = "Daily"
variables = ["[Clock].Today as Date", "Soil.TotalWater"]

[[zones]]
name = "Fixed"
params = { crop = "wheat" }
`

func TestParseDefinition(t *testing.T) {
	sim, err := Parse([]byte(definition))
	require.NoError(t, err)

	assert.Equal(t, "Paddock", sim.Name())
	assert.Equal(t, date("2001-03-01"), get(t, sim, "[Clock].StartDate"))
	assert.Equal(t, 0.8, get(t, sim, "[Block].Irrigation.Efficiency"))
	assert.Equal(t, 2.5, get(t, sim, "[Block].Area"))
	assert.Equal(t, 60.0, get(t, sim, "[Block].Soil.TotalWater"))
	assert.Equal(t, "wheat", get(t, sim, "[Fixed].Params.crop"))
	assert.Equal(t, []float64{1, 2}, get(t, sim, "[Weather].Rain"))
}

func TestParseRejectsBadDates(t *testing.T) {
	_, err := Parse([]byte("name = \"x\"\n[clock]\nstart = \"soon\"\n"))
	assert.Error(t, err)
}
