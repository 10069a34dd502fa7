package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Definition is the TOML description of a simulation.
type Definition struct {
	Name     string     `toml:"name"`
	Clock    ClockDef   `toml:"clock"`
	Weather  WeatherDef `toml:"weather"`
	Template ZoneDef    `toml:"template"`
	Zones    []ZoneDef  `toml:"zones"`
}

type ClockDef struct {
	Start string `toml:"start"`
	End   string `toml:"end"`
}

type WeatherDef struct {
	Rain        []float64 `toml:"rain"`
	Evaporation []float64 `toml:"evaporation"`
}

type ZoneDef struct {
	Name       string            `toml:"name"`
	Area       float64           `toml:"area"`
	Params     map[string]string `toml:"params"`
	Irrigation IrrigationDef     `toml:"irrigation"`
	Soil       SoilDef           `toml:"soil"`
	Report     ReportDef         `toml:"report"`
}

type IrrigationDef struct {
	Efficiency *float64 `toml:"efficiency"`
}

type SoilDef struct {
	Thickness    []float64 `toml:"thickness"`
	DUL          []float64 `toml:"dul"`
	InitialWater []float64 `toml:"initial_water"`
}

type ReportDef struct {
	Table     string   `toml:"table"`
	Variables []string `toml:"variables"`
}

// LoadFile reads a simulation definition from a TOML file.
func LoadFile(path string) (*Simulation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read simulation %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a simulation from TOML.
func Parse(data []byte) (*Simulation, error) {
	var def Definition
	if err := toml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse simulation: %w", err)
	}
	return def.Build()
}

// Default builds the built-in simulation.
func Default() *Simulation {
	sim, err := DefaultDefinition().Build()
	if err != nil {
		panic(err)
	}
	return sim
}

// DefaultDefinition is a ten-day, single-template simulation used when no file is given.
func DefaultDefinition() Definition {
	return Definition{
		Name:  "Simulation",
		Clock: ClockDef{Start: "2000-01-01", End: "2000-01-10"},
		Weather: WeatherDef{
			Rain:        []float64{0, 12, 0, 0, 3, 0, 0, 25, 0, 0},
			Evaporation: []float64{4, 3, 5, 5, 4, 6, 6, 2, 5, 5},
		},
		Template: ZoneDef{
			Name: "Field",
			Area: 1,
			Soil: SoilDef{
				Thickness:    []float64{150, 300, 600},
				DUL:          []float64{0.3, 0.28, 0.25},
				InitialWater: []float64{30, 60, 100},
			},
			Report: ReportDef{
				Table: "Report",
				Variables: []string{
					"[Clock].Today as Date",
					"Irrigation.Amount as Irrigation",
					"Soil.TotalWater as SoilWater",
					"Soil.Drainage as Drainage",
				},
			},
		},
	}
}

// Build turns the definition into a simulation tree:
// root -> Clock, Weather, template zone, extra zones.
func (d Definition) Build() (*Simulation, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("simulation needs a name")
	}
	start, err := parseDate(d.Clock.Start)
	if err != nil {
		return nil, fmt.Errorf("clock start: %w", err)
	}
	end, err := parseDate(d.Clock.End)
	if err != nil {
		return nil, fmt.Errorf("clock end: %w", err)
	}
	root := NewNode(d.Name, &Folder{},
		NewNode("Clock", &ClockModel{StartDate: start, EndDate: end, Today: start}),
		NewNode("Weather", &Weather{Rain: d.Weather.Rain, Evaporation: d.Weather.Evaporation}),
	)
	zones := append([]ZoneDef{d.Template}, d.Zones...)
	for _, z := range zones {
		if z.Name == "" {
			return nil, fmt.Errorf("zone needs a name")
		}
		if root.find(z.Name) != nil {
			return nil, fmt.Errorf("a model named %s already exists", z.Name)
		}
		root.add(z.build())
	}
	return NewSimulation(root)
}

func (z ZoneDef) build() *Node {
	efficiency := 1.0
	if z.Irrigation.Efficiency != nil {
		efficiency = *z.Irrigation.Efficiency
	}
	params := make(map[string]string, len(z.Params))
	for k, v := range z.Params {
		params[k] = v
	}
	soil := &Soil{
		Thickness:    append([]float64(nil), z.Soil.Thickness...),
		DUL:          append([]float64(nil), z.Soil.DUL...),
		InitialWater: append([]float64(nil), z.Soil.InitialWater...),
	}
	soil.Water = append([]float64(nil), soil.InitialWater...)
	children := []*Node{
		NewNode("Irrigation", &Irrigation{Efficiency: efficiency}),
		NewNode("Soil", soil),
	}
	if len(z.Report.Variables) > 0 {
		children = append(children, NewNode("Report", &Report{Table: z.Report.Table, Variables: append([]string(nil), z.Report.Variables...)}))
	}
	return NewNode(z.Name, &Zone{Area: z.Area, Params: params}, children...)
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}
