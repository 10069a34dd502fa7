package engine

import (
	"fmt"
	"time"
)

// Model is a component attached to a node of the simulation tree. Exported fields and
// zero-argument methods are reachable through variable paths.
type Model interface {
	Clone() Model
}

// validator is implemented by models whose fields must stay consistent with each other.
// Set rolls a change back when validate fails afterwards.
type validator interface {
	validate() error
}

// Folder groups children without behaviour of its own.
type Folder struct{}

func (f *Folder) Clone() Model { return &Folder{} }

// ClockModel holds the simulated calendar.
type ClockModel struct {
	StartDate time.Time
	EndDate   time.Time
	Today     time.Time
}

func (c *ClockModel) Clone() Model {
	cp := *c
	return &cp
}

// DaysRemaining counts the days still to simulate, today included.
func (c *ClockModel) DaysRemaining() int {
	if c.Today.After(c.EndDate) {
		return 0
	}
	return int(c.EndDate.Sub(c.Today).Hours()/24) + 1
}

// Weather cycles through daily rainfall and potential evaporation series (mm).
type Weather struct {
	Rain        []float64
	Evaporation []float64

	TodayRain        float64
	TodayEvaporation float64
}

func (w *Weather) Clone() Model {
	return &Weather{
		Rain:             append([]float64(nil), w.Rain...),
		Evaporation:      append([]float64(nil), w.Evaporation...),
		TodayRain:        w.TodayRain,
		TodayEvaporation: w.TodayEvaporation,
	}
}

func (w *Weather) update(day int) {
	w.TodayRain = cycle(w.Rain, day)
	w.TodayEvaporation = cycle(w.Evaporation, day)
}

func cycle(series []float64, day int) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[day%len(series)]
}

// Zone is a spatial field. Params keeps configuration the engine does not interpret.
type Zone struct {
	Area   float64
	X      float64
	Y      float64
	Z      float64
	Params map[string]string
}

func (z *Zone) Clone() Model {
	cp := *z
	cp.Params = make(map[string]string, len(z.Params))
	for k, v := range z.Params {
		cp.Params[k] = v
	}
	return &cp
}

// Irrigation accumulates water applied to its zone (mm).
type Irrigation struct {
	Efficiency float64
	Amount     float64
	Total      float64
	Count      int
}

func (i *Irrigation) Clone() Model {
	return &Irrigation{Efficiency: i.Efficiency}
}

// Apply schedules amount mm of irrigation for today.
func (i *Irrigation) Apply(amount float64) error {
	if amount < 0 {
		return fmt.Errorf("irrigation amount must not be negative: %v", amount)
	}
	i.Amount += amount
	i.Total += amount
	i.Count++
	return nil
}

func (i *Irrigation) reset() {
	i.Amount = 0
	i.Total = 0
	i.Count = 0
}

// Effective is today's irrigation reaching the soil.
func (i *Irrigation) Effective() float64 {
	return i.Amount * i.Efficiency
}

// Soil is a layered bucket model. Thickness is in mm; DUL is the drained upper limit as a
// volumetric fraction; water amounts are in mm.
type Soil struct {
	Thickness    []float64
	DUL          []float64
	InitialWater []float64
	Water        []float64
	Drainage     float64
	Evaporated   float64
}

func (s *Soil) Clone() Model {
	return &Soil{
		Thickness:    append([]float64(nil), s.Thickness...),
		DUL:          append([]float64(nil), s.DUL...),
		InitialWater: append([]float64(nil), s.InitialWater...),
		Water:        append([]float64(nil), s.Water...),
		Drainage:     s.Drainage,
		Evaporated:   s.Evaporated,
	}
}

func (s *Soil) validate() error {
	if len(s.Thickness) == 0 {
		return fmt.Errorf("soil has no layers")
	}
	if len(s.DUL) != len(s.Thickness) || len(s.InitialWater) != len(s.Thickness) || len(s.Water) != len(s.Thickness) {
		return fmt.Errorf("soil layer arrays differ in length: thickness=%d dul=%d initial=%d water=%d",
			len(s.Thickness), len(s.DUL), len(s.InitialWater), len(s.Water))
	}
	return nil
}

func (s *Soil) reset() {
	s.Water = append(s.Water[:0], s.InitialWater...)
	s.Drainage = 0
	s.Evaporated = 0
}

// TotalWater sums water over all layers.
func (s *Soil) TotalWater() float64 {
	total := 0.0
	for _, w := range s.Water {
		total += w
	}
	return total
}

// Layers is the number of soil layers.
func (s *Soil) Layers() int {
	return len(s.Thickness)
}

// process moves one day of water through the profile. Excess above each layer's capacity
// cascades downwards and leaves the bottom layer as drainage.
func (s *Soil) process(infiltration, evaporation float64) {
	s.Drainage = 0
	if len(s.Water) == 0 {
		return
	}
	s.Water[0] += infiltration
	for i := range s.Water {
		capacity := s.DUL[i] * s.Thickness[i]
		if s.Water[i] <= capacity {
			continue
		}
		excess := s.Water[i] - capacity
		s.Water[i] = capacity
		if i+1 < len(s.Water) {
			s.Water[i+1] += excess
		} else {
			s.Drainage = excess
		}
	}
	s.Evaporated = evaporation
	if s.Evaporated > s.Water[0] {
		s.Evaporated = s.Water[0]
	}
	s.Water[0] -= s.Evaporated
}

// Report samples variables once per day. Entries of Variables are paths relative to the
// report's zone, optionally followed by " as <column>".
type Report struct {
	Table     string
	Variables []string
}

func (r *Report) Clone() Model {
	return &Report{Table: r.Table, Variables: append([]string(nil), r.Variables...)}
}
