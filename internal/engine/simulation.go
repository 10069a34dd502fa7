package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Simulation is the reference engine: a tree rooted at a named simulation node, with a clock
// and weather, advanced one day at a time. It implements Job, Variables, Topology, Lifecycle
// and Clock. It is not safe for concurrent use; callers serialise access.
type Simulation struct {
	root     *Node
	clock    *ClockModel
	weather  *Weather
	results  ResultsWriter
	handlers map[Event][]HandlerFunc

	prepared   bool
	reports    []*reportSampler
	tables     map[string]*reportTable
	day        int
	plannedEnd *time.Time
}

type reportSampler struct {
	zone    *Node
	node    *Node
	table   string
	handles []*handle
}

type reportTable struct {
	columns []string
	rows    [][]interface{}
}

// NewSimulation wraps a tree. The tree must contain a ClockModel and a Weather model.
func NewSimulation(root *Node) (*Simulation, error) {
	clock, at := descendant[*ClockModel](root)
	if at == nil {
		return nil, fmt.Errorf("simulation %s has no clock", root.name)
	}
	weather, at := descendant[*Weather](root)
	if at == nil {
		return nil, fmt.Errorf("simulation %s has no weather", root.name)
	}
	return &Simulation{
		root:     root,
		clock:    clock,
		weather:  weather,
		handlers: make(map[Event][]HandlerFunc),
	}, nil
}

func (s *Simulation) Name() string { return s.root.name }

// SetResults sets where report rows are written during Cleanup.
func (s *Simulation) SetResults(w ResultsWriter) { s.results = w }

// Root exposes the tree, mainly for tests and tooling.
func (s *Simulation) Root() *Node { return s.root }

// --- Clock ---

func (s *Simulation) Today() time.Time { return s.clock.Today }

func (s *Simulation) EndToday() {
	log.WithFields(log.Fields{"simulation": s.Name(), "date": s.clock.Today.Format("2006-01-02")}).Info("simulation terminated early")
	if s.plannedEnd == nil {
		end := s.clock.EndDate
		s.plannedEnd = &end
	}
	s.clock.EndDate = s.clock.Today
}

// --- Lifecycle ---

func (s *Simulation) On(event Event, fn HandlerFunc) {
	s.handlers[event] = append(s.handlers[event], fn)
}

func (s *Simulation) publish(ctx context.Context, event Event) error {
	for _, fn := range s.handlers[event] {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s handler: %w", event, err)
		}
	}
	return nil
}

// --- Variables ---

func (s *Simulation) Resolve(path string) (Handle, error) {
	return s.resolveFrom(s.root, path)
}

func (s *Simulation) resolveFrom(base *Node, path string) (*handle, error) {
	scope, segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	start := base
	if scope != "" {
		if start = s.root.find(scope); start == nil {
			return nil, fmt.Errorf("%w: no model named %s", ErrNotFound, scope)
		}
	}
	return resolvePath(strings.TrimSpace(path), start, segs)
}

func (s *Simulation) Get(h Handle) (interface{}, error) {
	hd, err := asHandle(h)
	if err != nil {
		return nil, err
	}
	return hd.get()
}

// Set assigns value to the variable. Nothing is modified when the value does not fit.
func (s *Simulation) Set(h Handle, value interface{}) error {
	hd, err := asHandle(h)
	if err != nil {
		return err
	}
	if hd.set == nil {
		return fmt.Errorf("%w: %s", ErrReadOnly, hd.path)
	}
	v, err := coerce(hd.path, value, hd.typ)
	if err != nil {
		return err
	}
	check, ok := hd.owner.(validator)
	if !ok {
		return hd.set(v)
	}
	old, err := hd.get()
	if err != nil {
		return err
	}
	if err := hd.set(v); err != nil {
		return err
	}
	if err := check.validate(); err != nil {
		restore := reflect.Zero(hd.typ)
		if old != nil {
			restore = reflect.ValueOf(old)
		}
		if rerr := hd.set(restore); rerr != nil {
			return errors.Join(fmt.Errorf("%w: %s: %v", ErrInvalidValue, hd.path, err), rerr)
		}
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, hd.path, err)
	}
	return nil
}

func (s *Simulation) Apply(override string) error {
	path, raw, ok := strings.Cut(override, "=")
	if !ok || strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: %q", ErrBadOverride, override)
	}
	h, err := s.resolveFrom(s.root, path)
	if err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	var value interface{} = raw
	if h.typ.Kind() == reflect.Slice && h.typ.Elem().Kind() != reflect.Uint8 {
		items := []interface{}{}
		if raw != "" {
			for _, part := range strings.Split(raw, ",") {
				items = append(items, strings.TrimSpace(part))
			}
		}
		value = items
	}
	return s.Set(h, value)
}

func asHandle(h Handle) (*handle, error) {
	hd, ok := h.(*handle)
	if !ok || hd == nil {
		return nil, fmt.Errorf("handle %T does not belong to this engine", h)
	}
	return hd, nil
}

// --- Topology ---

func (s *Simulation) Find(name string) (NodeRef, error) {
	n := s.root.find(name)
	if n == nil {
		return nil, fmt.Errorf("%w: no model named %s", ErrNotFound, name)
	}
	return n, nil
}

// Clone copies the template's subtree under the template's parent with a new name.
// The copy is enabled even when the template is not.
func (s *Simulation) Clone(template NodeRef, name string) (NodeRef, error) {
	if s.prepared {
		return nil, ErrTopologyFrozen
	}
	tpl, err := s.node(template)
	if err != nil {
		return nil, err
	}
	if tpl.parent == nil {
		return nil, fmt.Errorf("cannot clone the simulation root")
	}
	if name == "" {
		return nil, fmt.Errorf("clone of %s needs a name", tpl.name)
	}
	if s.root.find(name) != nil {
		return nil, fmt.Errorf("a model named %s already exists", name)
	}
	cp := tpl.clone()
	cp.name = name
	cp.disabled = false
	tpl.parent.add(cp)
	return cp, nil
}

// Configure applies field parameters to a zone: "name" renames it, "x", "y", "z" and "area"
// are numeric attributes, anything else is kept in Params.
func (s *Simulation) Configure(ref NodeRef, params map[string]string) error {
	if s.prepared {
		return ErrTopologyFrozen
	}
	n, err := s.node(ref)
	if err != nil {
		return err
	}
	zone, ok := n.model.(*Zone)
	if !ok {
		return fmt.Errorf("%s is not a zone", n.name)
	}
	cfg := *zone
	cfg.Params = make(map[string]string, len(zone.Params)+len(params))
	for k, v := range zone.Params {
		cfg.Params[k] = v
	}
	rename := ""
	for key, raw := range params {
		switch strings.ToLower(key) {
		case "name":
			rename = raw
		case "x", "y", "z", "area":
			f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return fmt.Errorf("field %s: %s is not a number: %q", n.name, key, raw)
			}
			switch strings.ToLower(key) {
			case "x":
				cfg.X = f
			case "y":
				cfg.Y = f
			case "z":
				cfg.Z = f
			case "area":
				cfg.Area = f
			}
		default:
			cfg.Params[key] = raw
		}
	}
	if rename != "" && rename != n.name {
		if s.root.find(rename) != nil {
			return fmt.Errorf("a model named %s already exists", rename)
		}
		n.name = rename
	}
	*zone = cfg
	return nil
}

func (s *Simulation) Irrigator(ref NodeRef) (Irrigator, error) {
	n, err := s.node(ref)
	if err != nil {
		return nil, err
	}
	irr, at := descendant[*Irrigation](n)
	if at == nil {
		return nil, fmt.Errorf("%s has no irrigation", n.name)
	}
	return irr, nil
}

func (s *Simulation) Disable(ref NodeRef) error {
	n, err := s.node(ref)
	if err != nil {
		return err
	}
	n.disabled = true
	return nil
}

func (s *Simulation) Remove(ref NodeRef) error {
	if s.prepared {
		return ErrTopologyFrozen
	}
	n, err := s.node(ref)
	if err != nil {
		return err
	}
	if n.parent == nil {
		return fmt.Errorf("cannot remove the simulation root")
	}
	n.parent.remove(n)
	return nil
}

func (s *Simulation) node(ref NodeRef) (*Node, error) {
	n, ok := ref.(*Node)
	if !ok || n == nil {
		return nil, fmt.Errorf("reference %T does not belong to this engine", ref)
	}
	for cur := n; cur != nil; cur = cur.parent {
		if cur == s.root {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%s is not part of simulation %s", n.name, s.Name())
}

// --- Job ---

// Prepare validates the tree and binds report columns. Topology is frozen afterwards.
func (s *Simulation) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.clock.EndDate.Before(s.clock.StartDate) {
		return fmt.Errorf("simulation %s ends before it starts", s.Name())
	}
	var errs []error
	s.root.walk(func(n *Node) {
		if soil, ok := n.model.(*Soil); ok && n.Enabled() {
			if err := soil.validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", n.name, err))
			}
		}
	})
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.reports = nil
	s.tables = make(map[string]*reportTable)
	var bindErr error
	s.root.walk(func(n *Node) {
		r, ok := n.model.(*Report)
		if !ok || !n.Enabled() || bindErr != nil {
			return
		}
		bindErr = s.bindReport(n, r)
	})
	if bindErr != nil {
		return bindErr
	}
	s.prepared = true
	log.WithFields(log.Fields{"simulation": s.Name(), "reports": len(s.reports)}).Debug("simulation prepared")
	return nil
}

func (s *Simulation) bindReport(n *Node, r *Report) error {
	zone := n.parent
	if zone == nil {
		zone = s.root
	}
	table := r.Table
	if table == "" {
		table = "Report"
	}
	sampler := &reportSampler{zone: zone, node: n, table: table}
	columns := []string{"SimulationName", "Zone"}
	for _, spec := range r.Variables {
		path, column := spec, ""
		if i := strings.Index(strings.ToLower(spec), " as "); i >= 0 {
			path, column = spec[:i], strings.TrimSpace(spec[i+4:])
		}
		h, err := s.resolveFrom(zone, path)
		if err != nil {
			return fmt.Errorf("report %s.%s: %w", zone.name, n.name, err)
		}
		if column == "" {
			column = lastSegment(path)
		}
		sampler.handles = append(sampler.handles, h)
		columns = append(columns, column)
	}
	if existing, ok := s.tables[table]; ok {
		if !equalStrings(existing.columns, columns) {
			return fmt.Errorf("reports writing %s disagree on columns", table)
		}
	} else {
		s.tables[table] = &reportTable{columns: columns}
	}
	s.reports = append(s.reports, sampler)
	return nil
}

func lastSegment(path string) string {
	path = strings.TrimSpace(path)
	if i := strings.LastIndexAny(path, ".]"); i >= 0 && i+1 < len(path) {
		return path[i+1:]
	}
	return path
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Run simulates every day from StartDate through EndDate. The context is checked at the
// start of each day.
func (s *Simulation) Run(ctx context.Context) error {
	if !s.prepared {
		return ErrNotPrepared
	}
	s.reset()
	logger := log.WithFields(log.Fields{"simulation": s.Name()})
	logger.WithFields(log.Fields{
		"start": s.clock.StartDate.Format("2006-01-02"),
		"end":   s.clock.EndDate.Format("2006-01-02"),
	}).Info("simulation started")

	if err := s.publish(ctx, StartOfSimulation); err != nil {
		return err
	}
	var runErr error
	for !s.clock.Today.After(s.clock.EndDate) {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("simulation %s stopped on %s: %w", s.Name(), s.clock.Today.Format("2006-01-02"), err)
			break
		}
		s.startDay()
		if err := s.publish(ctx, DoManagement); err != nil {
			runErr = err
			break
		}
		s.processDay()
		s.sampleReports()
		if err := s.publish(ctx, EndOfDay); err != nil {
			runErr = err
			break
		}
		s.clock.Today = s.clock.Today.AddDate(0, 0, 1)
		s.day++
	}
	endErr := s.publish(ctx, EndOfSimulation)
	if s.plannedEnd != nil {
		s.clock.EndDate = *s.plannedEnd
		s.plannedEnd = nil
	}
	if err := errors.Join(runErr, endErr); err != nil {
		return err
	}
	logger.WithField("days", s.day).Info("simulation completed")
	return nil
}

func (s *Simulation) reset() {
	s.clock.Today = s.clock.StartDate
	s.day = 0
	for _, t := range s.tables {
		t.rows = nil
	}
	s.root.walk(func(n *Node) {
		switch m := n.model.(type) {
		case *Soil:
			m.reset()
		case *Irrigation:
			m.reset()
		}
	})
}

func (s *Simulation) startDay() {
	s.weather.update(s.day)
	s.root.walk(func(n *Node) {
		if irr, ok := n.model.(*Irrigation); ok {
			irr.Amount = 0
		}
	})
}

func (s *Simulation) processDay() {
	s.root.walk(func(n *Node) {
		soil, ok := n.model.(*Soil)
		if !ok || !n.Enabled() || n.parent == nil {
			return
		}
		infiltration := s.weather.TodayRain
		if irr, at := descendant[*Irrigation](n.parent); at != nil {
			infiltration += irr.Effective()
		}
		soil.process(infiltration, s.weather.TodayEvaporation)
	})
}

func (s *Simulation) sampleReports() {
	for _, r := range s.reports {
		if !r.node.Enabled() {
			continue
		}
		row := make([]interface{}, 0, len(r.handles)+2)
		row = append(row, s.Name(), r.zone.name)
		for _, h := range r.handles {
			v, err := h.get()
			if err != nil {
				log.WithError(err).WithField("variable", h.path).Warn("report variable unavailable")
				v = nil
			}
			row = append(row, cell(v))
		}
		t := s.tables[r.table]
		t.rows = append(t.rows, row)
	}
}

func cell(v interface{}) interface{} {
	switch x := v.(type) {
	case time.Time:
		return x.Format("2006-01-02")
	case []float64, []int, []string:
		return fmt.Sprint(x)
	}
	return v
}

// Cleanup writes the rows collected by the last run.
func (s *Simulation) Cleanup(ctx context.Context) error {
	if s.results == nil {
		return nil
	}
	var errs []error
	for table, t := range s.tables {
		if err := s.results.ReplaceSimulationRows(ctx, table, s.Name(), t.columns, t.rows); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", table, err))
			continue
		}
		log.WithFields(log.Fields{"simulation": s.Name(), "table": table, "rows": len(t.rows)}).Debug("report written")
	}
	return errors.Join(errs...)
}

var (
	_ Job       = (*Simulation)(nil)
	_ Variables = (*Simulation)(nil)
	_ Topology  = (*Simulation)(nil)
	_ Lifecycle = (*Simulation)(nil)
	_ Clock     = (*Simulation)(nil)
)
