// Package cell wires one scheduler cell together: its registry, spinner and
// dispatcher client, guarded by advisory-lock ownership. Cells are
// explicitly constructed (no ambient globals) so replicas and tests can run
// any number of them side by side.
package cell

import (
	"context"
	"database/sql"
	"log"

	"github.com/devtari-io/cronback/internal/config"
	"github.com/devtari-io/cronback/internal/dispatcher"
	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
	"github.com/devtari-io/cronback/internal/leaderelection"
	"github.com/devtari-io/cronback/internal/registry"
	"github.com/devtari-io/cronback/internal/spinner"
	"github.com/devtari-io/cronback/internal/store/postgres"
)

// Cell owns the scheduling state for one shard of projects.
type Cell struct {
	id       ids.CellId
	db       *sql.DB
	cfg      config.Config
	registry *registry.Registry
	spinner  *spinner.Spinner
}

// New constructs a cell over the shared store and dispatcher runner.
func New(id ids.CellId, cfg config.Config, db *sql.DB, store *postgres.Store, runner *dispatcher.Runner, sink spinner.MetricsSink) *Cell {
	mapping := ids.CellMapping{NumCells: cfg.Scheduler.NumCells}
	client := dispatcher.NewClient(runner, int64(cfg.Scheduler.MaxInFlightPerCell))

	reg := registry.New(registry.Config{
		Cell:                 id,
		Mapping:              mapping,
		DangerousFastForward: cfg.Scheduler.DangerousFastForward,
	}, store, nil, client)

	spin := spinner.New(spinner.Config{
		SkewTolerance: cfg.Scheduler.SkewTolerance,
	}, reg, client)
	if sink != nil {
		spin.WithMetrics(sink)
	}

	// Registry and spinner reference each other; close the loop.
	reg.SetPublisher(spin)

	return &Cell{id: id, db: db, cfg: cfg, registry: reg, spinner: spin}
}

// Registry exposes the cell's trigger registry to the API layer.
func (c *Cell) Registry() *registry.Registry { return c.registry }

// Run acquires cell ownership and schedules until ctx is cancelled. A
// non-nil return means a fatal condition (ownership lost, clock jumped
// backwards): the caller must shut the process down with a non-zero exit.
func (c *Cell) Run(ctx context.Context) error {
	fatal := make(chan error, 1)

	reportFatal := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}

	elector := leaderelection.New(
		c.db,
		c.id,
		c.cfg.Leader.LockKeyBase,
		c.cfg.Leader.RetryInterval,
		c.cfg.Leader.HeartbeatInterval,
		func(ownerCtx context.Context) {
			if err := c.registry.LoadFromStore(ownerCtx); err != nil {
				reportFatal(err)
				return
			}
			if err := c.spinner.Run(ownerCtx); err != nil {
				reportFatal(err)
			}
		},
		func(reason string) {
			if reason != "shutdown" {
				reportFatal(domain.Errorf(domain.ErrInternal, "cell %d lost exclusive ownership: %s", c.id, reason))
			}
		},
	)

	go elector.Run(ctx)

	select {
	case <-ctx.Done():
		log.Printf("cell %d: shutting down", c.id)
		return nil
	case err := <-fatal:
		return err
	}
}

// Manager routes projects to the cells this replica owns and implements the
// API layer's registry lookup.
type Manager struct {
	mapping ids.CellMapping
	cells   map[ids.CellId]*Cell
}

func NewManager(cfg config.Config, db *sql.DB, store *postgres.Store, runner *dispatcher.Runner, sink spinner.MetricsSink) *Manager {
	mapping := ids.CellMapping{NumCells: cfg.Scheduler.NumCells}

	owned := cfg.Scheduler.OwnedCells
	if len(owned) == 0 {
		owned = make([]uint32, cfg.Scheduler.NumCells)
		for i := range owned {
			owned[i] = uint32(i)
		}
	}

	cells := make(map[ids.CellId]*Cell, len(owned))
	for _, n := range owned {
		id := ids.CellId(n)
		cells[id] = New(id, cfg, db, store, runner, sink)
	}
	return &Manager{mapping: mapping, cells: cells}
}

// ForProject resolves the registry owning the project's cell.
func (m *Manager) ForProject(project ids.ProjectId) (*registry.Registry, error) {
	id := m.mapping.Cell(project)
	c, ok := m.cells[id]
	if !ok {
		return nil, domain.Errorf(domain.ErrInternal, "cell %d is not served by this replica", id)
	}
	return c.Registry(), nil
}

// Cells returns the owned cells for the supervisor to run.
func (m *Manager) Cells() []*Cell {
	out := make([]*Cell, 0, len(m.cells))
	for _, c := range m.cells {
		out = append(out, c)
	}
	return out
}
