package join

import (
	"fmt"

	"github.com/stjordanis/knime-core/internal/repository"
	"github.com/stjordanis/knime-core/internal/settings"
	"github.com/stjordanis/knime-core/internal/table"
)

const (
	cfgInternalMeta = "meta_internal"
	cfgLeftTableID  = "leftTableID"
	cfgRightTableID = "rightTableID"
)

// HandleLookup maps a live table to its repository handle.
type HandleLookup interface {
	HandleOf(t table.Table) (repository.Handle, bool)
}

// Resolver maps a handle back to a live table.
type Resolver interface {
	Resolve(h repository.Handle) (table.Table, error)
}

// Save records the handles of both sources. Both must be registered.
func (t *Table) Save(sink settings.Writer, handles HandleLookup) error {
	lh, ok := handles.HandleOf(t.left)
	if !ok {
		return fmt.Errorf("join: save: left table is not registered")
	}
	rh, ok := handles.HandleOf(t.right)
	if !ok {
		return fmt.Errorf("join: save: right table is not registered")
	}
	meta := sink.AddSettings(cfgInternalMeta)
	meta.AddInt(cfgLeftTableID, int(lh))
	meta.AddInt(cfgRightTableID, int(rh))
	return nil
}

// Load resolves both saved handles and rebuilds the joined view. The row
// keys are not walked again; they were checked when the join was created.
func Load(src settings.Reader, r Resolver) (*Table, error) {
	meta, err := src.GetSettings(cfgInternalMeta)
	if err != nil {
		return nil, err
	}
	left, err := resolve(meta, cfgLeftTableID, r)
	if err != nil {
		return nil, err
	}
	right, err := resolve(meta, cfgRightTableID, r)
	if err != nil {
		return nil, err
	}
	if left.RowCount() != right.RowCount() {
		return nil, &RowCountMismatchError{Left: left.RowCount(), Right: right.RowCount()}
	}
	return compose(left, right)
}

func resolve(meta settings.Reader, key string, r Resolver) (table.Table, error) {
	id, err := meta.GetInt(key)
	if err != nil {
		return nil, err
	}
	t, err := r.Resolve(repository.Handle(id))
	if err != nil {
		return nil, &settings.InvalidError{Key: key, Reason: "cannot resolve table", Err: err}
	}
	return t, nil
}
