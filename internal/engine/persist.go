package engine

import (
	"context"
	"fmt"

	"github.com/stjordanis/knime-core/internal/join"
	"github.com/stjordanis/knime-core/internal/progress"
	"github.com/stjordanis/knime-core/internal/record"
	"github.com/stjordanis/knime-core/internal/repository"
	"github.com/stjordanis/knime-core/internal/settings"
	"github.com/stjordanis/knime-core/internal/storage"
	"github.com/stjordanis/knime-core/internal/table"
)

const (
	cfgTableID   = "tableID"
	cfgTableType = "table_type"
	cfgLocation  = "location"

	cfgDir        = "dir"
	cfgFile       = "file"
	cfgCodec      = "codec"
	cfgCompressed = "compressed"
	cfgRows       = "rows"
	cfgBlocks     = "blocks"
	cfgSize       = "size"

	typeContainer = "container"
	typeJoined    = "joined"
)

// Save writes a record for handle h to sink. A container table hands its
// spill file over to the record, so releasing the table afterwards leaves
// the file for a later Load. A memory table is written to a spill file
// first. A joined table records the handles of its sources, which must be
// saved as well.
//
// The record owns the file until it is loaded, after which the loaded table
// deletes it once its last handle is released. Drop deletes the file of a
// record that will not be loaded.
func (s *Session) Save(ctx context.Context, h repository.Handle, sink settings.Writer) error {
	t, err := s.repo.Resolve(h)
	if err != nil {
		return err
	}

	switch t := t.(type) {
	case *table.ContainerTable:
		file, err := t.Detach()
		if err != nil {
			return err
		}
		writeHeader(sink, h, typeContainer)
		writeLocation(sink, file)

	case *table.MemoryTable:
		file, err := s.spillMemoryTable(ctx, h, t)
		if err != nil {
			return err
		}
		writeHeader(sink, h, typeContainer)
		writeLocation(sink, file)

	case *join.Table:
		writeHeader(sink, h, typeJoined)
		if err := t.Save(sink, s.repo); err != nil {
			return err
		}

	default:
		return fmt.Errorf("engine: save handle %d: unsupported table type %T", h, t)
	}

	s.logger.Debug("table saved", "handle", h, "rows", t.RowCount())
	return nil
}

func writeHeader(sink settings.Writer, h repository.Handle, typ string) {
	sink.AddInt(cfgTableID, int(h))
	sink.AddString(cfgTableType, typ)
}

func writeLocation(sink settings.Writer, f storage.SpillFile) {
	loc := sink.AddSettings(cfgLocation)
	loc.AddString(cfgDir, f.Set.Dir)
	loc.AddString(cfgFile, f.Name)
	loc.AddString(cfgCodec, f.Codec.String())
	loc.AddBool(cfgCompressed, f.Codec != storage.CodecNone)
	loc.AddInt64(cfgRows, f.Rows)
	loc.AddInt(cfgBlocks, f.Blocks)
	loc.AddInt64(cfgSize, f.Size)
}

// spillMemoryTable writes t once per handle; later saves reuse the file.
func (s *Session) spillMemoryTable(ctx context.Context, h repository.Handle, t *table.MemoryTable) (storage.SpillFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.saved[h]; ok {
		// a loaded copy may have released the file since
		exists, err := f.Set.Exists(f.Name)
		if err != nil {
			return storage.SpillFile{}, err
		}
		if exists {
			return f, nil
		}
		delete(s.saved, h)
	}

	rows, err := t.Rows()
	if err != nil {
		return storage.SpillFile{}, err
	}
	opts := s.ctx.WriterOptions()
	codec := storage.CodecNone
	if opts.Compression {
		codec = opts.Codec
	}
	mon := progress.FromContext(ctx)
	file, err := storage.WriteRows(s.ctx.files, t.Schema(), codec, rows, opts.CacheRowCount, mon.CheckCanceled)
	if err != nil {
		return storage.SpillFile{}, err
	}
	s.saved[h] = file
	return file, nil
}

// Load rebuilds the table described by src and registers it under its
// saved handle. Container tables are bound to their spill file without
// reading it. Any missing or malformed entry yields a
// *settings.InvalidError and registers nothing.
func (s *Session) Load(src settings.Reader, schema record.TableSchema) (repository.Handle, error) {
	id, err := src.GetInt(cfgTableID)
	if err != nil {
		return repository.NoHandle, err
	}
	if id <= 0 {
		return repository.NoHandle, &settings.InvalidError{Key: cfgTableID, Reason: fmt.Sprintf("invalid handle %d", id)}
	}
	h := repository.Handle(id)

	typ, err := src.GetString(cfgTableType)
	if err != nil {
		return repository.NoHandle, err
	}

	var t table.Table
	switch typ {
	case typeContainer:
		t, err = s.loadContainer(src, schema)
	case typeJoined:
		t, err = s.loadJoined(src, schema)
	default:
		err = &settings.InvalidError{Key: cfgTableType, Reason: fmt.Sprintf("unknown table type %q", typ)}
	}
	if err != nil {
		return repository.NoHandle, err
	}

	if err := s.repo.RegisterAt(h, t); err != nil {
		return repository.NoHandle, &settings.InvalidError{Key: cfgTableID, Reason: "cannot register", Err: err}
	}
	s.logger.Debug("table loaded", "handle", h, "type", typ, "rows", t.RowCount())
	return h, nil
}

func (s *Session) loadContainer(src settings.Reader, schema record.TableSchema) (table.Table, error) {
	file, err := s.readLocation(src)
	if err != nil {
		return nil, err
	}
	return table.LoadContainerTable(schema, file,
		table.WithOwnedFile(),
		table.WithBlockCache(s.ctx.cfg.Storage.BlockCacheSize),
		table.WithLogger(s.logger))
}

func (s *Session) readLocation(src settings.Reader) (storage.SpillFile, error) {
	loc, err := src.GetSettings(cfgLocation)
	if err != nil {
		return storage.SpillFile{}, err
	}
	dir, err := loc.GetString(cfgDir)
	if err != nil {
		return storage.SpillFile{}, err
	}
	name, err := loc.GetString(cfgFile)
	if err != nil {
		return storage.SpillFile{}, err
	}
	codecName, err := loc.GetString(cfgCodec)
	if err != nil {
		return storage.SpillFile{}, err
	}
	codec, err := storage.ParseCodec(codecName)
	if err != nil {
		return storage.SpillFile{}, &settings.InvalidError{Key: cfgCodec, Reason: "unknown codec", Err: err}
	}
	rows, err := loc.GetInt64(cfgRows)
	if err != nil {
		return storage.SpillFile{}, err
	}
	blocks, err := loc.GetInt(cfgBlocks)
	if err != nil {
		return storage.SpillFile{}, err
	}
	size, err := loc.GetInt64(cfgSize)
	if err != nil {
		return storage.SpillFile{}, err
	}
	if rows < 0 || blocks < 0 {
		return storage.SpillFile{}, &settings.InvalidError{Key: cfgRows, Reason: fmt.Sprintf("negative count: %d rows, %d blocks", rows, blocks)}
	}

	return storage.SpillFile{
		Set:    storage.FileSet{FS: s.ctx.files.FS, Dir: dir},
		Name:   name,
		Codec:  codec,
		Blocks: blocks,
		Rows:   rows,
		Size:   size,
	}, nil
}

// Drop deletes the spill file of a saved container record. Joined records
// own no file and are ignored. A file that is already gone is not an error.
func (s *Session) Drop(src settings.Reader) error {
	typ, err := src.GetString(cfgTableType)
	if err != nil {
		return err
	}
	if typ != typeContainer {
		return nil
	}
	file, err := s.readLocation(src)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for h, f := range s.saved {
		if f.Set.Dir == file.Set.Dir && f.Name == file.Name {
			delete(s.saved, h)
		}
	}
	s.mu.Unlock()

	if err := file.Remove(); err != nil {
		return err
	}
	s.logger.Debug("saved spill file dropped", "path", file.Path())
	return nil
}

func (s *Session) loadJoined(src settings.Reader, schema record.TableSchema) (table.Table, error) {
	j, err := join.Load(src, s.repo)
	if err != nil {
		return nil, err
	}
	if schema.NumColumns() > 0 && !schema.Equal(j.Schema()) {
		return nil, &settings.InvalidError{
			Key:    cfgTableType,
			Reason: fmt.Sprintf("joined schema %v does not match expected %v", j.Schema().Names(), schema.Names()),
		}
	}
	return j, nil
}

// Load restores a saved table into session sessionID.
func (c *Context) Load(src settings.Reader, schema record.TableSchema, sessionID int) (repository.Handle, error) {
	s, err := c.Session(sessionID)
	if err != nil {
		return repository.NoHandle, err
	}
	return s.Load(src, schema)
}
