package blobipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/meigma/blobipc/blobimpl"
	"github.com/meigma/blobipc/internal/sizing"
	"github.com/meigma/blobipc/internal/wire"
	"github.com/meigma/blobipc/stream"
)

// construct sends impl to the peer and returns the local actor.
//
// Within one process the impl is parked in the handle table. A parent sends
// metadata only, or a mystery marker while the size is unknown. A child
// sends the blob's data along with the metadata.
func (m *Manager) construct(ctx context.Context, impl blobimpl.Impl) (*Actor, error) {
	var (
		params  wire.ConstructorParams
		files   []*os.File
		closers []io.Closer
		undo    func()
	)
	defer func() {
		for _, c := range closers {
			_ = c.Close() //nolint:errcheck // sent descriptors are duplicates
		}
	}()

	id := uuid.New()
	route := m.allocRoute()
	a := newActor(m, route, id, impl, true)
	md := impl.Metadata()
	params.ID = id.String()
	params.Metadata = md

	switch {
	case m.ep.SameProcess():
		h := m.proc.handles.Put(impl)
		params.Kind = wire.KindSameProcess
		params.Handle = h
		undo = func() { m.proc.handles.Take(h) }

	case m.side == SideParent:
		params.Kind = fileKind(md)
		if !md.Known() {
			params.Kind = wire.KindMystery
			a.state = StateResolving
		}
		entry, err := m.proc.registry.Create(id, m.peerID, impl)
		if err != nil {
			return nil, err
		}
		a.entry = entry

	default:
		if md.SizeUnknown {
			f, ok := impl.(*blobimpl.File)
			if !ok {
				return nil, ErrSizeUnknown
			}
			if err := f.Stat(); err != nil {
				return nil, err
			}
			md = impl.Metadata()
			params.Metadata = md
		}
		var c stream.Collector
		budget := m.proc.codec.MaxInline()
		data, err := m.blobData(ctx, impl, &c, &closers, &budget)
		if err != nil {
			return nil, err
		}
		params.Kind = fileKind(md)
		params.Data = &data
		files = c.Files()
	}

	if err := m.register(a); err != nil {
		if undo != nil {
			undo()
		}
		a.release()
		return nil, err
	}
	if err := m.send(0, wire.TypeConstruct, wire.Construct{Route: route, Params: params}, files); err != nil {
		if undo != nil {
			undo()
		}
		a.release()
		return nil, fmt.Errorf("blobipc: construct blob: %w", err)
	}
	m.proc.metrics.BlobsConstructed.WithLabelValues(m.side.String(), params.Kind.String()).Inc()
	m.log().Debug("sent blob", "route", route, "id", id, "kind", params.Kind)
	return a, nil
}

// constructKnown references a blob the parent already registered for this
// process.
func (m *Manager) constructKnown(impl blobimpl.Impl, id uuid.UUID) (*Actor, error) {
	a := newActor(m, m.allocRoute(), id, impl, true)
	if err := m.register(a); err != nil {
		return nil, err
	}
	err := m.send(0, wire.TypeConstruct, wire.Construct{
		Route:  a.route,
		Params: wire.ConstructorParams{Kind: wire.KindKnown, ID: id.String()},
	}, nil)
	if err != nil {
		a.release()
		return nil, fmt.Errorf("blobipc: construct known blob: %w", err)
	}
	m.proc.metrics.BlobsConstructed.WithLabelValues(m.side.String(), wire.KindKnown.String()).Inc()
	return a, nil
}

func fileKind(md blobimpl.Metadata) wire.ParamsKind {
	if md.IsFile {
		return wire.KindFile
	}
	return wire.KindNormal
}

// blobData describes the content of impl for the parent. Descriptors are
// recorded in c; everything opened here is appended to closers. budget is
// the inline byte allowance left for the whole message.
func (m *Manager) blobData(ctx context.Context, impl blobimpl.Impl, c *stream.Collector, closers *[]io.Closer, budget *uint64) (wire.BlobData, error) {
	size, err := impl.Size()
	if err != nil {
		return wire.BlobData{}, err
	}
	d := wire.BlobData{ContentType: impl.ContentType(), Size: size}

	switch v := impl.(type) {
	case *remoteBlobImpl:
		if v.actor.mgr.peerID != m.peerID {
			return wire.BlobData{}, ErrForeignBlob
		}
		d.Kind = wire.DataID
		d.ID = v.actor.id.String()
		return d, nil

	case *remoteSliceBlobImpl:
		if v.source.actor.mgr.peerID != m.peerID {
			return wire.BlobData{}, ErrForeignBlob
		}
		a, err := v.ensureActor()
		if err != nil {
			return wire.BlobData{}, err
		}
		if a.mgr != m {
			if err := a.mgr.waitForSlice(ctx, a); err != nil {
				return wire.BlobData{}, err
			}
		}
		d.Kind = wire.DataID
		d.ID = v.id.String()
		return d, nil

	case *blobimpl.Memory:
		return m.memoryData(d, v.Data(), c, closers, budget)
	}

	if parts := impl.SubImpls(); parts != nil {
		d.Kind = wire.DataParts
		for _, part := range parts {
			pd, err := m.blobData(ctx, part, c, closers, budget)
			if err != nil {
				return wire.BlobData{}, err
			}
			d.Parts = append(d.Parts, pd)
		}
		return d, nil
	}

	s, err := impl.InternalStream(ctx)
	if err != nil {
		return wire.BlobData{}, err
	}
	*closers = append(*closers, s)
	if ser, ok := s.(stream.Serializable); ok {
		p, err := ser.Serialize(c)
		if err == nil {
			d.Kind = wire.DataStream
			d.Stream = &p
			return d, nil
		}
		if !errors.Is(err, stream.ErrNotSerializable) {
			return wire.BlobData{}, err
		}
	}
	raw, err := sizing.ReadAllWithLimit(s, size, fmt.Errorf("%w: stream longer than blob", ErrSliceBounds))
	if err != nil {
		return wire.BlobData{}, err
	}
	return m.memoryData(d, raw, c, closers, budget)
}

// memoryData sends data inline while the budget allows and spills it to an
// unlinked temporary file otherwise.
func (m *Manager) memoryData(d wire.BlobData, data []byte, c *stream.Collector, closers *[]io.Closer, budget *uint64) (wire.BlobData, error) {
	n := uint64(len(data))
	if n <= *budget {
		chunks, err := m.proc.codec.Encode(data)
		if err != nil {
			return wire.BlobData{}, err
		}
		*budget -= n
		d.Kind = wire.DataBytes
		d.Chunks = chunks
		return d, nil
	}

	f, err := spill(data)
	if err != nil {
		return wire.BlobData{}, err
	}
	*closers = append(*closers, f)
	length, err := sizing.ToInt64(n, sizing.ErrOverflow)
	if err != nil {
		return wire.BlobData{}, err
	}
	d.Kind = wire.DataStream
	d.Stream = &stream.Params{Kind: stream.KindFile, Descriptor: c.AddFile(f), Length: length}
	return d, nil
}

func spill(data []byte) (*os.File, error) {
	f, err := os.CreateTemp("", "blobipc-spill-*")
	if err != nil {
		return nil, fmt.Errorf("blobipc: spill: %w", err)
	}
	//nolint:errcheck // an open descriptor keeps the data reachable
	_ = os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		_ = f.Close() //nolint:errcheck // write error takes precedence
		return nil, fmt.Errorf("blobipc: spill: %w", err)
	}
	return f, nil
}

// createFromParams builds the receiving actor for a construct message.
// files are owned by the call.
func (m *Manager) createFromParams(route uint32, p wire.ConstructorParams, files []*os.File) (*Actor, error) {
	if m.side == SideChild || (p.Kind != wire.KindNormal && p.Kind != wire.KindFile) {
		closeFiles(files)
		files = nil
	}
	if m.side == SideChild {
		return m.createChild(route, p)
	}
	switch p.Kind {
	case wire.KindNormal, wire.KindFile:
		return m.createFromData(route, p, files)
	case wire.KindSameProcess:
		return m.createSameProcess(route, p)
	case wire.KindSliced:
		return m.createSlice(route, p)
	case wire.KindKnown:
		return m.createKnown(route, p)
	case wire.KindMystery:
		return nil, m.proc.violation("parent received mystery params", "route", route)
	default:
		return nil, m.proc.violation("unknown constructor kind", "route", route, "kind", p.Kind)
	}
}

func (m *Manager) parseID(route uint32, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, m.proc.violation("malformed blob id", "route", route, "id", raw)
	}
	return id, nil
}

func (m *Manager) createChild(route uint32, p wire.ConstructorParams) (*Actor, error) {
	switch p.Kind {
	case wire.KindNormal, wire.KindFile, wire.KindMystery:
		id, err := m.parseID(route, p.ID)
		if err != nil {
			return nil, err
		}
		md := p.Metadata
		if p.Kind == wire.KindFile {
			md.IsFile = true
		}
		state := StateBound
		if p.Kind == wire.KindMystery {
			md.SizeUnknown = true
			md.DateUnknown = md.IsFile
			state = StateResolving
		} else if !md.Known() {
			return nil, m.proc.violation("normal params with unknown metadata", "route", route)
		}
		a := &Actor{mgr: m, route: route, id: id, state: state}
		proxy := newRemoteBlob(a, md)
		a.impl = proxy
		a.serial = proxy.SerialNumber()
		return a, nil
	case wire.KindSameProcess:
		return m.createSameProcess(route, p)
	default:
		return nil, m.proc.violation("child received parent-only params", "route", route, "kind", p.Kind)
	}
}

func (m *Manager) createSameProcess(route uint32, p wire.ConstructorParams) (*Actor, error) {
	if !m.ep.SameProcess() {
		return nil, m.proc.violation("same-process params across processes", "route", route)
	}
	id, err := m.parseID(route, p.ID)
	if err != nil {
		return nil, err
	}
	v, ok := m.proc.handles.Take(p.Handle)
	if !ok {
		return nil, m.proc.violation("unknown blob handle", "route", route, "handle", p.Handle)
	}
	impl, ok := v.(blobimpl.Impl)
	if !ok {
		return nil, m.proc.violation("handle is not a blob", "route", route, "handle", p.Handle)
	}
	a := newActor(m, route, id, impl, true)
	if m.side == SideParent {
		a.impl = &parentBlobImpl{Impl: impl, actor: a}
		entry, err := m.proc.registry.Create(id, m.peerID, impl)
		if err != nil {
			return nil, m.proc.violation("duplicate blob id", "route", route, "id", id)
		}
		a.entry = entry
	}
	return a, nil
}

func (m *Manager) createFromData(route uint32, p wire.ConstructorParams, files []*os.File) (*Actor, error) {
	dec := stream.NewDecoder(files, nil)
	defer dec.Close()

	id, err := m.parseID(route, p.ID)
	if err != nil {
		return nil, err
	}
	if p.Data == nil {
		return nil, m.proc.violation("child blob without data", "route", route)
	}
	md := p.Metadata
	md.IsFile = p.Kind == wire.KindFile
	md.SizeUnknown, md.DateUnknown = false, false
	if md.Size != p.Data.Size {
		return nil, m.proc.violation("blob size disagrees with its data", "route", route, "size", md.Size, "data", p.Data.Size)
	}
	impl, err := m.reconstruct(route, *p.Data, md, dec)
	if err != nil {
		return nil, err
	}
	_ = impl.SetMutable(false) //nolint:errcheck // freezing never fails

	a := newActor(m, route, id, impl, true)
	a.impl = &parentBlobImpl{Impl: impl, actor: a}
	entry, err := m.proc.registry.Create(id, m.peerID, impl)
	if err != nil {
		return nil, m.proc.violation("duplicate blob id", "route", route, "id", id)
	}
	a.entry = entry
	return a, nil
}

// reconstruct rebuilds a child blob from its data. md is applied to the
// top-level blob.
func (m *Manager) reconstruct(route uint32, d wire.BlobData, md blobimpl.Metadata, dec *stream.Decoder) (blobimpl.Impl, error) {
	switch d.Kind {
	case wire.DataID:
		id, err := m.parseID(route, d.ID)
		if err != nil {
			return nil, err
		}
		entry, ok := m.proc.registry.GetForProcess(id, m.peerID)
		if !ok {
			return nil, m.proc.violation("blob data names an unknown id", "route", route, "id", id)
		}
		return entry.Impl, nil

	case wire.DataBytes:
		raw, err := m.proc.codec.Decode(d.Chunks)
		if err != nil {
			return nil, m.proc.violation("inline data rejected", "route", route, "error", err)
		}
		if uint64(len(raw)) != d.Size {
			return nil, m.proc.violation("inline data size mismatch", "route", route)
		}
		return memoryBlob(raw, md), nil

	case wire.DataStream:
		if d.Stream == nil {
			return nil, m.proc.violation("stream data without params", "route", route)
		}
		impl, err := m.streamBlob(route, *d.Stream, md, dec)
		if err != nil {
			return nil, err
		}
		if size, err := impl.Size(); err != nil || size != d.Size {
			return nil, m.proc.violation("stream data size mismatch", "route", route)
		}
		return impl, nil

	case wire.DataParts:
		b := blobimpl.NewMultipartBuilder(md.ContentType)
		if md.IsFile {
			b.AsFile(md.Name, md.LastModified)
		}
		var total uint64
		for _, pd := range d.Parts {
			part, err := m.reconstruct(route, pd, blobimpl.Metadata{ContentType: pd.ContentType, Size: pd.Size}, dec)
			if err != nil {
				return nil, err
			}
			size, err := part.Size()
			if err != nil {
				return nil, m.proc.violation("part of unknown size", "route", route)
			}
			next, ok := sizing.AddUint64(total, size)
			if !ok {
				return nil, m.proc.violation("multipart size overflows", "route", route)
			}
			total = next
			b.Append(part)
		}
		if total != d.Size {
			return nil, m.proc.violation("multipart size mismatch", "route", route)
		}
		return b.Build(), nil

	default:
		return nil, m.proc.violation("unknown blob data kind", "route", route, "kind", d.Kind)
	}
}

// streamBlob rebuilds a stream sent by the peer as a blob that can be read
// any number of times and sliced. Multiplexed streams become multipart blobs.
func (m *Manager) streamBlob(route uint32, p stream.Params, md blobimpl.Metadata, dec *stream.Decoder) (blobimpl.Impl, error) {
	switch p.Kind {
	case stream.KindString:
		return memoryBlob(p.Data, md), nil

	case stream.KindFile:
		s, err := dec.Decode(p)
		if err != nil {
			return nil, m.proc.violation("undecodable stream data", "route", route, "error", err)
		}
		fs, ok := s.(*stream.File)
		if !ok {
			_ = s.Close() //nolint:errcheck // refused
			return nil, m.proc.violation("file params decoded to another stream", "route", route)
		}
		impl, err := blobimpl.FromFileStream(fs, md)
		_ = fs.Close() //nolint:errcheck // the descriptor now belongs to impl
		if err != nil {
			return nil, err
		}
		return impl, nil

	case stream.KindMultiplex:
		if len(p.Streams) == 1 {
			return m.streamBlob(route, p.Streams[0], md, dec)
		}
		b := blobimpl.NewMultipartBuilder(md.ContentType)
		if md.IsFile {
			b.AsFile(md.Name, md.LastModified)
		}
		var total uint64
		for _, sp := range p.Streams {
			part, err := m.streamBlob(route, sp, blobimpl.Metadata{}, dec)
			if err != nil {
				return nil, err
			}
			size, err := part.Size()
			if err != nil {
				return nil, m.proc.violation("stream part of unknown size", "route", route)
			}
			next, ok := sizing.AddUint64(total, size)
			if !ok {
				return nil, m.proc.violation("multiplexed stream size overflows", "route", route)
			}
			total = next
			b.Append(part)
		}
		return b.Build(), nil

	default:
		return nil, m.proc.violation("unsupported stream data", "route", route, "kind", p.Kind)
	}
}

func (m *Manager) createSlice(route uint32, p wire.ConstructorParams) (*Actor, error) {
	id, err := m.parseID(route, p.ID)
	if err != nil {
		return nil, err
	}
	if p.Begin > p.End {
		return nil, m.proc.violation("slice begins after its end", "route", route, "begin", p.Begin, "end", p.End)
	}
	src := m.Actor(p.SourceRoute)
	if src == nil || src.State() == StateDestroyed {
		return nil, m.proc.violation("slice of unknown blob", "route", route, "source", p.SourceRoute)
	}
	impl := src.localImpl()
	size, err := impl.Size()
	if err != nil || p.End > size {
		return nil, m.proc.violation("slice out of bounds", "route", route, "end", p.End)
	}
	if !blobimpl.CanSlice(impl) {
		return nil, fmt.Errorf("blobipc: slice: %w", blobimpl.ErrNotSliceable)
	}
	sliced, err := impl.CreateSlice(p.Begin, p.End-p.Begin, p.Metadata.ContentType)
	if err != nil {
		return nil, fmt.Errorf("blobipc: slice: %w", err)
	}
	_ = sliced.SetMutable(false) //nolint:errcheck // freezing never fails

	entry, err := m.proc.registry.Create(id, m.peerID, sliced)
	if err != nil {
		return nil, m.proc.violation("duplicate slice id", "route", route, "id", id)
	}
	a := newActor(m, route, id, sliced, true)
	a.entry = entry
	return a, nil
}

func (m *Manager) createKnown(route uint32, p wire.ConstructorParams) (*Actor, error) {
	id, err := m.parseID(route, p.ID)
	if err != nil {
		return nil, err
	}
	entry, err := m.proc.registry.Acquire(id, m.peerID)
	if err != nil {
		return nil, m.proc.violation("known blob not registered for this process", "route", route, "id", id)
	}
	a := newActor(m, route, id, entry.Impl, true)
	a.entry = entry
	return a, nil
}

func memoryBlob(data []byte, md blobimpl.Metadata) blobimpl.Impl {
	if md.IsFile {
		return blobimpl.NewMemoryFile(data, md.Name, md.ContentType, md.LastModified)
	}
	return blobimpl.NewMemory(data, md.ContentType)
}
