package document

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/m4xw311/canvasd/errors"
)

// Snapshot is a document at one version.
type Snapshot struct {
	CanvasID  string    `json:"canvas_id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Version   int64     `json:"version"`
	Doc       *Node     `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Snapshot) clone() *Snapshot {
	out := *s
	out.Doc = s.Doc.Clone()
	return &out
}

// Port is how tools, the orchestrator and the patch applier reach a
// document. Each Mutate call is one atomic, durable transaction; op sees
// the current content and any error it returns discards its changes.
type Port interface {
	Read(ctx context.Context, canvasID string) (*Snapshot, error)
	Mutate(ctx context.Context, canvasID string, op func(doc *Node) error) (*Snapshot, error)
}

// Persister is the durable canvas store behind a Store. Load reports a
// NotFound error for unknown canvases.
type Persister interface {
	Load(ctx context.Context, canvasID string) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// Store is the live Port. It holds the working copy of each open canvas,
// which may carry transient marks, and writes a stripped copy through to
// the persister on every mutation.
type Store struct {
	persister Persister
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	live  map[string]*Snapshot
}

func NewStore(p Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		persister: p,
		logger:    logger,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
		live:      make(map[string]*Snapshot),
	}
}

func (s *Store) lock(canvasID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[canvasID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[canvasID] = l
	}
	return l
}

// current returns the live snapshot, loading it on first use. Caller holds
// the canvas lock.
func (s *Store) current(ctx context.Context, canvasID string) (*Snapshot, error) {
	s.mu.Lock()
	snap, ok := s.live[canvasID]
	s.mu.Unlock()
	if ok {
		return snap, nil
	}
	snap, err := s.persister.Load(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	if snap.Doc == nil {
		snap.Doc = NewDoc()
	}
	s.mu.Lock()
	s.live[canvasID] = snap
	s.mu.Unlock()
	return snap, nil
}

func (s *Store) Read(ctx context.Context, canvasID string) (*Snapshot, error) {
	l := s.lock(canvasID)
	l.Lock()
	defer l.Unlock()
	snap, err := s.current(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	return snap.clone(), nil
}

func (s *Store) Mutate(ctx context.Context, canvasID string, op func(doc *Node) error) (*Snapshot, error) {
	l := s.lock(canvasID)
	l.Lock()
	defer l.Unlock()

	cur, err := s.current(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	next := cur.clone()
	if err := op(next.Doc); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()

	durable := next.clone()
	StripTransient(durable.Doc)
	if err := s.persister.Save(ctx, durable); err != nil {
		return nil, errors.Wrapf(err, "saving canvas %s", canvasID)
	}

	s.mu.Lock()
	s.live[canvasID] = next
	s.mu.Unlock()
	s.logger.Debug("canvas mutated", "canvas_id", canvasID, "version", next.Version)
	return next.clone(), nil
}

// Create stores a new canvas and returns its first snapshot.
func (s *Store) Create(ctx context.Context, snap *Snapshot) (*Snapshot, error) {
	l := s.lock(snap.CanvasID)
	l.Lock()
	defer l.Unlock()

	created := snap.clone()
	if created.Doc == nil {
		created.Doc = NewDoc()
	}
	StripTransient(created.Doc)
	created.Version = 1
	created.UpdatedAt = s.now()
	if err := s.persister.Save(ctx, created); err != nil {
		return nil, errors.Wrapf(err, "creating canvas %s", snap.CanvasID)
	}
	s.mu.Lock()
	s.live[snap.CanvasID] = created
	s.mu.Unlock()
	return created.clone(), nil
}

// Evict drops the working copy of a canvas, discarding transient marks.
func (s *Store) Evict(canvasID string) {
	l := s.lock(canvasID)
	l.Lock()
	defer l.Unlock()
	s.mu.Lock()
	delete(s.live, canvasID)
	s.mu.Unlock()
}

// CheckOwner reads a canvas on behalf of subject. Missing canvases and
// canvases owned by someone else both report NotFound.
func CheckOwner(ctx context.Context, port Port, canvasID, subject string) (*Snapshot, error) {
	if canvasID == "" {
		return nil, errors.E(errors.InvalidInput, "canvas_id is required")
	}
	snap, err := port.Read(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	if snap.OwnerID != subject {
		return nil, errors.E(errors.Authorization, "Canvas not found")
	}
	return snap, nil
}

// MemoryPersister keeps canvases as JSON in memory.
type MemoryPersister struct {
	mu   sync.Mutex
	rows map[string][]byte
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{rows: make(map[string][]byte)}
}

func (m *MemoryPersister) Load(_ context.Context, canvasID string) (*Snapshot, error) {
	m.mu.Lock()
	raw, ok := m.rows[canvasID]
	m.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotFound, "Canvas not found")
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, errors.Wrapf(err, "decoding canvas %s", canvasID)
	}
	return &snap, nil
}

func (m *MemoryPersister) Save(_ context.Context, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrapf(err, "encoding canvas %s", snap.CanvasID)
	}
	m.mu.Lock()
	m.rows[snap.CanvasID] = raw
	m.mu.Unlock()
	return nil
}

// Raw returns the stored bytes of a canvas.
func (m *MemoryPersister) Raw(canvasID string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.rows[canvasID]...)
}
