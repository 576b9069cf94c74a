package repository

import (
	"context"
	"sync"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/G-Research/automagician/internal/automagician/domain"
)

const (
	optTableName        = "opt"
	dosTableName        = "dos"
	wavTableName        = "wav"
	goneTableName       = "gone"
	relocationTableName = "relocation"
)

type memOptRecord struct {
	Dir string
	Job domain.OptJob
	ID  int64
}

type memDosRecord struct {
	OptID int64
	Job   domain.DosJob
}

type memWavRecord struct {
	OptID int64
	Job   domain.WavJob
}

type memRelocationRecord struct {
	Seq int64
	domain.Relocation
}

func memJobSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			optTableName: {
				Name: optTableName,
				Indexes: map[string]*memdb.IndexSchema{
					"id":    {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Dir"}},
					"rowid": {Name: "rowid", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "ID"}},
				},
			},
			dosTableName: {
				Name: dosTableName,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "OptID"}},
				},
			},
			wavTableName: {
				Name: wavTableName,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "OptID"}},
				},
			},
			goneTableName: {
				Name: goneTableName,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Dir"}},
				},
			},
			relocationTableName: {
				Name: relocationTableName,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "Seq"}},
				},
			},
		},
	}
}

// MemJobStore is an in-process store, used for dry runs and tests. Records are copied in
// and out, so callers never share memory with the database.
type MemJobStore struct {
	db  *memdb.MemDB
	seq int64
	mu  sync.Mutex
}

func NewMemJobStore() (*MemJobStore, error) {
	db, err := memdb.NewMemDB(memJobSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemJobStore{db: db}, nil
}

func (s *MemJobStore) OptJobs(_ context.Context) (map[string]*domain.OptJob, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(optTableName, "id")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := map[string]*domain.OptJob{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		r := obj.(*memOptRecord)
		job := r.Job
		job.ID = r.ID
		jobs[r.Dir] = &job
	}
	return jobs, nil
}

func (s *MemJobStore) DosJobs(_ context.Context) (map[string]*domain.DosJob, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(dosTableName, "id")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := map[string]*domain.DosJob{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		r := obj.(*memDosRecord)
		parent, ok, err := dirForID(txn, r.OptID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		job := r.Job
		job.OptID = r.OptID
		jobs[parent] = &job
	}
	return jobs, nil
}

func (s *MemJobStore) WavJobs(_ context.Context) (map[string]*domain.WavJob, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(wavTableName, "id")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := map[string]*domain.WavJob{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		r := obj.(*memWavRecord)
		parent, ok, err := dirForID(txn, r.OptID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		job := r.Job
		job.OptID = r.OptID
		jobs[parent] = &job
	}
	return jobs, nil
}

func (s *MemJobStore) GoneJobs(_ context.Context) (map[string]*domain.GoneJob, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(goneTableName, "id")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := map[string]*domain.GoneJob{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		job := *obj.(*domain.GoneJob)
		jobs[job.Dir] = &job
	}
	return jobs, nil
}

func (s *MemJobStore) Relocations(_ context.Context) ([]domain.Relocation, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(relocationTableName, "id")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var relocations []domain.Relocation
	for obj := it.Next(); obj != nil; obj = it.Next() {
		relocations = append(relocations, obj.(*memRelocationRecord).Relocation)
	}
	return relocations, nil
}

func (s *MemJobStore) UpsertOptJob(_ context.Context, dir string, job *domain.OptJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(optTableName, "id", dir)
	if err != nil {
		return errors.WithStack(err)
	}
	record := &memOptRecord{Dir: dir, Job: *job}
	if existing != nil {
		record.ID = existing.(*memOptRecord).ID
	} else {
		s.seq++
		record.ID = s.seq
	}
	record.Job.ID = record.ID
	if err := txn.Insert(optTableName, record); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	job.ID = record.ID
	return nil
}

func (s *MemJobStore) UpsertDosJob(_ context.Context, parentDir string, job *domain.DosJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()
	optID, err := memResolveParent(txn, parentDir, job.OptID)
	if err != nil {
		return err
	}
	if err := txn.Insert(dosTableName, &memDosRecord{OptID: optID, Job: *job}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	job.OptID = optID
	return nil
}

func (s *MemJobStore) UpsertWavJob(_ context.Context, parentDir string, job *domain.WavJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()
	optID, err := memResolveParent(txn, parentDir, job.OptID)
	if err != nil {
		return err
	}
	if err := txn.Insert(wavTableName, &memWavRecord{OptID: optID, Job: *job}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	job.OptID = optID
	return nil
}

func (s *MemJobStore) MoveToGone(_ context.Context, job *domain.GoneJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()
	gone := *job
	if err := txn.Insert(goneTableName, &gone); err != nil {
		return errors.WithStack(err)
	}
	if _, err := txn.DeleteAll(optTableName, "id", job.Dir); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemJobStore) AddRelocation(_ context.Context, relocation domain.Relocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()
	s.seq++
	if err := txn.Insert(relocationTableName, &memRelocationRecord{Seq: s.seq, Relocation: relocation}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemJobStore) ResetOptStatuses(_ context.Context, status domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()
	it, err := txn.Get(optTableName, "id")
	if err != nil {
		return errors.WithStack(err)
	}
	var updated []*memOptRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		record := *obj.(*memOptRecord)
		record.Job.Status = status
		updated = append(updated, &record)
	}
	for _, record := range updated {
		if err := txn.Insert(optTableName, record); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

func (s *MemJobStore) DeleteOptJob(_ context.Context, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(optTableName, "id", dir); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemJobStore) Close() error {
	return nil
}

func dirForID(txn *memdb.Txn, id int64) (string, bool, error) {
	obj, err := txn.First(optTableName, "rowid", id)
	if err != nil {
		return "", false, errors.WithStack(err)
	}
	if obj == nil {
		return "", false, nil
	}
	return obj.(*memOptRecord).Dir, true, nil
}

func memResolveParent(txn *memdb.Txn, parentDir string, optID int64) (int64, error) {
	if optID != domain.UnknownID {
		_, found, err := dirForID(txn, optID)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, &domain.ErrParentNotFound{Dir: parentDir}
		}
		return optID, nil
	}
	obj, err := txn.First(optTableName, "id", parentDir)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if obj == nil {
		return 0, &domain.ErrParentNotFound{Dir: parentDir}
	}
	return obj.(*memOptRecord).ID, nil
}
