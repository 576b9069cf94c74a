package repository

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/G-Research/automagician/internal/automagician/domain"
)

var (
	optTable        = goqu.T("opt_jobs")
	dosTable        = goqu.T("dos_jobs")
	wavTable        = goqu.T("wav_jobs")
	goneTable       = goqu.T("gone_jobs")
	relocationTable = goqu.T("insta_submit")

	col_id          = goqu.C("id")
	col_dir         = goqu.C("dir")
	col_optId       = goqu.C("opt_id")
	col_machineName = goqu.C("machine_name")

	opt_id  = goqu.I("opt_jobs.id")
	opt_dir = goqu.I("opt_jobs.dir")
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS opt_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dir TEXT NOT NULL UNIQUE,
		status INTEGER NOT NULL,
		home_machine INTEGER NOT NULL,
		last_on INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS dos_jobs (
		opt_id INTEGER PRIMARY KEY,
		sc_status INTEGER NOT NULL,
		dos_status INTEGER NOT NULL,
		sc_last_on INTEGER NOT NULL,
		dos_last_on INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS wav_jobs (
		opt_id INTEGER PRIMARY KEY,
		wav_status INTEGER NOT NULL,
		wav_last_on INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS gone_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dir TEXT NOT NULL UNIQUE,
		status INTEGER NOT NULL,
		home_machine INTEGER NOT NULL,
		last_on INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS insta_submit (
		dir TEXT NOT NULL,
		machine_name TEXT NOT NULL)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS opt_jobs (
		id BIGSERIAL PRIMARY KEY,
		dir TEXT NOT NULL UNIQUE,
		status INTEGER NOT NULL,
		home_machine INTEGER NOT NULL,
		last_on INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS dos_jobs (
		opt_id BIGINT PRIMARY KEY,
		sc_status INTEGER NOT NULL,
		dos_status INTEGER NOT NULL,
		sc_last_on INTEGER NOT NULL,
		dos_last_on INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS wav_jobs (
		opt_id BIGINT PRIMARY KEY,
		wav_status INTEGER NOT NULL,
		wav_last_on INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS gone_jobs (
		id BIGSERIAL PRIMARY KEY,
		dir TEXT NOT NULL UNIQUE,
		status INTEGER NOT NULL,
		home_machine INTEGER NOT NULL,
		last_on INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS insta_submit (
		dir TEXT NOT NULL,
		machine_name TEXT NOT NULL)`,
}

type optRow struct {
	ID          int64  `db:"id"`
	Dir         string `db:"dir"`
	Status      int    `db:"status"`
	HomeMachine int    `db:"home_machine"`
	LastOn      int    `db:"last_on"`
}

type dosRow struct {
	Dir       string `db:"dir"`
	OptID     int64  `db:"opt_id"`
	ScStatus  int    `db:"sc_status"`
	DosStatus int    `db:"dos_status"`
	ScLastOn  int    `db:"sc_last_on"`
	DosLastOn int    `db:"dos_last_on"`
}

type wavRow struct {
	Dir       string `db:"dir"`
	OptID     int64  `db:"opt_id"`
	WavStatus int    `db:"wav_status"`
	WavLastOn int    `db:"wav_last_on"`
}

type relocationRow struct {
	Dir         string `db:"dir"`
	MachineName string `db:"machine_name"`
}

// SQLJobStore keeps the job tables in sqlite (the default, one file in the user's home) or postgres.
type SQLJobStore struct {
	db     *sql.DB
	goquDb *goqu.Database
	// sqlite allows a single writer.
	lock sync.Mutex
	log  log.FieldLogger
}

// NewSQLiteJobStore opens (creating if needed) the sqlite database at path.
func NewSQLiteJobStore(ctx context.Context, path string, logger log.FieldLogger) (*SQLJobStore, error) {
	dbDir := filepath.Dir(path)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not make directory at %s for sqlite db", dbDir)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite DB from %s", path)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}
	return newSQLJobStore(ctx, db, "sqlite3", sqliteSchema, logger)
}

// NewPostgresJobStore connects through the pgx database/sql driver.
func NewPostgresJobStore(ctx context.Context, connection map[string]string, logger log.FieldLogger) (*SQLJobStore, error) {
	db, err := sql.Open("pgx", CreateConnectionString(connection))
	if err != nil {
		return nil, errors.Wrap(err, "cannot open postgres connection")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "cannot reach postgres")
	}
	return newSQLJobStore(ctx, db, "postgres", postgresSchema, logger)
}

func newSQLJobStore(ctx context.Context, db *sql.DB, dialect string, schema []string, logger log.FieldLogger) (*SQLJobStore, error) {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "creating job tables")
		}
	}
	return &SQLJobStore{db: db, goquDb: goqu.New(dialect, db), log: logger}, nil
}

func (s *SQLJobStore) OptJobs(ctx context.Context) (map[string]*domain.OptJob, error) {
	var rows []optRow
	if err := s.goquDb.From(optTable).ScanStructsContext(ctx, &rows); err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := make(map[string]*domain.OptJob, len(rows))
	for _, r := range rows {
		jobs[r.Dir] = &domain.OptJob{
			ID:          r.ID,
			Status:      domain.JobStatus(r.Status),
			HomeCluster: domain.Cluster(r.HomeMachine),
			LastOn:      domain.Cluster(r.LastOn),
		}
	}
	return jobs, nil
}

func (s *SQLJobStore) DosJobs(ctx context.Context) (map[string]*domain.DosJob, error) {
	var rows []dosRow
	err := s.goquDb.From(dosTable).
		InnerJoin(optTable, goqu.On(opt_id.Eq(goqu.I("dos_jobs.opt_id")))).
		Select(
			opt_dir.As("dir"),
			goqu.I("dos_jobs.opt_id").As("opt_id"),
			goqu.I("dos_jobs.sc_status").As("sc_status"),
			goqu.I("dos_jobs.dos_status").As("dos_status"),
			goqu.I("dos_jobs.sc_last_on").As("sc_last_on"),
			goqu.I("dos_jobs.dos_last_on").As("dos_last_on")).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := make(map[string]*domain.DosJob, len(rows))
	for _, r := range rows {
		jobs[r.Dir] = &domain.DosJob{
			OptID:     r.OptID,
			ScStatus:  domain.JobStatus(r.ScStatus),
			DosStatus: domain.JobStatus(r.DosStatus),
			ScLastOn:  domain.Cluster(r.ScLastOn),
			DosLastOn: domain.Cluster(r.DosLastOn),
		}
	}
	return jobs, nil
}

func (s *SQLJobStore) WavJobs(ctx context.Context) (map[string]*domain.WavJob, error) {
	var rows []wavRow
	err := s.goquDb.From(wavTable).
		InnerJoin(optTable, goqu.On(opt_id.Eq(goqu.I("wav_jobs.opt_id")))).
		Select(
			opt_dir.As("dir"),
			goqu.I("wav_jobs.opt_id").As("opt_id"),
			goqu.I("wav_jobs.wav_status").As("wav_status"),
			goqu.I("wav_jobs.wav_last_on").As("wav_last_on")).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := make(map[string]*domain.WavJob, len(rows))
	for _, r := range rows {
		jobs[r.Dir] = &domain.WavJob{
			OptID:  r.OptID,
			Status: domain.JobStatus(r.WavStatus),
			LastOn: domain.Cluster(r.WavLastOn),
		}
	}
	return jobs, nil
}

func (s *SQLJobStore) GoneJobs(ctx context.Context) (map[string]*domain.GoneJob, error) {
	var rows []optRow
	if err := s.goquDb.From(goneTable).ScanStructsContext(ctx, &rows); err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := make(map[string]*domain.GoneJob, len(rows))
	for _, r := range rows {
		jobs[r.Dir] = &domain.GoneJob{
			Dir:         r.Dir,
			Status:      domain.JobStatus(r.Status),
			HomeCluster: domain.Cluster(r.HomeMachine),
			LastOn:      domain.Cluster(r.LastOn),
		}
	}
	return jobs, nil
}

func (s *SQLJobStore) Relocations(ctx context.Context) ([]domain.Relocation, error) {
	var rows []relocationRow
	if err := s.goquDb.From(relocationTable).ScanStructsContext(ctx, &rows); err != nil {
		return nil, errors.WithStack(err)
	}
	relocations := make([]domain.Relocation, 0, len(rows))
	for _, r := range rows {
		relocations = append(relocations, domain.Relocation{Dir: r.Dir, Destination: r.MachineName})
	}
	return relocations, nil
}

func (s *SQLJobStore) UpsertOptJob(ctx context.Context, dir string, job *domain.OptJob) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.goquDb.WithTx(func(tx *goqu.TxDatabase) error {
		record := goqu.Record{
			"status":       int(job.Status),
			"home_machine": int(job.HomeCluster),
			"last_on":      int(job.LastOn),
		}
		if err := updateOrInsert(ctx, tx, optTable, col_dir.Eq(dir), record, goqu.Record{"dir": dir}); err != nil {
			return err
		}
		var id int64
		if _, err := tx.From(optTable).Select(col_id).Where(col_dir.Eq(dir)).ScanValContext(ctx, &id); err != nil {
			return errors.WithStack(err)
		}
		job.ID = id
		return nil
	})
}

func (s *SQLJobStore) UpsertDosJob(ctx context.Context, parentDir string, job *domain.DosJob) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.goquDb.WithTx(func(tx *goqu.TxDatabase) error {
		optID, err := resolveParent(ctx, tx, parentDir, job.OptID)
		if err != nil {
			return err
		}
		record := goqu.Record{
			"sc_status":   int(job.ScStatus),
			"dos_status":  int(job.DosStatus),
			"sc_last_on":  int(job.ScLastOn),
			"dos_last_on": int(job.DosLastOn),
		}
		if err := updateOrInsert(ctx, tx, dosTable, col_optId.Eq(optID), record, goqu.Record{"opt_id": optID}); err != nil {
			return err
		}
		job.OptID = optID
		return nil
	})
}

func (s *SQLJobStore) UpsertWavJob(ctx context.Context, parentDir string, job *domain.WavJob) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.goquDb.WithTx(func(tx *goqu.TxDatabase) error {
		optID, err := resolveParent(ctx, tx, parentDir, job.OptID)
		if err != nil {
			return err
		}
		record := goqu.Record{
			"wav_status":  int(job.Status),
			"wav_last_on": int(job.LastOn),
		}
		if err := updateOrInsert(ctx, tx, wavTable, col_optId.Eq(optID), record, goqu.Record{"opt_id": optID}); err != nil {
			return err
		}
		job.OptID = optID
		return nil
	})
}

func (s *SQLJobStore) MoveToGone(ctx context.Context, job *domain.GoneJob) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.goquDb.WithTx(func(tx *goqu.TxDatabase) error {
		record := goqu.Record{
			"status":       int(job.Status),
			"home_machine": int(job.HomeCluster),
			"last_on":      int(job.LastOn),
		}
		if err := updateOrInsert(ctx, tx, goneTable, col_dir.Eq(job.Dir), record, goqu.Record{"dir": job.Dir}); err != nil {
			return err
		}
		_, err := tx.Delete(optTable).Where(col_dir.Eq(job.Dir)).Executor().ExecContext(ctx)
		return errors.WithStack(err)
	})
}

func (s *SQLJobStore) AddRelocation(ctx context.Context, relocation domain.Relocation) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, err := s.goquDb.Insert(relocationTable).
		Rows(goqu.Record{"dir": relocation.Dir, "machine_name": relocation.Destination}).
		Executor().ExecContext(ctx)
	return errors.WithStack(err)
}

func (s *SQLJobStore) ResetOptStatuses(ctx context.Context, status domain.JobStatus) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, err := s.goquDb.Update(optTable).Set(goqu.Record{"status": int(status)}).Executor().ExecContext(ctx)
	return errors.WithStack(err)
}

func (s *SQLJobStore) DeleteOptJob(ctx context.Context, dir string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, err := s.goquDb.Delete(optTable).Where(col_dir.Eq(dir)).Executor().ExecContext(ctx)
	return errors.WithStack(err)
}

func (s *SQLJobStore) Close() error {
	return s.db.Close()
}

// updateOrInsert updates the rows matching where, inserting record plus key when none matched.
func updateOrInsert(ctx context.Context, tx *goqu.TxDatabase, table exp.IdentifierExpression, where exp.Expression, record, key goqu.Record) error {
	result, err := tx.Update(table).Set(record).Where(where).Executor().ExecContext(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected > 0 {
		return nil
	}
	row := goqu.Record{}
	for k, v := range record {
		row[k] = v
	}
	for k, v := range key {
		row[k] = v
	}
	_, err = tx.Insert(table).Rows(row).Executor().ExecContext(ctx)
	return errors.WithStack(err)
}

func resolveParent(ctx context.Context, tx *goqu.TxDatabase, parentDir string, optID int64) (int64, error) {
	parent := col_dir.Eq(parentDir)
	if optID != domain.UnknownID {
		parent = col_id.Eq(optID)
	}
	query := tx.From(optTable).Select(col_id).Where(parent)
	var id int64
	found, err := query.ScanValContext(ctx, &id)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if !found {
		return 0, &domain.ErrParentNotFound{Dir: parentDir}
	}
	return id, nil
}
