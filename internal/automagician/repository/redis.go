package repository

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/G-Research/automagician/internal/automagician/domain"
)

type redisOptRecord struct {
	ID          int64 `json:"id"`
	Status      int   `json:"status"`
	HomeMachine int   `json:"home_machine"`
	LastOn      int   `json:"last_on"`
}

type redisDosRecord struct {
	ScStatus  int `json:"sc_status"`
	DosStatus int `json:"dos_status"`
	ScLastOn  int `json:"sc_last_on"`
	DosLastOn int `json:"dos_last_on"`
}

type redisWavRecord struct {
	Status int `json:"wav_status"`
	LastOn int `json:"wav_last_on"`
}

type redisGoneRecord struct {
	Status      int `json:"status"`
	HomeMachine int `json:"home_machine"`
	LastOn      int `json:"last_on"`
}

type redisRelocationRecord struct {
	Dir         string `json:"dir"`
	MachineName string `json:"machine_name"`
}

// RedisJobStore shares job records between clusters through a redis server. Each category is a
// hash under keyPrefix; derived jobs are keyed by the parent's row id.
type RedisJobStore struct {
	db        redis.UniversalClient
	keyPrefix string
}

func NewRedisJobStore(db redis.UniversalClient, keyPrefix string) *RedisJobStore {
	return &RedisJobStore{db: db, keyPrefix: keyPrefix}
}

func (r *RedisJobStore) key(parts ...string) string {
	k := r.keyPrefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *RedisJobStore) OptJobs(_ context.Context) (map[string]*domain.OptJob, error) {
	values, err := r.db.HGetAll(r.key("opt")).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := make(map[string]*domain.OptJob, len(values))
	for dir, value := range values {
		var record redisOptRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return nil, errors.Wrapf(err, "decoding optimization job %s", dir)
		}
		jobs[dir] = &domain.OptJob{
			ID:          record.ID,
			Status:      domain.JobStatus(record.Status),
			HomeCluster: domain.Cluster(record.HomeMachine),
			LastOn:      domain.Cluster(record.LastOn),
		}
	}
	return jobs, nil
}

func (r *RedisJobStore) derived(category string, decode func(optID int64, dir, value string) error) error {
	values, err := r.db.HGetAll(r.key(category)).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	if len(values) == 0 {
		return nil
	}
	dirs, err := r.db.HGetAll(r.key("opt", "ids")).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	for idString, value := range values {
		dir, ok := dirs[idString]
		if !ok {
			continue
		}
		optID, err := strconv.ParseInt(idString, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid %s job id %q", category, idString)
		}
		if err := decode(optID, dir, value); err != nil {
			return errors.Wrapf(err, "decoding %s job %s", category, dir)
		}
	}
	return nil
}

func (r *RedisJobStore) DosJobs(_ context.Context) (map[string]*domain.DosJob, error) {
	jobs := map[string]*domain.DosJob{}
	err := r.derived("dos", func(optID int64, dir, value string) error {
		var record redisDosRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return err
		}
		jobs[dir] = &domain.DosJob{
			OptID:     optID,
			ScStatus:  domain.JobStatus(record.ScStatus),
			DosStatus: domain.JobStatus(record.DosStatus),
			ScLastOn:  domain.Cluster(record.ScLastOn),
			DosLastOn: domain.Cluster(record.DosLastOn),
		}
		return nil
	})
	return jobs, err
}

func (r *RedisJobStore) WavJobs(_ context.Context) (map[string]*domain.WavJob, error) {
	jobs := map[string]*domain.WavJob{}
	err := r.derived("wav", func(optID int64, dir, value string) error {
		var record redisWavRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return err
		}
		jobs[dir] = &domain.WavJob{
			OptID:  optID,
			Status: domain.JobStatus(record.Status),
			LastOn: domain.Cluster(record.LastOn),
		}
		return nil
	})
	return jobs, err
}

func (r *RedisJobStore) GoneJobs(_ context.Context) (map[string]*domain.GoneJob, error) {
	values, err := r.db.HGetAll(r.key("gone")).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := make(map[string]*domain.GoneJob, len(values))
	for dir, value := range values {
		var record redisGoneRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return nil, errors.Wrapf(err, "decoding gone job %s", dir)
		}
		jobs[dir] = &domain.GoneJob{
			Dir:         dir,
			Status:      domain.JobStatus(record.Status),
			HomeCluster: domain.Cluster(record.HomeMachine),
			LastOn:      domain.Cluster(record.LastOn),
		}
	}
	return jobs, nil
}

func (r *RedisJobStore) Relocations(_ context.Context) ([]domain.Relocation, error) {
	values, err := r.db.LRange(r.key("relocations"), 0, -1).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	relocations := make([]domain.Relocation, 0, len(values))
	for _, value := range values {
		var record redisRelocationRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return nil, errors.WithStack(err)
		}
		relocations = append(relocations, domain.Relocation{Dir: record.Dir, Destination: record.MachineName})
	}
	return relocations, nil
}

func (r *RedisJobStore) UpsertOptJob(_ context.Context, dir string, job *domain.OptJob) error {
	id, found, err := r.optID(dir)
	if err != nil {
		return err
	}
	if !found {
		id, err = r.db.Incr(r.key("opt", "seq")).Result()
		if err != nil {
			return errors.WithStack(err)
		}
	}
	data, err := json.Marshal(redisOptRecord{
		ID:          id,
		Status:      int(job.Status),
		HomeMachine: int(job.HomeCluster),
		LastOn:      int(job.LastOn),
	})
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.TxPipelined(func(p redis.Pipeliner) error {
		p.HSet(r.key("opt"), dir, data)
		p.HSet(r.key("opt", "ids"), strconv.FormatInt(id, 10), dir)
		return nil
	})
	if err != nil {
		return errors.WithStack(err)
	}
	job.ID = id
	return nil
}

func (r *RedisJobStore) UpsertDosJob(_ context.Context, parentDir string, job *domain.DosJob) error {
	optID, err := r.resolveParent(parentDir, job.OptID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(redisDosRecord{
		ScStatus:  int(job.ScStatus),
		DosStatus: int(job.DosStatus),
		ScLastOn:  int(job.ScLastOn),
		DosLastOn: int(job.DosLastOn),
	})
	if err != nil {
		return errors.WithStack(err)
	}
	if err := r.db.HSet(r.key("dos"), strconv.FormatInt(optID, 10), data).Err(); err != nil {
		return errors.WithStack(err)
	}
	job.OptID = optID
	return nil
}

func (r *RedisJobStore) UpsertWavJob(_ context.Context, parentDir string, job *domain.WavJob) error {
	optID, err := r.resolveParent(parentDir, job.OptID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(redisWavRecord{Status: int(job.Status), LastOn: int(job.LastOn)})
	if err != nil {
		return errors.WithStack(err)
	}
	if err := r.db.HSet(r.key("wav"), strconv.FormatInt(optID, 10), data).Err(); err != nil {
		return errors.WithStack(err)
	}
	job.OptID = optID
	return nil
}

func (r *RedisJobStore) MoveToGone(_ context.Context, job *domain.GoneJob) error {
	data, err := json.Marshal(redisGoneRecord{
		Status:      int(job.Status),
		HomeMachine: int(job.HomeCluster),
		LastOn:      int(job.LastOn),
	})
	if err != nil {
		return errors.WithStack(err)
	}
	id, found, err := r.optID(job.Dir)
	if err != nil {
		return err
	}
	_, err = r.db.TxPipelined(func(p redis.Pipeliner) error {
		p.HSet(r.key("gone"), job.Dir, data)
		p.HDel(r.key("opt"), job.Dir)
		if found {
			p.HDel(r.key("opt", "ids"), strconv.FormatInt(id, 10))
		}
		return nil
	})
	return errors.WithStack(err)
}

func (r *RedisJobStore) AddRelocation(_ context.Context, relocation domain.Relocation) error {
	data, err := json.Marshal(redisRelocationRecord{Dir: relocation.Dir, MachineName: relocation.Destination})
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(r.db.RPush(r.key("relocations"), data).Err())
}

func (r *RedisJobStore) ResetOptStatuses(_ context.Context, status domain.JobStatus) error {
	values, err := r.db.HGetAll(r.key("opt")).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	updated := make(map[string]interface{}, len(values))
	for dir, value := range values {
		var record redisOptRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return errors.Wrapf(err, "decoding optimization job %s", dir)
		}
		record.Status = int(status)
		data, err := json.Marshal(record)
		if err != nil {
			return errors.WithStack(err)
		}
		updated[dir] = data
	}
	if len(updated) == 0 {
		return nil
	}
	return errors.WithStack(r.db.HMSet(r.key("opt"), updated).Err())
}

func (r *RedisJobStore) DeleteOptJob(_ context.Context, dir string) error {
	id, found, err := r.optID(dir)
	if err != nil || !found {
		return err
	}
	_, err = r.db.TxPipelined(func(p redis.Pipeliner) error {
		p.HDel(r.key("opt"), dir)
		p.HDel(r.key("opt", "ids"), strconv.FormatInt(id, 10))
		return nil
	})
	return errors.WithStack(err)
}

func (r *RedisJobStore) Close() error {
	return r.db.Close()
}

func (r *RedisJobStore) optID(dir string) (int64, bool, error) {
	value, err := r.db.HGet(r.key("opt"), dir).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.WithStack(err)
	}
	var record redisOptRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return 0, false, errors.Wrapf(err, "decoding optimization job %s", dir)
	}
	return record.ID, true, nil
}

func (r *RedisJobStore) resolveParent(parentDir string, optID int64) (int64, error) {
	if optID != domain.UnknownID {
		found, err := r.db.HExists(r.key("opt", "ids"), strconv.FormatInt(optID, 10)).Result()
		if err != nil {
			return 0, errors.WithStack(err)
		}
		if !found {
			return 0, &domain.ErrParentNotFound{Dir: parentDir}
		}
		return optID, nil
	}
	id, found, err := r.optID(parentDir)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, &domain.ErrParentNotFound{Dir: parentDir}
	}
	return id, nil
}
