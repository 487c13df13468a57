// Package storage is an abstraction/utility layer over Redis.
package storage

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/skroutz/uploader/job"
)

const (
	// Each upload work has a corresponding Redis Hash named in the form
	// "<WorkKeyPrefix><work-id>"
	WorkKeyPrefix = "work:"

	// The id of the current work of each upload lives in a key named
	// "<UniqueKeyPrefix><upload-id>". Submitting a new work for the same
	// upload replaces it.
	UniqueKeyPrefix = "unique:"

	// Work ids carrying a tag are members of the Redis Set
	// "<TagKeyPrefix><tag>".
	TagKeyPrefix = "tag:"

	// UploadQueue contains ids of works waiting to be attempted, scored by
	// the time they become ready.
	UploadQueue = "UploadQueue"

	// RIPQueue contains ids of terminal works to be deleted, scored by the
	// time they may be deleted.
	RIPQueue = "JobDeletionQueue"

	// Prefix for stats related entries
	statsPrefix = "stats"
)

var (
	// Atomically pop works from a sorted set (ZSET)
	//
	// Each work has a score that points to the time
	// it should be executed.
	//
	// We only pop works that are "ready" to execute,
	// so we can implement backoffs by scheduling works
	// in the future.
	//
	// Note that we return two different kind of errors,
	// EMPTY & RETRYLATER. We need this distinction in
	// order to decide if we should wait for new works or
	// just a bit for the scheduled ones.
	zpop = redis.NewScript(`
		local key = KEYS[1]
		local max_score = tonumber(ARGV[1])

		-- Get the work with the smallest score
		local top = redis.call("zrange", key, 0, 0, "withscores")

		-- Empty ZSET
		if #top == 0 then
			return redis.error_reply("EMPTY")
		end

		local id = top[1]
		local score = tonumber(top[2])

		-- Work is not ready yet
		if score > max_score then
			return redis.error_reply("RETRYLATER")
		end

		redis.call("zrem", key, id)
		return id
		`)

	// Atomically point an upload to its new work, returning the work it
	// pointed to before (if any).
	supersede = redis.NewScript(`
		local old = redis.call("get", KEYS[1])
		redis.call("set", KEYS[1], ARGV[1])
		if old then
			return old
		end
		return ""
		`)

	// Update the progress of a work unless it has been removed meanwhile.
	setProgress = redis.NewScript(`
		if redis.call("exists", KEYS[1]) == 1 then
			redis.call("hset", KEYS[1], "Progress", ARGV[1])
			return 1
		end
		return 0
		`)

	// ErrEmptyQueue is returned by ZPOP when there is no work in the queue
	ErrEmptyQueue = errors.New("Queue is empty")
	// ErrRetryLater is returned by ZPOP when there are only future works in the queue
	ErrRetryLater = errors.New("Retry again later")
	// ErrNotFound is returned when a requested work, record or value is not
	// found in Redis.
	ErrNotFound = errors.New("Not Found")
)

// Storage wraps a redis.Client instance.
type Storage struct {
	Redis *redis.Client
}

// New returns a new Storage that can communicate with Redis. If Redis
// is not up an error will be returned.
func New(r *redis.Client) (*Storage, error) {
	if ping := r.Ping(); ping.Err() != nil || ping.Val() != "PONG" {
		if ping.Err() != nil {
			return nil, errors.Wrap(ping.Err(), "Could not ping Redis Server successfully")
		}
		return nil, errors.Errorf("Could not ping Redis Server successfully: Expected PONG, received %s", ping.Val())
	}

	return &Storage{Redis: r}, nil
}

// SaveJob updates or creates j in Redis.
func (s *Storage) SaveJob(j *job.Job) error {
	m, err := jobToMap(j)
	if err != nil {
		return err
	}
	return s.Redis.HMSet(WorkKeyPrefix+j.ID, m).Err()
}

// GetJob fetches the work with the given id from Redis.
// In the case of ErrNotFound, the returned job has valid ID and can be used
// further.
func (s *Storage) GetJob(id string) (job.Job, error) {
	val, err := s.Redis.HGetAll(WorkKeyPrefix + id).Result()
	if err != nil {
		return job.Job{}, err
	}

	if v, ok := val["ID"]; !ok || v == "" {
		return job.Job{ID: id}, ErrNotFound
	}

	return jobFromMap(val)
}

// AddJob saves j, tags it and makes it the current work of its upload. The
// id of the work it superseded, if any, is returned. The superseded work is
// removed.
//
// j is not queued.
func (s *Storage) AddJob(j *job.Job) (string, error) {
	if err := s.SaveJob(j); err != nil {
		return "", errors.Wrap(err, "Could not save job")
	}
	for _, t := range j.Tags {
		if err := s.Redis.SAdd(TagKeyPrefix+t, j.ID).Err(); err != nil {
			return "", errors.Wrapf(err, "Could not tag job with %s", t)
		}
	}

	res, err := supersede.Run(s.Redis, []string{UniqueKeyPrefix + j.UploadID}, j.ID).Result()
	if err != nil {
		return "", errors.Wrap(err, "Could not supersede")
	}
	old, _ := res.(string)
	if old == "" || old == j.ID {
		return "", nil
	}

	prev, err := s.GetJob(old)
	if err != nil && err != ErrNotFound {
		return old, errors.Wrapf(err, "Could not fetch superseded job %s", old)
	}
	if err == ErrNotFound {
		prev = job.Job{ID: old, Tags: j.Tags}
	}
	return old, s.removeJob(&prev)
}

// CurrentJob returns the id of the current work of uploadID.
func (s *Storage) CurrentJob(uploadID string) (string, error) {
	id, err := s.Redis.Get(UniqueKeyPrefix + uploadID).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return id, err
}

// Superseded reports whether j is no longer the current work of its upload.
func (s *Storage) Superseded(j *job.Job) (bool, error) {
	id, err := s.CurrentJob(j.UploadID)
	if err == ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return id != j.ID, nil
}

// RemoveJob removes the work denoted by id along with its record, its tags
// and any queue entry. The upload's unique key is removed too if it still
// points to the work.
func (s *Storage) RemoveJob(id string) error {
	j, err := s.GetJob(id)
	if err != nil && err != ErrNotFound {
		return err
	}
	if err == ErrNotFound {
		j = job.Job{ID: id}
	} else {
		cur, err := s.CurrentJob(j.UploadID)
		if err != nil && err != ErrNotFound {
			return err
		}
		if cur == id {
			if err := s.Redis.Del(UniqueKeyPrefix + j.UploadID).Err(); err != nil {
				return err
			}
		}
	}
	return s.removeJob(&j)
}

func (s *Storage) removeJob(j *job.Job) error {
	for _, t := range j.Tags {
		if err := s.Redis.SRem(TagKeyPrefix+t, j.ID).Err(); err != nil {
			return err
		}
	}
	if err := s.Redis.ZRem(UploadQueue, j.ID).Err(); err != nil {
		return err
	}
	return s.Redis.Del(WorkKeyPrefix+j.ID, RecordKeyPrefix+j.ID).Err()
}

// JobsByTag returns the live view of every work carrying tag.
func (s *Storage) JobsByTag(tag string) ([]job.Info, error) {
	ids, err := s.Redis.SMembers(TagKeyPrefix + tag).Result()
	if err != nil {
		return nil, err
	}

	infos := make([]job.Info, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(id)
		if err == ErrNotFound {
			// removed between SMEMBERS and HGETALL
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "Could not fetch job %s", id)
		}
		infos = append(infos, j.Info())
	}
	return infos, nil
}

// QueuePendingUpload sets the state of j to Scheduled, saves it and adds it
// to the upload queue.
// If a delay >0 is given, the job is queued with a higher score & actually later in time.
func (s *Storage) QueuePendingUpload(j *job.Job, delay time.Duration) error {
	j.State = job.StateScheduled
	err := s.SaveJob(j)
	if err != nil {
		return err
	}

	z := redis.Z{
		Member: j.ID,
		Score:  score(time.Now().Add(delay)),
	}
	return s.Redis.ZAdd(UploadQueue, z).Err()
}

// PopJob attempts to pop a ready work from the upload queue.
// If it succeeds the work with the popped ID is returned.
func (s *Storage) PopJob() (job.Job, error) {
	return s.pop(UploadQueue)
}

// SetProgress updates the progress of the work denoted by id. It is a no-op
// for works that no longer exist.
func (s *Storage) SetProgress(id string, progress float64) error {
	return setProgress.Run(s.Redis, []string{WorkKeyPrefix + id},
		strconv.FormatFloat(progress, 'f', -1, 64)).Err()
}

// QueueJobForDeletion schedules the work denoted by id for deletion after
// delay.
func (s *Storage) QueueJobForDeletion(id string, delay time.Duration) error {
	z := redis.Z{
		Member: id,
		Score:  score(time.Now().Add(delay)),
	}
	return s.Redis.ZAdd(RIPQueue, z).Err()
}

// PopRip fetches a work that is due for deletion from the RIPQueue (if any)
// and reports any errors.
// If the queue is empty an ErrEmptyQueue error is returned.
// Notice: Due to the nature of job deletion, the returned job is not guaranteed to
// be available in Redis.
func (s *Storage) PopRip() (job.Job, error) {
	j, err := s.pop(RIPQueue)
	if err != nil && err != ErrNotFound {
		return job.Job{}, err
	}

	return j, nil
}

// ScanJobs calls fn for every work stored in Redis.
func (s *Storage) ScanJobs(fn func(j job.Job)) error {
	var cursor uint64
	for {
		var keys []string
		var err error
		keys, cursor, err = s.Redis.Scan(cursor, WorkKeyPrefix+"*", 50).Result()
		if err != nil {
			return errors.Wrap(err, "Error scanning keys")
		}

		for _, key := range keys {
			j, err := s.GetJob(strings.TrimPrefix(key, WorkKeyPrefix))
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			fn(j)
		}

		if cursor == 0 {
			return nil
		}
	}
}

// Ping reports whether Redis is reachable.
func (s *Storage) Ping() error {
	return s.Redis.Ping().Err()
}

func jobToMap(j *job.Job) (map[string]interface{}, error) {
	metadata, err := json.Marshal(j.Metadata)
	if err != nil {
		return nil, err
	}
	headers, err := json.Marshal(j.Headers)
	if err != nil {
		return nil, err
	}
	policy, err := json.Marshal(j.Policy)
	if err != nil {
		return nil, err
	}
	tags, err := json.Marshal(j.Tags)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"ID":          j.ID,
		"UploadID":    j.UploadID,
		"CreationURL": j.CreationURL,
		"StagedKey":   j.StagedKey,
		"Size":        strconv.FormatInt(j.Size, 10),
		"Fingerprint": j.Fingerprint,
		"Metadata":    string(metadata),
		"Headers":     string(headers),
		"Policy":      string(policy),
		"State":       string(j.State),
		"Attempts":    strconv.Itoa(j.Attempts),
		"Progress":    strconv.FormatFloat(j.Progress, 'f', -1, 64),
		"Tags":        string(tags),
	}, nil
}

func jobFromMap(m map[string]string) (job.Job, error) {
	var err error
	j := job.Job{}
	for k, v := range m {
		switch k {
		case "ID":
			j.ID = v
		case "UploadID":
			j.UploadID = v
		case "CreationURL":
			j.CreationURL = v
		case "StagedKey":
			j.StagedKey = v
		case "Size":
			j.Size, err = strconv.ParseInt(v, 10, 64)
		case "Fingerprint":
			j.Fingerprint = v
		case "Metadata":
			err = json.Unmarshal([]byte(v), &j.Metadata)
		case "Headers":
			err = json.Unmarshal([]byte(v), &j.Headers)
		case "Policy":
			err = json.Unmarshal([]byte(v), &j.Policy)
		case "State":
			j.State = job.State(v)
		case "Attempts":
			j.Attempts, err = strconv.Atoi(v)
		case "Progress":
			j.Progress, err = strconv.ParseFloat(v, 64)
		case "Tags":
			err = json.Unmarshal([]byte(v), &j.Tags)
		default:
			return j, errors.Errorf("Field %s with value %s was not found in Job struct", k, v)
		}
		if err != nil {
			return j, errors.Wrapf(err, "Could not decode field %s", k)
		}
	}
	return j, nil
}

// score converts t to a queue score with millisecond precision
func score(t time.Time) float64 {
	return float64(t.UnixNano() / int64(time.Millisecond))
}

// POPs from list and returns the corresponding job
func (s *Storage) pop(list string) (job.Job, error) {
	val, err := zpop.Run(s.Redis, []string{list}, score(time.Now())).Result()

	if err != nil {
		switch {
		case strings.HasSuffix(err.Error(), "EMPTY"):
			return job.Job{}, ErrEmptyQueue
		case strings.HasSuffix(err.Error(), "RETRYLATER"):
			return job.Job{}, ErrRetryLater
		default:
			return job.Job{}, errors.Wrap(err, "Could not zpop")
		}
	}

	// ZPOP should always return a string
	id, ok := val.(string)
	if !ok {
		return job.Job{}, errors.Errorf("zpop replied with '%#v', it should be a string", val)
	}

	return s.GetJob(id)
}

// GetStats fetches stats prefixed entries from Redis
func (s *Storage) GetStats(id string) ([]byte, error) {
	getCmd := s.Redis.Get(strings.Join([]string{statsPrefix, id}, ":"))

	if err := getCmd.Err(); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	return getCmd.Bytes()
}

// SetStats saves stats in Redis
func (s *Storage) SetStats(id, stats string, expiration time.Duration) error {
	return s.Redis.Set(strings.Join([]string{statsPrefix, id}, ":"), stats, expiration).Err()
}
