package storage

import (
	"encoding/json"
	"strconv"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/skroutz/uploader/job"
)

const (
	// The record of each work's latest attempt is a Redis Hash named in the
	// form "<RecordKeyPrefix><work-id>".
	RecordKeyPrefix = "record:"

	// The metadata each upload was submitted with, JSON encoded, in a key
	// named "<MetadataKeyPrefix><upload-id>".
	MetadataKeyPrefix = "meta:"
)

// SaveRecord updates or creates r in Redis.
func (s *Storage) SaveRecord(r job.Record) error {
	reason := ""
	if r.Reason != nil {
		b, err := r.Reason.MarshalText()
		if err != nil {
			return err
		}
		reason = string(b)
	}

	return s.Redis.HMSet(RecordKeyPrefix+r.ID, map[string]interface{}{
		"Status":   string(r.Status),
		"Reason":   reason,
		"Detail":   r.Detail,
		"Progress": strconv.FormatFloat(r.Progress, 'f', -1, 64),
	}).Err()
}

// GetRecord fetches the record of the work denoted by id.
func (s *Storage) GetRecord(id string) (job.Record, error) {
	val, err := s.Redis.HGetAll(RecordKeyPrefix + id).Result()
	if err != nil {
		return job.Record{}, err
	}
	if val["Status"] == "" {
		return job.Record{ID: id}, ErrNotFound
	}

	r := job.Record{ID: id, Status: job.Status(val["Status"]), Detail: val["Detail"]}
	if v := val["Reason"]; v != "" {
		reason, err := job.ParseFailureReason(v)
		if err != nil {
			return r, err
		}
		r.Reason = &reason
	}
	if v := val["Progress"]; v != "" {
		r.Progress, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return r, errors.Wrap(err, "Could not decode record progress")
		}
	}
	return r, nil
}

// RemoveRecord deletes the record of the work denoted by id.
func (s *Storage) RemoveRecord(id string) error {
	return s.Redis.Del(RecordKeyPrefix + id).Err()
}

// SaveMetadata stores the metadata uploadID was submitted with.
func (s *Storage) SaveMetadata(uploadID string, metadata map[string]string) error {
	if metadata == nil {
		metadata = map[string]string{}
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	return s.Redis.Set(MetadataKeyPrefix+uploadID, string(b), 0).Err()
}

// GetMetadata fetches the metadata of uploadID. ErrNotFound is returned once
// the metadata has been removed.
func (s *Storage) GetMetadata(uploadID string) (map[string]string, error) {
	v, err := s.Redis.Get(MetadataKeyPrefix + uploadID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var m map[string]string
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil, errors.Wrapf(err, "Could not decode metadata of %s", uploadID)
	}
	return m, nil
}

// Delete the metadata of an upload, unless the upload has been resubmitted
// under a work other than the one consuming it.
var consumeMetadata = redis.NewScript(`
	local cur = redis.call("get", KEYS[1])
	if cur and cur ~= ARGV[1] then
		return 0
	end
	redis.call("del", KEYS[2])
	return 1
	`)

// ConsumeMetadata deletes the metadata of uploadID once workID has been
// reported. The metadata is kept if a newer work has replaced workID, since
// it then belongs to the newer submission. It reports whether the metadata
// was deleted.
func (s *Storage) ConsumeMetadata(uploadID, workID string) (bool, error) {
	res, err := consumeMetadata.Run(s.Redis,
		[]string{UniqueKeyPrefix + uploadID, MetadataKeyPrefix + uploadID}, workID).Result()
	if err != nil {
		return false, errors.Wrapf(err, "Could not consume metadata of %s", uploadID)
	}
	n, _ := res.(int64)
	return n == 1, nil
}
