package storage

import (
	"net/url"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/kit/log"
	"github.com/go-redis/redis"

	"github.com/skroutz/uploader/job"
	"github.com/skroutz/uploader/tus"
)

func newTestStorage(t *testing.T) (*Storage, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s, err := New(client)
	if err != nil {
		t.Fatal(err)
	}
	return s, mr
}

func getTestJob(id, uploadID string) job.Job {
	return job.Job{
		ID:          id,
		UploadID:    uploadID,
		CreationURL: "http://tus.example.com/files/",
		StagedKey:   uploadID,
		Size:        1024,
		Fingerprint: "staged:" + uploadID + "-1024",
		Metadata:    map[string]string{"filename": "a.jpg"},
		Headers:     map[string]string{"Authorization": "Bearer x"},
		Policy:      job.DefaultPolicy().WithMaxRetries(3),
		Tags:        job.Tags(uploadID),
	}
}

func TestNewFailsWithoutRedis(t *testing.T) {
	_, err := New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}))
	if err == nil {
		t.Error("Expected error pinging an unreachable server")
	}
}

func TestSaveAndGetJob(t *testing.T) {
	s, _ := newTestStorage(t)

	j := getTestJob("w1", "u1")
	j.Attempts = 2
	j.Progress = 12.5
	j.State = job.StateRunning
	if err := s.SaveJob(&j); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetJob("w1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, j) {
		t.Errorf("Expected %#v, got %#v", j, got)
	}

	_, err = s.GetJob("missing")
	if err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestQueueAndPop(t *testing.T) {
	s, _ := newTestStorage(t)

	j := getTestJob("w1", "u1")
	if err := s.QueuePendingUpload(&j, 0); err != nil {
		t.Fatal(err)
	}

	popped, err := s.PopJob()
	if err != nil {
		t.Fatal(err)
	}
	if popped.ID != j.ID || popped.State != job.StateScheduled {
		t.Errorf("Expected scheduled %s, got %s", j, popped)
	}

	if _, err := s.PopJob(); err != ErrEmptyQueue {
		t.Errorf("Expected ErrEmptyQueue, got %v", err)
	}

	if err := s.QueuePendingUpload(&j, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PopJob(); err != ErrRetryLater {
		t.Errorf("Expected ErrRetryLater, got %v", err)
	}
}

func TestPopOrder(t *testing.T) {
	s, mr := newTestStorage(t)

	later := getTestJob("w-later", "u1")
	sooner := getTestJob("w-sooner", "u2")
	for _, j := range []*job.Job{&later, &sooner} {
		if err := s.SaveJob(j); err != nil {
			t.Fatal(err)
		}
	}

	now := score(time.Now())
	mr.ZAdd(UploadQueue, now-1000, later.ID)
	mr.ZAdd(UploadQueue, now-2000, sooner.ID)

	for _, expected := range []string{sooner.ID, later.ID} {
		j, err := s.PopJob()
		if err != nil {
			t.Fatal(err)
		}
		if j.ID != expected {
			t.Errorf("Expected %s, got %s", expected, j.ID)
		}
	}
}

func TestAddJobSupersedes(t *testing.T) {
	s, _ := newTestStorage(t)

	first := getTestJob("w1", "u1")
	old, err := s.AddJob(&first)
	if err != nil {
		t.Fatal(err)
	}
	if old != "" {
		t.Errorf("Expected nothing to be superseded, got %s", old)
	}
	if err := s.QueuePendingUpload(&first, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRecord(job.Record{ID: first.ID, Status: job.StatusStarted}); err != nil {
		t.Fatal(err)
	}

	second := getTestJob("w2", "u1")
	old, err = s.AddJob(&second)
	if err != nil {
		t.Fatal(err)
	}
	if old != first.ID {
		t.Errorf("Expected %s to be superseded, got %q", first.ID, old)
	}

	if _, err := s.GetJob(first.ID); err != ErrNotFound {
		t.Errorf("Expected superseded job to be removed, got %v", err)
	}
	if _, err := s.GetRecord(first.ID); err != ErrNotFound {
		t.Errorf("Expected superseded record to be removed, got %v", err)
	}
	if _, err := s.PopJob(); err != ErrEmptyQueue {
		t.Errorf("Expected superseded job to be dequeued, got %v", err)
	}

	infos, err := s.JobsByTag(job.Tag)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].ID != second.ID {
		t.Errorf("Expected only %s to be tagged, got %v", second.ID, infos)
	}

	if sup, err := s.Superseded(&first); err != nil || !sup {
		t.Errorf("Expected %s to be superseded (err: %v)", first.ID, err)
	}
	if sup, err := s.Superseded(&second); err != nil || sup {
		t.Errorf("Expected %s to be current (err: %v)", second.ID, err)
	}
}

func TestRemoveJob(t *testing.T) {
	s, mr := newTestStorage(t)

	j := getTestJob("w1", "u1")
	if _, err := s.AddJob(&j); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRecord(job.Record{ID: j.ID, Status: job.StatusStopped}); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveJob(j.ID); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{WorkKeyPrefix + j.ID, RecordKeyPrefix + j.ID, UniqueKeyPrefix + j.UploadID} {
		if mr.Exists(key) {
			t.Errorf("Expected %s to be removed", key)
		}
	}
	infos, err := s.JobsByTag(job.Tag)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("Expected no tagged jobs, got %v", infos)
	}

	// removing twice is fine
	if err := s.RemoveJob(j.ID); err != nil {
		t.Error(err)
	}
}

func TestSetProgress(t *testing.T) {
	s, mr := newTestStorage(t)

	j := getTestJob("w1", "u1")
	if err := s.SaveJob(&j); err != nil {
		t.Fatal(err)
	}
	if err := s.SetProgress(j.ID, 42.5); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 42.5 {
		t.Errorf("Expected progress 42.5, got %f", got.Progress)
	}

	if err := s.SetProgress("gone", 10); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(WorkKeyPrefix + "gone") {
		t.Error("Expected no hash to be created for a missing job")
	}
}

func TestRipQueue(t *testing.T) {
	s, _ := newTestStorage(t)

	j := getTestJob("w1", "u1")
	if err := s.SaveJob(&j); err != nil {
		t.Fatal(err)
	}

	if err := s.QueueJobForDeletion(j.ID, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PopRip(); err != ErrRetryLater {
		t.Errorf("Expected ErrRetryLater, got %v", err)
	}

	if err := s.QueueJobForDeletion(j.ID, 0); err != nil {
		t.Fatal(err)
	}
	rip, err := s.PopRip()
	if err != nil {
		t.Fatal(err)
	}
	if rip.ID != j.ID {
		t.Errorf("Expected %s, got %s", j.ID, rip.ID)
	}
	if _, err := s.PopRip(); err != ErrEmptyQueue {
		t.Errorf("Expected ErrEmptyQueue, got %v", err)
	}
}

func TestScanJobs(t *testing.T) {
	s, _ := newTestStorage(t)

	expected := map[string]bool{}
	for _, id := range []string{"w1", "w2", "w3"} {
		j := getTestJob(id, "u-"+id)
		if err := s.SaveJob(&j); err != nil {
			t.Fatal(err)
		}
		expected[id] = true
	}

	seen := map[string]bool{}
	err := s.ScanJobs(func(j job.Job) { seen[j.ID] = true })
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(seen, expected) {
		t.Errorf("Expected %v, got %v", expected, seen)
	}
}

func TestRecords(t *testing.T) {
	s, _ := newTestStorage(t)

	r := job.Record{
		ID:       "w1",
		Status:   job.StatusFailedWillRetry,
		Reason:   job.ReasonPtr(job.ReasonRecoverableProtocolError),
		Detail:   "unexpected status 503",
		Progress: 30,
	}
	if err := s.SaveRecord(r); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRecord("w1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, r) {
		t.Errorf("Expected %#v, got %#v", r, got)
	}

	// a successful attempt clears the reason
	r = job.Record{ID: "w1", Status: job.StatusStarted}
	if err := s.SaveRecord(r); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetRecord("w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Reason != nil || got.Detail != "" {
		t.Errorf("Expected reason and detail to be cleared, got %#v", got)
	}

	if err := s.RemoveRecord("w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRecord("w1"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMetadata(t *testing.T) {
	s, _ := newTestStorage(t)

	md := map[string]string{"filename": "a.jpg", "filetype": "image/jpeg"}
	if err := s.SaveMetadata("u1", md); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetMetadata("u1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, md) {
		t.Errorf("Expected %v, got %v", md, got)
	}

	if err := s.SaveMetadata("u2", nil); err != nil {
		t.Fatal(err)
	}
	if got, err := s.GetMetadata("u2"); err != nil || got == nil {
		t.Errorf("Expected empty metadata to be stored, got %v (%v)", got, err)
	}

	if ok, err := s.ConsumeMetadata("u1", "w1"); err != nil || !ok {
		t.Fatalf("Expected metadata to be consumed, got %v (%v)", ok, err)
	}
	if _, err := s.GetMetadata("u1"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestConsumeMetadataOfSupersededWork(t *testing.T) {
	s, _ := newTestStorage(t)

	w1 := getTestJob("w1", "u1")
	if _, err := s.AddJob(&w1); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMetadata("u1", map[string]string{"v": "1"}); err != nil {
		t.Fatal(err)
	}

	// u1 is resubmitted while w1 is being reported
	w2 := getTestJob("w2", "u1")
	if _, err := s.AddJob(&w2); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMetadata("u1", map[string]string{"v": "2"}); err != nil {
		t.Fatal(err)
	}

	ok, err := s.ConsumeMetadata("u1", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Expected the metadata of w2 to be kept")
	}
	md, err := s.GetMetadata("u1")
	if err != nil {
		t.Fatal(err)
	}
	if md["v"] != "2" {
		t.Errorf("Expected the metadata of w2, got %v", md)
	}

	if ok, err := s.ConsumeMetadata("u1", "w2"); err != nil || !ok {
		t.Errorf("Expected the current work to consume its metadata, got %v (%v)", ok, err)
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestStorage(t)

	b, err := s.GetStats("processor")
	if err != nil || b != nil {
		t.Errorf("Expected no stats, got %s (%v)", b, err)
	}

	if err := s.SetStats("processor", `{"workers": 1}`, time.Minute); err != nil {
		t.Fatal(err)
	}
	b, err = s.GetStats("processor")
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"workers": 1}` {
		t.Errorf("Unexpected stats %s", b)
	}
}

func TestURLStore(t *testing.T) {
	s, mr := newTestStorage(t)
	testURLStore(t, s.URLStore(log.NewNopLogger()), func(fp string) bool {
		return mr.Exists(FingerprintKeyPrefix + fp)
	})

	mem := new(MemKV)
	testURLStore(t, NewURLStore(mem, log.NewNopLogger()), func(fp string) bool {
		_, err := mem.Get(fp)
		return err == nil
	})
}

func testURLStore(t *testing.T, store *URLStore, exists func(fp string) bool) {
	t.Helper()

	if _, err := store.Get("fp"); err != tus.ErrFingerprintNotFound {
		t.Errorf("Expected ErrFingerprintNotFound, got %v", err)
	}

	loc, _ := url.Parse("http://tus.example.com/files/1")
	if err := store.Set("fp", loc); err != nil {
		t.Fatal(err)
	}
	u, err := store.Get("fp")
	if err != nil {
		t.Fatal(err)
	}
	if u.String() != loc.String() {
		t.Errorf("Expected %s, got %s", loc, u)
	}

	// empty fingerprints are never stored
	if err := store.Set("", loc); err != nil {
		t.Error(err)
	}
	if exists("") {
		t.Error("Expected empty fingerprint not to be stored")
	}
	if _, err := store.Get(""); err != tus.ErrFingerprintNotFound {
		t.Errorf("Expected ErrFingerprintNotFound for empty fingerprint, got %v", err)
	}
	if err := store.Remove(""); err != nil {
		t.Error(err)
	}

	if err := store.Remove("fp"); err != nil {
		t.Fatal(err)
	}
	if exists("fp") {
		t.Error("Expected fp to be removed")
	}
}

func TestURLStoreRemovesUnparsableURL(t *testing.T) {
	s, mr := newTestStorage(t)
	store := s.URLStore(log.NewNopLogger())

	for _, v := range []string{"http://[::1", "not a url", "%zz"} {
		mr.Set(FingerprintKeyPrefix+"fp", v)

		u, err := store.Get("fp")
		if err != tus.ErrFingerprintNotFound || u != nil {
			t.Errorf("Expected %q to be reported as absent, got %v (%v)", v, u, err)
		}
		if mr.Exists(FingerprintKeyPrefix + "fp") {
			t.Errorf("Expected %q to be removed", v)
		}
	}
}
