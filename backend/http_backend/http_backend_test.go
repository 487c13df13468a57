package httpbackend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/skroutz/uploader/job"
)

func TestNotify(t *testing.T) {
	received := make(chan job.Callback, 1)
	cbServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cr3t" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var cb job.Callback
		if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- cb
		w.WriteHeader(http.StatusAccepted)
	}))
	defer cbServer.Close()

	b := &Backend{}
	cfg := map[string]interface{}{
		"timeout": json.Number("5"),
		"headers": map[string]interface{}{"Authorization": "Bearer s3cr3t"},
	}
	if err := b.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start should not return error, got %s", err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- b.Notify(cbServer.URL, job.Callback{Success: true, UploadID: "foo"})
	}()

	report := <-b.DeliveryReports()
	if !report.Delivered || report.DeliveryError != "" {
		t.Errorf("Expected callback delivery to be successful, got %#v", report)
	}
	if err := <-errc; err != nil {
		t.Errorf("Expected Notify to be successful, got %s", err)
	}

	cb := <-received
	if !cb.Success || cb.UploadID != "foo" {
		t.Errorf("Unexpected callback received: %#v", cb)
	}

	if err := b.Stop(); err != nil {
		t.Fatalf("Error while finalizing %s ", err)
	}
}

func TestNotifyFailure(t *testing.T) {
	cbServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer cbServer.Close()

	b := &Backend{}
	if err := b.Start(context.Background(), map[string]interface{}{}); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	errc := make(chan error, 1)
	go func() {
		errc <- b.Notify(cbServer.URL, job.Callback{UploadID: "foo", Reason: "IO_ERROR"})
	}()

	report := <-b.DeliveryReports()
	if report.Delivered || report.DeliveryError == "" {
		t.Errorf("Expected callback delivery to fail, got %#v", report)
	}
	if err := <-errc; err == nil {
		t.Error("Expected Notify to fail")
	}
}

func TestStartInvalidConfig(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"timeout type":  {"timeout": "5"},
		"timeout value": {"timeout": json.Number("5.5")},
		"headers type":  {"headers": []string{"foo"}},
		"header value":  {"headers": map[string]interface{}{"foo": 1}},
	}

	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := (&Backend{}).Start(context.Background(), cfg); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}
