package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mcuadros/go-defaults"
	"github.com/pkg/errors"
)

// Config holds the app's configuration
type Config struct {
	Redis     Redis     `json:"redis"`
	API       API       `json:"api"`
	Processor Processor `json:"processor"`
	Uploader  Uploader  `json:"uploader"`
	Staging   Staging   `json:"staging"`

	// Backends holds the options each notification backend is started
	// with, keyed by backend id.
	Backends map[string]map[string]interface{} `json:"backends"`

	// Notify maps the id of each backend to enable to its destination (a
	// URL, topic or queue).
	Notify map[string]string `json:"notify"`
}

type Redis struct {
	Addr string `json:"addr" default:"localhost:6379" validate:"required,hostname_port"`

	// Sentinel settings
	// List of Sentinel Hosts
	Sentinel []string `json:"sentinel" validate:"dive,hostname_port"`
	// Sentinel Master Name
	MasterName string `json:"master_name" validate:"required_with=Sentinel"`
}

type API struct {
	Host          string `json:"host" default:"0.0.0.0"`
	Port          int    `json:"port" default:"8000" validate:"min=1,max=65535"`
	HeartbeatPath string `json:"heartbeat_path" validate:"omitempty,startswith=/"`
}

type Processor struct {
	Concurrency int   `json:"concurrency" default:"4" validate:"min=1"`
	ChunkSize   int64 `json:"chunk_size" default:"1048576" validate:"min=1"`

	// RequestHeaders are added to every protocol request. The headers of
	// each submission take precedence.
	RequestHeaders map[string]string `json:"request_headers"`

	PollIntervalMs           int    `json:"poll_interval_ms" default:"1000" validate:"min=1"`
	SupersedeCheckIntervalMs int    `json:"supersede_check_interval_ms" default:"2000" validate:"min=1"`
	Retention                int    `json:"retention" default:"3600" validate:"min=0"`
	ReaperSchedule           string `json:"reaper_schedule" default:"@every 1m" validate:"required"`

	// Metered marks the network as metered, deferring uploads that
	// require an unmetered one.
	Metered      bool `json:"metered"`
	MeteredDelay int  `json:"metered_delay" default:"60" validate:"min=1"`

	StatsInterval int `json:"stats_interval" default:"5" validate:"min=1"`
}

type Uploader struct {
	CreationURL     string `json:"creation_url" validate:"required,url"`
	WatchIntervalMs int    `json:"watch_interval_ms" default:"1000" validate:"min=1"`

	// Disk usage thresholds (%) of a filesystem staging area. Submissions
	// are refused above DiskHigh until usage drops to DiskLow.
	DiskHigh          int `json:"disk_high" default:"90" validate:"min=1,max=100"`
	DiskLow           int `json:"disk_low" default:"75" validate:"min=0,ltfield=DiskHigh"`
	DiskCheckInterval int `json:"disk_check_interval" default:"10" validate:"min=1"`
}

type Staging struct {
	Backend string `json:"backend" default:"filesystem" validate:"oneof=filesystem s3 minio"`

	Dir string `json:"dir" validate:"required_if=Backend filesystem"`

	Bucket    string `json:"bucket" validate:"required_unless=Backend filesystem"`
	Region    string `json:"region" validate:"required_if=Backend s3"`
	Endpoint  string `json:"endpoint" validate:"required_if=Backend minio"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Secure    bool   `json:"secure"`
}

// PollInterval returns the processor's queue poll interval.
func (p Processor) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

// SupersedeCheckInterval returns how often running uploads are checked for
// supersession.
func (p Processor) SupersedeCheckInterval() time.Duration {
	return time.Duration(p.SupersedeCheckIntervalMs) * time.Millisecond
}

// WatchInterval returns how often the processor listing is polled.
func (u Uploader) WatchInterval() time.Duration {
	return time.Duration(u.WatchIntervalMs) * time.Millisecond
}

// Parse loads a given file name and creates a Configuration. Missing
// values are set to their defaults and the result is validated.
func Parse(filename string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(filename)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "Could not decode %s", filename)
	}

	defaults.SetDefaults(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "Invalid configuration in %s", filename)
	}
	for id := range cfg.Notify {
		if _, ok := cfg.Backends[id]; !ok {
			return cfg, errors.Errorf("Invalid configuration in %s: no options for backend %s", filename, id)
		}
	}

	return cfg, nil
}
