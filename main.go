package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/skroutz/uploader/api"
	"github.com/skroutz/uploader/backend"
	httpbackend "github.com/skroutz/uploader/backend/http_backend"
	kafkabackend "github.com/skroutz/uploader/backend/kafka_backend"
	sqsbackend "github.com/skroutz/uploader/backend/sqs_backend"
	"github.com/skroutz/uploader/config"
	"github.com/skroutz/uploader/job"
	"github.com/skroutz/uploader/notifier"
	"github.com/skroutz/uploader/processor"
	"github.com/skroutz/uploader/staging"
	"github.com/skroutz/uploader/staging/diskcheck"
	"github.com/skroutz/uploader/storage"
	"github.com/skroutz/uploader/uploader"
)

var (
	sigCh  = make(chan os.Signal, 1)
	cfg    config.Config
	logger log.Logger
)

func main() {
	logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	configFlag := cli.StringFlag{
		Name:  "config, c",
		Usage: "`FILE` to load config from",
		Value: "config.json",
	}

	app := cli.NewApp()
	app.Name = "uploader"
	app.Usage = "Resumable uploading service"
	app.HideVersion = true

	app.Commands = cli.Commands{
		cli.Command{
			Name:  "serve",
			Usage: "Start the API web server, the job processor and the notifications",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "host",
					Usage: "`HOST` to listen on, overrides the configuration",
				},
				cli.IntFlag{
					Name:  "port, p",
					Usage: "`PORT` to listen on, overrides the configuration",
				},
				configFlag,
			},
			Action: serve,
			Before: parseConfig,
		},
		cli.Command{
			Name:   "processor",
			Usage:  "Start the job processor only",
			Flags:  []cli.Flag{configFlag},
			Action: runProcessor,
			Before: parseConfig,
		},
		cli.Command{
			Name:      "submit",
			Usage:     "Stage FILE and schedule it for upload",
			ArgsUsage: "FILE",
			Flags: []cli.Flag{
				configFlag,
				cli.StringFlag{
					Name:  "submission, s",
					Usage: "JSON encoded submission `OPTIONS` (id, metadata, headers, policy, mime_type)",
				},
			},
			Action: submit,
			Before: parseConfig,
		},
		cli.Command{
			Name:   "status",
			Usage:  "Print the current state of every upload",
			Flags:  []cli.Flag{configFlag},
			Action: status,
			Before: parseConfig,
		},
	}

	if err := app.Run(os.Args); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	client, err := newClient("api")
	if err != nil {
		return err
	}

	host, port := cfg.API.Host, cfg.API.Port
	if c.IsSet("host") {
		host = c.String("host")
	}
	if c.IsSet("port") {
		port = c.Int("port")
	}
	as := api.New(client, host, port, cfg.API.HeartbeatPath, log.With(logger, "component", "api"))

	p, err := newProcessor(client.Storage, client.Staging)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	backends, err := startBackends(ctx, client.Notifier, &wg)
	if err != nil {
		cancel()
		return err
	}

	if fs, ok := client.Staging.(*staging.FileSystem); ok {
		checker, err := diskcheck.New(fs.RootDir, cfg.Uploader.DiskHigh, cfg.Uploader.DiskLow,
			time.Duration(cfg.Uploader.DiskCheckInterval)*time.Second, log.With(logger, "component", "diskcheck"))
		if err != nil {
			cancel()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.MonitorDisk(ctx, checker)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		client.Watch(ctx)
	}()

	closeCh := make(chan struct{})
	go p.Start(closeCh)

	go func() {
		level.Info(logger).Log("msg", "Listening", "addr", as.Server.Addr)
		err := as.Server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "API server failed", "err", err)
			sigCh <- syscall.SIGTERM
		}
	}()

	<-sigCh
	level.Info(logger).Log("msg", "Shutting down gracefully...")
	if err := as.Server.Shutdown(context.TODO()); err != nil {
		level.Error(logger).Log("msg", "Error shutting down API server", "err", err)
	}

	closeCh <- struct{}{}
	level.Info(logger).Log("msg", "Waiting for running uploads to stop...")
	<-closeCh

	cancel()
	wg.Wait()
	for _, b := range backends {
		if err := b.Stop(); err != nil {
			level.Error(logger).Log("msg", "Error stopping backend", "backend", b.ID(), "err", err)
		}
	}

	level.Info(logger).Log("msg", "Bye!")
	return nil
}

func runProcessor(c *cli.Context) error {
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	store, err := storage.New(redisClient("processor"))
	if err != nil {
		return err
	}
	stg, err := newStaging()
	if err != nil {
		return err
	}
	p, err := newProcessor(store, stg)
	if err != nil {
		return err
	}

	closeCh := make(chan struct{})
	go p.Start(closeCh)

	<-sigCh
	level.Info(logger).Log("msg", "Shutting down...")
	closeCh <- struct{}{}
	level.Info(logger).Log("msg", "Waiting for running uploads to stop...")
	<-closeCh
	level.Info(logger).Log("msg", "Bye!")
	return nil
}

func submit(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("exactly one FILE must be given", 2)
	}

	var sub job.Submission
	if s := c.String("submission"); s != "" {
		if err := json.Unmarshal([]byte(s), &sub); err != nil {
			return errors.Wrap(err, "Invalid submission")
		}
	}

	client, err := newClient("submit")
	if err != nil {
		return err
	}

	f, err := os.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

	if sub.Metadata == nil {
		sub.Metadata = map[string]string{"filename": f.Name()}
	}

	id, err := client.Submit(f, sub)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

// status prints the processor's view of every upload. It reads without
// consuming, so terminal results stay available to the running service.
func status(c *cli.Context) error {
	store, err := storage.New(redisClient("status"))
	if err != nil {
		return err
	}

	infos, err := store.JobsByTag(job.Tag)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// parseConfig extracts configuration from the provided config file
func parseConfig(c *cli.Context) error {
	var err error
	cfg, err = config.Parse(c.String("config"))
	return err
}

func newClient(name string) (*uploader.Client, error) {
	store, err := storage.New(redisClient(name))
	if err != nil {
		return nil, err
	}
	stg, err := newStaging()
	if err != nil {
		return nil, err
	}

	client, err := uploader.New(store, stg, cfg.Uploader.CreationURL, log.With(logger, "component", "uploader"))
	if err != nil {
		return nil, err
	}
	client.WatchInterval = cfg.Uploader.WatchInterval()
	return client, nil
}

func newProcessor(store *storage.Storage, stg staging.Store) (*processor.Processor, error) {
	p := processor.New(store, stg, log.With(logger, "component", "processor"))

	p.Concurrency = cfg.Processor.Concurrency
	p.PollInterval = cfg.Processor.PollInterval()
	p.SupersedeCheckInterval = cfg.Processor.SupersedeCheckInterval()
	p.Retention = time.Duration(cfg.Processor.Retention) * time.Second
	p.ReaperSchedule = cfg.Processor.ReaperSchedule
	p.Network = processor.StaticNetwork(cfg.Processor.Metered)
	p.MeteredDelay = time.Duration(cfg.Processor.MeteredDelay) * time.Second
	p.StatsIntvl = time.Duration(cfg.Processor.StatsInterval) * time.Second
	p.Worker.ChunkSize = cfg.Processor.ChunkSize
	p.Worker.Headers = cfg.Processor.RequestHeaders

	return p, nil
}

func newStaging() (staging.Store, error) {
	s := cfg.Staging
	switch s.Backend {
	case "s3":
		return staging.NewAWSS3(s.Region, s.Bucket)
	case "minio":
		return staging.NewMinIO(s.Endpoint, s.AccessKey, s.SecretKey, s.Bucket, s.Secure)
	default:
		return staging.NewFileSystem(s.Dir)
	}
}

func newBackend(id string) (backend.Backend, error) {
	switch id {
	case "http":
		return &httpbackend.Backend{}, nil
	case "kafka":
		return &kafkabackend.Backend{}, nil
	case "sqs":
		return &sqsbackend.Backend{}, nil
	}
	return nil, errors.Errorf("Unknown backend %s", id)
}

// startBackends starts the backends to notify and forwards terminal uploads
// to them until ctx is cancelled.
func startBackends(ctx context.Context, n *notifier.Notifier, wg *sync.WaitGroup) ([]backend.Backend, error) {
	var started []backend.Backend

	for id, dst := range cfg.Notify {
		b, err := newBackend(id)
		if err != nil {
			return started, err
		}
		if err := b.Start(ctx, cfg.Backends[id]); err != nil {
			return started, errors.Wrapf(err, "Could not start backend %s", id)
		}
		started = append(started, b)

		wg.Add(1)
		go func(b backend.Backend, dst string) {
			defer wg.Done()
			notifier.Forward(ctx, n, b, dst, log.With(logger, "component", "notifier"))
		}(b, dst)
	}

	return started, nil
}

func redisClient(name string) *redis.Client {
	setName := func(c *redis.Conn) error {
		ok, err := c.ClientSetName(name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("Error setting Redis client name to " + name)
		}
		return nil
	}

	if len(cfg.Redis.Sentinel) > 0 {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Redis.MasterName,
			SentinelAddrs: cfg.Redis.Sentinel,
			OnConnect:     setName,
		})
	}
	return redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, OnConnect: setName})
}
