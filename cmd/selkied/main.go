package main

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	mapsink "github.com/bakins/go-metrics-map"
	"github.com/mistifyio/selkie"
	"github.com/mistifyio/selkie/pkg/jobqueue"
	"github.com/mistifyio/selkie/pkg/kv"
	_ "github.com/mistifyio/selkie/pkg/kv/bolt"
	_ "github.com/mistifyio/selkie/pkg/kv/consul"
	"github.com/mistifyio/selkie/pkg/sd"
	"github.com/mistifyio/selkie/pkg/watcher"
	flag "github.com/ogier/pflag"
	log "github.com/sirupsen/logrus"
)

const heartbeatInterval = 30 * time.Second

type metricsContext struct {
	sink    *mapsink.MapSink
	metrics *metrics.Metrics
}

// timed wraps a handler with a per-endpoint latency sample
func (m *metricsContext) timed(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		m.metrics.MeasureSince([]string{"api", name}, start)
	}
}

// driverCache hands out one driver per host, building it on first use
type driverCache struct {
	ctx         *selkie.Context
	identity    string
	concurrency int

	mu      sync.Mutex
	drivers map[string]selkie.Driver
}

func newDriverCache(ctx *selkie.Context, identity string, concurrency int) *driverCache {
	return &driverCache{
		ctx:         ctx,
		identity:    identity,
		concurrency: concurrency,
		drivers:     make(map[string]selkie.Driver),
	}
}

func (dc *driverCache) driver(host *selkie.Host) (selkie.Driver, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if d, ok := dc.drivers[host.ID]; ok {
		return d, nil
	}
	d, err := selkie.NewHostDriver(dc.ctx, host, dc.identity, dc.concurrency)
	if err != nil {
		return nil, err
	}
	dc.drivers[host.ID] = d
	return d, nil
}

func (dc *driverCache) closeAll() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	for id, d := range dc.drivers {
		if c, ok := d.(*selkie.LibvirtDriver); ok {
			if err := c.Close(); err != nil {
				log.WithFields(log.Fields{
					"host":  id,
					"error": err,
				}).Warn("driver close failed")
			}
		}
	}
}

func main() {
	conf := selkie.ConfigFromEnv()

	var listen, kvAddr, bstalk, hostsPath, identity, logLevel string
	var workers, verbs int
	flag.StringVarP(&listen, "listen", "a", conf.APIListen, "api listen address")
	flag.StringVarP(&kvAddr, "kv", "k", "file://"+conf.StorePath, "address of kv store")
	flag.StringVarP(&bstalk, "beanstalk", "b", "127.0.0.1:11300", "address of beanstalkd server")
	flag.StringVarP(&hostsPath, "hosts", "c", conf.HostsConfig, "hosts config path")
	flag.StringVarP(&identity, "identity", "i", conf.SSHIdentity, "ssh identity for host drivers")
	flag.StringVarP(&logLevel, "log-level", "l", "warn", "log level")
	flag.IntVarP(&workers, "workers", "w", conf.ReconcileWorkers, "reconcile worker count")
	flag.IntVarP(&verbs, "verb-concurrency", "n", conf.HostVerbConcurrency, "concurrent driver verbs per host")
	flag.Parse()

	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
			"level": logLevel,
		}).Fatal("unable to set up logrus")
	}
	log.SetLevel(level)

	store, err := kv.New(kvAddr)
	if err != nil {
		log.WithFields(log.Fields{
			"addr":  kvAddr,
			"error": err,
			"func":  "kv.New",
		}).Fatal("unable to open kv store")
	}

	ctx := selkie.NewContext(store)

	if err := registerHosts(ctx, hostsPath); err != nil {
		log.WithFields(log.Fields{
			"path":  hostsPath,
			"error": err,
		}).Fatal("unable to load hosts config")
	}
	if err := seedDefaultVPC(ctx, conf.DefaultVPCCIDR); err != nil {
		log.WithFields(log.Fields{
			"cidr":  conf.DefaultVPCCIDR,
			"error": err,
		}).Fatal("unable to seed default vpc")
	}
	if conf.PublicIPPool != "" {
		if err := seedPublicPool(ctx, conf.PublicIPPool); err != nil {
			log.WithFields(log.Fields{
				"pool":  conf.PublicIPPool,
				"error": err,
			}).Fatal("unable to seed public ip pool")
		}
	}

	log.WithField("address", bstalk).Info("connecting to beanstalk")
	jobQueue, err := jobqueue.NewClient(bstalk, ctx)
	if err != nil {
		log.WithFields(log.Fields{
			"error":   err,
			"address": bstalk,
		}).Fatal("failed to create jobQueue client")
	}

	drivers := newDriverCache(ctx, identity, verbs)
	rec := selkie.NewReconciler(ctx, drivers.driver, workers)
	rec.Start()
	coord := selkie.NewCoordinator(ctx, drivers.driver)
	hub := selkie.NewConsoleHub(ctx, drivers.driver)

	requeueMigrations(coord, jobQueue)

	go heartbeatLoop(ctx, drivers)
	go watchVMs(store, rec)
	go consumeReconcile(jobQueue, rec)
	go consumeMigrate(jobQueue, coord)

	sink := mapsink.New()
	mconf := metrics.DefaultConfig("selkied")
	mconf.EnableHostname = false
	m, _ := metrics.New(mconf, metrics.FanoutSink{sink})
	mctx := &metricsContext{sink: sink, metrics: m}

	svc := &services{
		ctx:      ctx,
		jobQueue: jobQueue,
		rec:      rec,
		coord:    coord,
		hub:      hub,
		signer:   newConsoleSigner(),
		drivers:  drivers,
	}

	server := Run(listen, svc, mctx)

	_ = sd.Notify(sd.Ready)
	watchdogStop := make(chan struct{})
	go func() {
		if err := sd.RunWatchdog(watchdogStop); err != nil {
			log.WithField("error", err).Warn("watchdog loop failed")
		}
	}()

	// Block until the server is stopped
	<-server.StopChan()
	_ = sd.Notify(sd.Stopping)
	close(watchdogStop)

	if err := hub.Stop(); err != nil {
		log.WithField("error", err).Warn("console hub stop failed")
	}
	if err := rec.Stop(); err != nil {
		log.WithField("error", err).Warn("reconciler stop failed")
	}
	drivers.closeAll()
	if err := store.Close(); err != nil {
		log.WithField("error", err).Warn("store close failed")
	}
}

// registerHosts syncs the hosts config into the registry. Entries keep
// their recorded health; new ones start ready.
func registerHosts(ctx *selkie.Context, path string) error {
	configs, err := selkie.LoadHostsConfig(path)
	if err != nil {
		return err
	}
	for _, hc := range configs {
		host, err := ctx.Host(hc.ID)
		if err != nil {
			if !ctx.IsKeyNotFound(err) {
				return err
			}
			host = ctx.NewHost()
			host.ID = hc.ID
		}
		host.Address = hc.Address
		host.Arch = hc.Arch
		host.SSHUser = hc.SSHUser
		if hc.SSHPort != 0 {
			host.SSHPort = hc.SSHPort
		}
		if hc.VMRoot != "" {
			host.VMRoot = hc.VMRoot
		}
		host.Uplink = hc.Uplink
		host.TotalResources = selkie.Resources{
			CPU:    hc.VCPUs,
			Memory: hc.MemoryMB,
			Disk:   hc.DiskGB << 30,
		}
		if err := host.Save(); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"host":    host.ID,
			"address": host.Address,
		}).Info("registered host")
	}
	return nil
}

// seedDefaultVPC creates the "default" vpc on first boot so vm creates
// work out of the box
func seedDefaultVPC(ctx *selkie.Context, cidr string) error {
	if _, err := ctx.VPC("default"); err == nil {
		return nil
	} else if !ctx.IsKeyNotFound(err) {
		return err
	}
	vpc := ctx.NewVPC()
	vpc.Name = "default"
	vpc.CIDR = cidr
	if err := vpc.Save(); err != nil {
		return err
	}
	_, err := vpc.NewSubnet("default", cidr)
	return err
}

// seedPublicPool adds configured public addresses that are not already
// in the pool
func seedPublicPool(ctx *selkie.Context, pool string) error {
	for _, addr := range selkie.SplitPool(pool) {
		if _, err := ctx.FloatingIP(addr); err == nil {
			continue
		}
		fip, err := ctx.NewFloatingIP(addr)
		if err != nil {
			return err
		}
		if err := fip.Save(); err != nil {
			return err
		}
	}
	return nil
}

// requeueMigrations puts unfinished migrations back on the migrate tube
// so a restarted daemon resumes them
func requeueMigrations(coord *selkie.Coordinator, jobQueue *jobqueue.Client) {
	vmIDs, err := coord.Pending()
	if err != nil {
		log.WithField("error", err).Error("unable to list pending migrations")
		return
	}
	for _, vmID := range vmIDs {
		job := jobQueue.NewJob()
		job.Action = jobqueue.ActionMigrate
		job.VM = vmID
		if err := job.Save(24 * time.Hour); err != nil {
			log.WithFields(log.Fields{
				"vm":    vmID,
				"error": err,
			}).Error("unable to save resume job")
			continue
		}
		if _, err := jobQueue.AddTask(job); err != nil {
			log.WithFields(log.Fields{
				"vm":    vmID,
				"error": err,
			}).Error("unable to requeue migration")
		}
	}
}

// watchVMs enqueues a reconcile whenever a vm record changes, so the
// daemon reacts to writes ahead of the periodic sweep. Reconciling a
// converged vm is a no-op, so the extra wakeups from the reconciler's
// own status writes are harmless.
func watchVMs(store kv.KV, rec *selkie.Reconciler) {
	w, err := watcher.New(store)
	if err != nil {
		log.WithField("error", err).Error("unable to create vm watcher")
		return
	}
	if err := w.Add(selkie.VMPath); err != nil {
		log.WithField("error", err).Error("unable to watch vm prefix")
		return
	}
	for w.Next() {
		event := w.Event()
		if event.Type == kv.Delete {
			continue
		}
		rest := strings.TrimPrefix(event.Key, selkie.VMPath)
		vmID, leaf, ok := strings.Cut(rest, "/")
		if !ok || leaf != "metadata" {
			continue
		}
		rec.Enqueue(vmID)
	}
	log.WithField("error", w.Err()).Error("vm watch ended")
}

// heartbeatLoop probes every registered host and refreshes its liveness
// record, flipping health between ready and unresponsive
func heartbeatLoop(ctx *selkie.Context, drivers *driverCache) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		err := ctx.ForEachHost(func(host *selkie.Host) error {
			if host.Health == selkie.HostMaintenance {
				return nil
			}
			drv, err := drivers.driver(host)
			if err != nil {
				return nil
			}
			pctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			err = drv.Ping(pctx)
			cancel()

			health := selkie.HostReady
			if err != nil {
				health = selkie.HostUnresponsive
				log.WithFields(log.Fields{
					"host":  host.ID,
					"error": err,
				}).Warn("host ping failed")
			} else if herr := host.Heartbeat(3 * heartbeatInterval); herr != nil {
				log.WithFields(log.Fields{
					"host":  host.ID,
					"error": herr,
				}).Warn("heartbeat write failed")
			}
			if host.Health != health {
				host.Health = health
				if serr := host.Save(); serr != nil {
					log.WithFields(log.Fields{
						"host":  host.ID,
						"error": serr,
					}).Warn("health update failed")
				}
			}
			return nil
		})
		if err != nil {
			log.WithField("error", err).Error("heartbeat sweep failed")
		}
	}
}
