package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/atomic"
	"k8s.io/klog/v2"

	"github.com/houseofcat/turbocql/pkg/metrics"
	"github.com/houseofcat/turbocql/pkg/notify"
	"github.com/houseofcat/turbocql/pkg/tcq"
)

var json = jsoniter.ConfigFastest

// ProbeOptions holds the flags of tcqprobe.
type ProbeOptions struct {
	ConfigFiles    []string
	ContactPoints  []string
	Query          string
	Consistency    string
	Requests       int
	Concurrency    int
	MetricsAddress string
	Hold           time.Duration

	seasoning *tcq.ClusterSeasoning
}

// NewProbeOptions returns the defaults.
func NewProbeOptions() *ProbeOptions {
	return &ProbeOptions{
		Query:       "SELECT release_version FROM system.local",
		Requests:    100,
		Concurrency: 8,
	}
}

// AddFlags registers the options on fs.
func (o *ProbeOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringSliceVarP(&o.ConfigFiles, "config", "c", o.ConfigFiles, "JSON file, or YAML files merged in order.")
	fs.StringSliceVar(&o.ContactPoints, "contact-point", o.ContactPoints, "Contact points, overriding the configuration.")
	fs.StringVarP(&o.Query, "query", "q", o.Query, "Statement to execute.")
	fs.StringVar(&o.Consistency, "consistency", o.Consistency, "Consistency level, overriding the configuration.")
	fs.IntVarP(&o.Requests, "requests", "n", o.Requests, "Number of requests to run.")
	fs.IntVar(&o.Concurrency, "concurrency", o.Concurrency, "Requests in flight at once.")
	fs.StringVar(&o.MetricsAddress, "metrics-address", o.MetricsAddress, "Serve Prometheus metrics on this address, overriding the configuration.")
	fs.DurationVar(&o.Hold, "hold", o.Hold, "Keep the session and metrics endpoint up this long after the run.")
}

// Validate checks the flags on their own.
func (o *ProbeOptions) Validate() error {
	var errs []error

	if len(o.ConfigFiles) == 0 && len(o.ContactPoints) == 0 {
		errs = append(errs, errors.New("either --config or --contact-point is required"))
	}
	if len(o.ConfigFiles) > 1 {
		for _, f := range o.ConfigFiles {
			if strings.EqualFold(filepath.Ext(f), ".json") {
				errs = append(errs, fmt.Errorf("json config %q can't be merged with other files", f))
			}
		}
	}
	if o.Requests < 0 {
		errs = append(errs, fmt.Errorf("requests can't be negative, got %d", o.Requests))
	}
	if o.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", o.Concurrency))
	}
	if o.Hold < 0 {
		errs = append(errs, fmt.Errorf("hold can't be negative, got %s", o.Hold))
	}

	return errors.Join(errs...)
}

// Complete loads the configuration and applies flag overrides.
func (o *ProbeOptions) Complete() error {

	var err error
	switch {
	case len(o.ConfigFiles) == 0:
		o.seasoning = tcq.DefaultSeasoning()
	case strings.EqualFold(filepath.Ext(o.ConfigFiles[0]), ".json"):
		o.seasoning, err = tcq.ConvertJSONFileToConfig(o.ConfigFiles[0])
	default:
		o.seasoning, err = tcq.ConvertYAMLFilesToConfig(o.ConfigFiles...)
	}
	if err != nil {
		return fmt.Errorf("can't load configuration: %w", err)
	}

	if len(o.ContactPoints) > 0 {
		o.seasoning.ContactPoints = o.ContactPoints
	}
	if o.Consistency != "" {
		o.seasoning.Consistency = o.Consistency
	}
	if err := o.seasoning.Validate(); err != nil {
		return err
	}
	if o.MetricsAddress != "" {
		o.seasoning.MetricsConfig.Enabled = true
		o.seasoning.MetricsConfig.ListenAddress = o.MetricsAddress
	}

	return nil
}

// Report is what a run prints after the host table.
type Report struct {
	SessionID uuid.UUID        `json:"SessionID"`
	Requests  int              `json:"Requests"`
	Succeeded int64            `json:"Succeeded"`
	Ignored   int64            `json:"Ignored"`
	Failures  map[string]int64 `json:"Failures"`
	Duration  string           `json:"Duration"`
	Session   tcq.SessionStats `json:"Session"`
	Metrics   metrics.Stats    `json:"Metrics"`
	Dropped   uint64           `json:"DroppedSamples"`
}

// Run opens the session, runs the requests and writes the report to out.
func (o *ProbeOptions) Run(ctx context.Context, out io.Writer) error {

	cfg := o.seasoning
	sessionID := uuid.New()

	counters := metrics.NewCounterSink()
	sinks := metrics.Tee{counters}

	if cfg.MetricsConfig.Enabled {
		registry := prometheus.NewRegistry()
		prom := metrics.NewPrometheusSink(cfg.MetricsConfig.Namespace)
		if err := prom.Register(registry); err != nil {
			return err
		}
		sinks = append(sinks, prom)

		if cfg.MetricsConfig.ListenAddress != "" {
			server := &http.Server{
				Addr:              cfg.MetricsConfig.ListenAddress,
				Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				klog.InfoS("Serving metrics", "address", server.Addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					klog.ErrorS(err, "Metrics server failed")
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
		}
	}

	collector, err := metrics.NewCollectorFromConfig(sinks, cfg.MetricsConfig)
	if err != nil {
		return err
	}
	defer collector.Close()

	opts := []tcq.SessionOption{
		tcq.WithSessionID(sessionID),
		tcq.WithMetricsSink(collector),
		tcq.WithErrorHandler(func(err error) { klog.V(2).InfoS("Background error", "err", err) }),
		tcq.WithHostStateListener(tcq.HostListenerFuncs{
			Up:   func(h *tcq.Host) { klog.InfoS("Host up", "host", h.Addr()) },
			Down: func(h *tcq.Host) { klog.InfoS("Host down", "host", h.Addr()) },
		}),
	}

	if cfg.NotifierConfig.Enabled {
		pub, err := notify.NewHostEventPublisherFromConfig(cfg.NotifierConfig, sessionID, cfg.ApplicationName, cfg.TLSConfig, nil)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, tcq.WithHostStateListener(pub))
	}

	session, err := tcq.NewSession(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer session.Shutdown()

	report := o.runRequests(ctx, session)
	report.SessionID = sessionID

	if o.Hold > 0 {
		klog.InfoS("Holding session", "duration", o.Hold)
		select {
		case <-time.After(o.Hold):
		case <-ctx.Done():
		}
	}

	report.Session = session.Stats()
	report.Metrics = counters.Stats()
	report.Dropped = collector.Dropped()

	return writeReport(out, session.Registry().All(), report)
}

func (o *ProbeOptions) runRequests(ctx context.Context, session *tcq.Session) *Report {

	report := &Report{Requests: o.Requests, Failures: map[string]int64{}}
	start := time.Now()

	succeeded := atomic.Int64{}
	ignored := atomic.Int64{}
	failuresLock := sync.Mutex{}

	work := make(chan struct{})
	wg := &sync.WaitGroup{}
	for i := 0; i < o.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for range work {
				res, err := session.Execute(ctx, tcq.NewStatement(o.Query))
				if err == nil {
					succeeded.Inc()
					if res.Ignored {
						ignored.Inc()
					}
					continue
				}

				name := "Unknown"
				if kind, ok := tcq.KindOf(err); ok {
					name = kind.String()
				}
				failuresLock.Lock()
				report.Failures[name]++
				failuresLock.Unlock()
			}
		}()
	}

	for i := 0; i < o.Requests; i++ {
		if ctx.Err() != nil {
			break
		}
		work <- struct{}{}
	}
	close(work)
	wg.Wait()

	report.Succeeded = succeeded.Load()
	report.Ignored = ignored.Load()
	report.Duration = time.Since(start).String()
	return report
}

func writeReport(out io.Writer, hosts []*tcq.Host, report *Report) error {

	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Addr() < hosts[j].Addr() })

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tDC\tRACK\tSTATE\tDISTANCE\tCONNECTIONS\tIN-FLIGHT")
	for _, h := range hosts {
		open, inFlight := 0, 0
		if p := h.Pool(); p != nil {
			open, inFlight = p.OpenCount(), p.InFlight()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			h.Addr(), h.Datacenter(), h.Rack(), h.State(), h.Distance(), open, inFlight)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "\n%s\n", data)
	return err
}
