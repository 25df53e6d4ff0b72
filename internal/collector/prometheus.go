package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	prommodel "github.com/prometheus/common/model"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
	"github.com/dmitriimaksimovdevelop/insight/internal/privilege"
)

// PromOptions selects the Prometheus server and the range to dump.
type PromOptions struct {
	Host     string
	Port     int
	Duration time.Duration // dump [now-Duration, now]
	Step     time.Duration
	RPS      float64
	// Parallel bounds concurrent range queries. Zero means 4.
	Parallel int
	Client   *http.Client
}

const (
	DefaultPromPort     = 9090
	DefaultPromDuration = time.Hour
	DefaultPromStep     = 15 * time.Second
)

// PromMetricsCollector dumps every metric of a Prometheus server over a
// time range, one file per metric:
// metric/prometheus/<metric>_<start>_to_<end>_<step>s.json.
type PromMetricsCollector struct {
	env     Env
	address string
	opts    PromOptions
	now     func() time.Time
}

func NewPromMetricsCollector(env Env, opts PromOptions) *PromMetricsCollector {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPromPort
	}
	if opts.Duration <= 0 {
		opts.Duration = DefaultPromDuration
	}
	if opts.Step <= 0 {
		opts.Step = DefaultPromStep
	}
	if opts.RPS <= 0 {
		opts.RPS = defaultAPIRPS
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 4
	}
	return &PromMetricsCollector{
		env:     env,
		address: "http://" + net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		opts:    opts,
		now:     time.Now,
	}
}

func (c *PromMetricsCollector) Name() string                     { return "prometheus" }
func (c *PromMetricsCollector) Category() string                 { return namespace.Prometheus }
func (c *PromMetricsCollector) Requires() []privilege.Capability { return nil }

func (c *PromMetricsCollector) Collect(ctx context.Context) model.CollectionOutcome {
	t := begin(c)
	log := c.env.logger().With("collector", c.Name(), "prometheus", c.address)

	cfg := api.Config{Address: c.address}
	if c.opts.Client != nil {
		cfg.Client = c.opts.Client
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		t.fail(ierrors.Wrap(ierrors.ErrCodeInvalidRequest, "prometheus client", err))
		return t.done()
	}
	papi := promv1.NewAPI(client)

	end := c.now().Truncate(time.Second)
	start := end.Add(-c.opts.Duration)

	names, warnings, err := papi.LabelValues(ctx, prommodel.MetricNameLabel, nil, start, end)
	if err != nil {
		t.fail(ierrors.WrapWithContext(ierrors.ErrCodeToolInvocationFailed, "list metric names", err,
			map[string]any{"address": c.address}))
		return t.done()
	}
	for _, w := range warnings {
		log.Warn("prometheus warning", "warning", w)
	}
	if len(names) == 0 {
		return t.skip("prometheus has no metrics")
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	dir, err := c.env.NS.Ensure(c.Category())
	if err != nil {
		t.fail(err)
		return t.done()
	}
	log.Info("dumping metrics", "count", len(names), "start", start, "end", end, "step", c.opts.Step)

	r := promv1.Range{Start: start, End: end, Step: c.opts.Step}
	limiter := rate.NewLimiter(rate.Limit(c.opts.RPS), 1)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Parallel)
	for _, name := range names {
		metric := string(name)
		g.Go(func() error {
			path, err := c.dump(gctx, papi, limiter, dir, metric, r)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.fail(err)
				return nil
			}
			t.artifact(path)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(t.out.ArtifactPaths)
	return t.done()
}

func (c *PromMetricsCollector) dump(ctx context.Context, papi promv1.API, limiter *rate.Limiter, dir, metric string, r promv1.Range) (string, error) {
	if err := limiter.Wait(ctx); err != nil {
		return "", ierrors.Wrap(ierrors.ErrCodeToolInvocationFailed, "rate limiter", err)
	}
	value, _, err := papi.QueryRange(ctx, metric, r)
	if err != nil {
		return "", ierrors.WrapWithContext(ierrors.ErrCodeToolInvocationFailed, "query range", err,
			map[string]any{"metric": metric})
	}
	matrix, ok := value.(prommodel.Matrix)
	if !ok {
		return "", ierrors.NewWithContext(ierrors.ErrCodeToolInvocationFailed,
			fmt.Sprintf("unexpected result type %s", value.Type()), map[string]any{"metric": metric})
	}
	data, err := json.MarshalIndent(matrix, "", "  ")
	if err != nil {
		return "", ierrors.Wrap(ierrors.ErrCodeInternal, "encode matrix", err)
	}
	path := filepath.Join(dir, DumpFileName(metric, r.Start, r.End, r.Step))
	if err := namespace.WriteFile(path, data); err != nil {
		return "", ierrors.Wrap(ierrors.ErrCodePathUnwritable, "write metric dump", err)
	}
	return path, nil
}

// DumpFileName is the file a metric range is stored in.
func DumpFileName(metric string, start, end time.Time, step time.Duration) string {
	return fmt.Sprintf("%s_%d_to_%d_%ds.json", metric, start.Unix(), end.Unix(), int(step/time.Second))
}
