// Package importer loads Prometheus range dumps from a bundle into an
// InfluxDB v2 bucket so they can be graphed offline.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	prommodel "github.com/prometheus/common/model"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
)

// Options configures the InfluxDB destination.
type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	// BatchSize bounds the points sent per write request. Zero means 5000.
	BatchSize int
	Logger    *slog.Logger
}

const (
	DefaultURL       = "http://localhost:8086"
	DefaultOrg       = "insight"
	DefaultBucket    = "insight"
	DefaultBatchSize = 5000

	// HostTag carries the alias of the bundle a series came from.
	HostTag = "insight_host"
)

// PointWriter is the write side of an InfluxDB client.
// api.WriteAPIBlocking satisfies it.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Result summarizes a load.
type Result struct {
	Files  int      `json:"files"`
	Series int      `json:"series"`
	Points int      `json:"points"`
	Failed []string `json:"failed,omitempty"`
}

// Loader reads dumps and writes them through a PointWriter.
type Loader struct {
	w     PointWriter
	batch int
	log   *slog.Logger
}

// NewLoader returns a Loader writing to w.
func NewLoader(w PointWriter, opts Options) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loader{w: w, batch: opts.BatchSize, log: log}
}

// Client couples an InfluxDB connection with its blocking write API.
type Client struct {
	client influxdb2.Client
	api.WriteAPIBlocking
}

// Dial connects to InfluxDB. The HTTP client is created lazily, so Dial
// does not fail on an unreachable server; the first write does.
func Dial(opts Options) (*Client, error) {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Org == "" {
		opts.Org = DefaultOrg
	}
	if opts.Bucket == "" {
		opts.Bucket = DefaultBucket
	}
	if !strings.HasPrefix(opts.URL, "http://") && !strings.HasPrefix(opts.URL, "https://") {
		return nil, ierrors.New(ierrors.ErrCodeInvalidRequest, fmt.Sprintf("invalid influx url %q", opts.URL))
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)
	return &Client{
		client:           client,
		WriteAPIBlocking: client.WriteAPIBlocking(opts.Org, opts.Bucket),
	}, nil
}

func (c *Client) Close() { c.client.Close() }

// Load finds every dump under input and writes its samples. Input may be
// an extracted bundle root, one alias directory or a metric/prometheus
// directory. A file that cannot be decoded or written is recorded in
// Result.Failed and the load continues.
func (l *Loader) Load(ctx context.Context, input string) (*Result, error) {
	dumps, err := FindDumps(input)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	if len(dumps) == 0 {
		return res, nil
	}
	for _, d := range dumps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		series, points, err := l.loadFile(ctx, d)
		if err != nil {
			l.log.Warn("metric dump not loaded", "file", d.Path, "error", err)
			res.Failed = append(res.Failed, d.Path)
			continue
		}
		res.Files++
		res.Series += series
		res.Points += points
	}
	l.log.Info("metrics loaded", "files", res.Files, "series", res.Series, "points", res.Points,
		"failed", len(res.Failed))
	if res.Files == 0 {
		return res, ierrors.NewWithContext(ierrors.ErrCodeToolInvocationFailed, "no metric dump could be loaded",
			map[string]any{"failed": len(res.Failed)})
	}
	return res, nil
}

// Dump is one metric file found in a bundle.
type Dump struct {
	Path string
	// Host is the alias directory the dump was collected under, if known.
	Host string
}

// FindDumps lists the JSON files below any metric/prometheus directory
// of input, ordered by path.
func FindDumps(input string) ([]Dump, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.ErrCodeInvalidRequest, "reading input", err)
	}
	if !info.IsDir() {
		return nil, ierrors.New(ierrors.ErrCodeInvalidRequest, input+" is not a directory")
	}
	suffix := string(filepath.Separator) + filepath.FromSlash(namespace.Prometheus)

	var out []Dump
	err = filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		dir, err := filepath.Abs(filepath.Dir(path))
		if err != nil {
			return err
		}
		if !strings.HasSuffix(dir, suffix) {
			return nil
		}
		host := filepath.Base(strings.TrimSuffix(dir, suffix))
		out = append(out, Dump{Path: path, Host: host})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", input, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (l *Loader) loadFile(ctx context.Context, d Dump) (int, int, error) {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return 0, 0, err
	}
	var matrix prommodel.Matrix
	if err := json.Unmarshal(data, &matrix); err != nil {
		return 0, 0, fmt.Errorf("decode matrix: %w", err)
	}
	fallback := metricFromFile(d.Path)

	var batch []*write.Point
	points := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := l.w.WritePoint(ctx, batch...); err != nil {
			return ierrors.Wrap(ierrors.ErrCodeToolInvocationFailed, "influx write", err)
		}
		points += len(batch)
		batch = batch[:0]
		return nil
	}
	for _, s := range matrix {
		for _, p := range SeriesPoints(s, d.Host, fallback) {
			batch = append(batch, p)
			if len(batch) >= l.batch {
				if err := flush(); err != nil {
					return 0, points, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return 0, points, err
	}
	return len(matrix), points, nil
}

// SeriesPoints converts one Prometheus series into points: the metric name
// is the measurement, labels become tags and each sample is a "value"
// field. Non-finite samples are dropped since InfluxDB rejects them.
func SeriesPoints(s *prommodel.SampleStream, host, fallback string) []*write.Point {
	name := string(s.Metric[prommodel.MetricNameLabel])
	if name == "" {
		name = fallback
	}
	tags := make(map[string]string, len(s.Metric)+1)
	for k, v := range s.Metric {
		if k == prommodel.MetricNameLabel {
			continue
		}
		tags[string(k)] = string(v)
	}
	if host != "" {
		tags[HostTag] = host
	}

	out := make([]*write.Point, 0, len(s.Values))
	for _, v := range s.Values {
		f := float64(v.Value)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		out = append(out, influxdb2.NewPoint(name, tags,
			map[string]interface{}{"value": f}, v.Timestamp.Time().UTC()))
	}
	return out
}

// metricFromFile recovers the metric name from a dump file name of the
// form <metric>_<start>_to_<end>_<step>s.json.
func metricFromFile(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".json")
	parts := strings.Split(base, "_")
	if len(parts) >= 5 && parts[len(parts)-3] == "to" {
		return strings.Join(parts[:len(parts)-4], "_")
	}
	return base
}
