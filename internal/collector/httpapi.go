package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	ierrors "github.com/dmitriimaksimovdevelop/insight/internal/errors"
	"github.com/dmitriimaksimovdevelop/insight/internal/model"
	"github.com/dmitriimaksimovdevelop/insight/internal/namespace"
	"github.com/dmitriimaksimovdevelop/insight/internal/privilege"
)

// APIOptions locates a cluster HTTP API.
type APIOptions struct {
	Host string
	Port int
	// RPS caps requests per second against the API. Zero means 10.
	RPS    float64
	Client *http.Client
}

const (
	DefaultPDPort     = 2379
	DefaultTiDBPort   = 10080
	defaultAPIRPS     = 10
	maxAPIResponse    = 64 << 20
	defaultAPITimeout = 30 * time.Second
)

// Endpoint is one API path persisted as <Name>.json.
type Endpoint struct {
	Name string
	Path string
}

// PDEndpoints are read from the PD control plane.
var PDEndpoints = []Endpoint{
	{"health", "/pd/api/v1/health"},
	{"version", "/pd/api/v1/version"},
	{"cluster_status", "/pd/api/v1/cluster/status"},
	{"config", "/pd/api/v1/config"},
	{"members", "/pd/api/v1/members"},
	{"stores", "/pd/api/v1/stores"},
	{"labels", "/pd/api/v1/labels"},
	{"hot_read", "/pd/api/v1/hotspot/regions/read"},
	{"hot_write", "/pd/api/v1/hotspot/regions/write"},
	{"region_miss_peer", "/pd/api/v1/regions/check/miss-peer"},
	{"region_extra_peer", "/pd/api/v1/regions/check/extra-peer"},
	{"region_down_peer", "/pd/api/v1/regions/check/down-peer"},
	{"region_pending_peer", "/pd/api/v1/regions/check/pending-peer"},
}

// TiDBEndpoints are read from the TiDB status port.
var TiDBEndpoints = []Endpoint{
	{"status", "/status"},
	{"info", "/info"},
	{"info_all", "/info/all"},
	{"settings", "/settings"},
	{"schema", "/schema"},
	{"regions_meta", "/regions/meta"},
}

// APICollector saves the JSON responses of a fixed list of read-only
// endpoints. One failing endpoint does not stop the others.
type APICollector struct {
	env       Env
	name      string
	category  string
	base      string
	endpoints []Endpoint
	client    *http.Client
	limiter   *rate.Limiter
}

func newAPICollector(env Env, name, category string, defaultPort int, endpoints []Endpoint, opts APIOptions) *APICollector {
	host := opts.Host
	if host == "" {
		host = "localhost"
	}
	port := opts.Port
	if port <= 0 {
		port = defaultPort
	}
	rps := opts.RPS
	if rps <= 0 {
		rps = defaultAPIRPS
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultAPITimeout}
	}
	return &APICollector{
		env:       env,
		name:      name,
		category:  category,
		base:      "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		endpoints: endpoints,
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// NewPDCtlCollector reads PD cluster state.
func NewPDCtlCollector(env Env, opts APIOptions) *APICollector {
	return newAPICollector(env, "pdctl", namespace.PDCtl, DefaultPDPort, PDEndpoints, opts)
}

// NewTiDBInfoCollector reads TiDB server info.
func NewTiDBInfoCollector(env Env, opts APIOptions) *APICollector {
	return newAPICollector(env, "tidbinfo", namespace.TiDBInfo, DefaultTiDBPort, TiDBEndpoints, opts)
}

func (c *APICollector) Name() string                     { return c.name }
func (c *APICollector) Category() string                 { return c.category }
func (c *APICollector) Requires() []privilege.Capability { return nil }

// BaseURL is the API root requests are sent to.
func (c *APICollector) BaseURL() string { return c.base }

func (c *APICollector) Collect(ctx context.Context) model.CollectionOutcome {
	t := begin(c)
	log := c.env.logger().With("collector", c.name, "api", c.base)

	dir, err := c.env.NS.Ensure(c.category)
	if err != nil {
		t.fail(err)
		return t.done()
	}
	for _, ep := range c.endpoints {
		body, err := c.get(ctx, ep.Path)
		if err != nil {
			log.Warn("endpoint failed", "endpoint", ep.Path, "error", err)
			t.fail(err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		path := filepath.Join(dir, ep.Name+".json")
		if err := namespace.WriteFile(path, prettyJSON(body)); err != nil {
			t.fail(ierrors.Wrap(ierrors.ErrCodePathUnwritable, "write api response", err))
			continue
		}
		t.artifact(path)
	}
	return t.done()
}

func (c *APICollector) get(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, ierrors.Wrap(ierrors.ErrCodeToolInvocationFailed, "rate limiter", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.ErrCodeInvalidRequest, "build request", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, ierrors.WrapWithContext(ierrors.ErrCodeToolInvocationFailed, "request failed", err,
			map[string]any{"url": req.URL.String()})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponse))
	if err != nil {
		return nil, ierrors.Wrap(ierrors.ErrCodeToolInvocationFailed, "read response", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, ierrors.NewWithContext(ierrors.ErrCodeToolInvocationFailed,
			fmt.Sprintf("GET %s: %s", path, resp.Status),
			map[string]any{"url": req.URL.String(), "body": string(truncate(body, 512))})
	}
	return body, nil
}

// prettyJSON indents valid JSON and returns anything else verbatim.
func prettyJSON(body []byte) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return body
	}
	return buf.Bytes()
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
