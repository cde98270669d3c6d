// Package faildetect is the failure detector: on a 30-second ticker,
// it pulls load-balancer stats and routes any locally-hosted,
// DOWN-marked instance through the stop-one path.
package faildetect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/appscale/aim/internal/model"
)

// MemberStats is one load-balancer-tracked backend member.
type MemberStats struct {
	PrivateIP string `json:"private_ip"`
	Port int `json:"port"`
	Status string `json:"status"`
}

// ProxyStats is one named backend pool and its members.
type ProxyStats struct {
	Name string `json:"name"`
	Members []MemberStats `json:"servers"`
}

// StatsDoc is the top-level stats document returned by the
// load-balancer's stats endpoint.
type StatsDoc struct {
	Proxies []ProxyStats `json:"proxies"`
}

// StopOneFunc is the engine's stop-one operation, invoked for each
// locally-hosted DOWN instance found.
type StopOneFunc func(ctx context.Context, vk model.VersionKey, port int) error

// RunningChecker reports whether (versionKey, port) is one of this
// node's currently running instances.
type RunningChecker func(vk model.VersionKey, port int) bool

// Metrics is the subset of the metrics collector the detector records
// observations to. Satisfied by internal/metrics.Collector.
type Metrics interface {
	DetectorStopped(projectID string)
}

type noopMetrics struct{}

func (noopMetrics) DetectorStopped(string) {}

// Detector polls load-balancer stats on a fixed period and stops any
// instance the load balancer has marked DOWN.
type Detector struct {
	client *http.Client
	lbIPs []string
	gatewayPrefix string
	nodeIP string
	sharedSecret string
	interval time.Duration
	stopOne StopOneFunc
	isRunning RunningChecker
	metrics Metrics
	rng *rand.Rand
}

// New builds a Detector. lbIPs is the cluster's load-balancer IP
// list; gatewayPrefix filters proxy names down to ones this node
// hosts; nodeIP is this node's private IP. metrics may be nil.
func New(lbIPs []string, gatewayPrefix, nodeIP, sharedSecret string, stopOne StopOneFunc, isRunning RunningChecker, metrics Metrics) *Detector {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Detector{
		client: &http.Client{Timeout: 10 * time.Second},
		lbIPs: lbIPs,
		gatewayPrefix: gatewayPrefix,
		nodeIP: nodeIP,
		sharedSecret: sharedSecret,
		interval: 30 * time.Second,
		stopOne: stopOne,
		isRunning: isRunning,
		metrics: metrics,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run blocks, ticking every d.interval until ctx is cancelled. Each
// tick is handled synchronously inside the loop, so ticks never
// overlap; a tick that came due while the previous one was still
// running is discarded rather than run late.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	log.Printf("faildetect: started (interval=%v)", d.interval)
	for {
		select {
		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				log.Printf("faildetect: tick error: %v", err)
			}
			// time.Ticker holds one pending tick for a slow receiver;
			// drop it so an overrunning tick is skipped, not queued.
			select {
			case <-ticker.C:
			default:
			}
		case <-ctx.Done():
			log.Printf("faildetect: stopped")
			return
		}
	}
}

func (d *Detector) tick(ctx context.Context) error {
	if len(d.lbIPs) == 0 {
		return fmt.Errorf("faildetect: no load-balancer IPs configured")
	}
	lbIP := d.lbIPs[d.rng.Intn(len(d.lbIPs))]

	doc, err := d.fetchStats(ctx, lbIP)
	if err != nil {
		return fmt.Errorf("faildetect: fetch stats from %s: %w", lbIP, err)
	}

	for _, proxy := range doc.Proxies {
		if !strings.HasPrefix(proxy.Name, d.gatewayPrefix) {
			continue
		}
		vk, err := model.ParseVersionKey(strings.TrimPrefix(proxy.Name, d.gatewayPrefix))
		if err != nil {
			continue
		}
		for _, m := range proxy.Members {
			if m.PrivateIP != d.nodeIP || !strings.HasPrefix(m.Status, "DOWN") {
				continue
			}
			if !d.isRunning(vk, m.Port) {
				continue
			}
			if err := d.stopOne(ctx, vk, m.Port); err != nil {
				log.Printf("faildetect: stop_one(%s, %d) failed: %v", vk, m.Port, err)
				continue
			}
			d.metrics.DetectorStopped(vk.ProjectID)
		}
	}
	return nil
}

func (d *Detector) fetchStats(ctx context.Context, lbIP string) (*StatsDoc, error) {
	url := fmt.Sprintf("http://%s/stats?format=json", lbIP)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if d.sharedSecret != "" {
		req.Header.Set("Authorization", "Bearer "+d.sharedSecret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("stats endpoint returned %d: %s", resp.StatusCode, body)
	}

	var doc StatsDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &doc, nil
}
