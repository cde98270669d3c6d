// Package config loads the cluster-info accessors the engine and its
// components are built from: private IP, head-node IP, proxy hosts,
// the shared secret, load-balancer IPs, and the worker-pool and
// port-ceiling tunables. Flags are bound to viper keys, with
// environment overrides for container deployment and computed
// defaults, validated once before the server starts. Values are read
// at boot and never reloaded.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// ClusterInfo holds the process-wide, read-once-at-boot values the
// rest of the daemon is built from.
type ClusterInfo struct {
	PrivateIP string // this node's private IP; used in registry paths
	HeadNodeIP string // syslog / head-node target
	DBProxyHost string
	TQProxyHost string
	SharedSecret string
	LoadBalancerIPs []string
	GatewayPrefix string // proxy-name prefix the failure detector filters on

	HTTPPort int // instance-manager HTTP surface port
	MaxBackgroundWorkers int // bounded worker-pool size
	APIServerPortCeiling int // port ceiling for the API-server pool, default 19999

	RegistryAddr string // coordination-store client address
	SupervisorAddr string // supervisor HTTP action/listing/reload endpoint base

	UnpackRoot string // application source unpack root
	PidfileDir string // pidfile directory
	LogrotateConfigDir string // per-project logrotate config directory
}

const (
	defaultAPIServerPortCeiling = 19999
	defaultHTTPPort = 17447
	defaultMaxBackgroundWorkers = 8
	defaultGatewayPrefix = "gateway_"
)

// Load reads configuration from viper (populated by flags/env/file by
// the caller) into a ClusterInfo, applying defaults and environment
// overrides.
func Load() (*ClusterInfo, error) {
	ci := &ClusterInfo{
		PrivateIP: viper.GetString("node.private_ip"),
		HeadNodeIP: viper.GetString("node.head_node_ip"),
		DBProxyHost: viper.GetString("node.db_proxy_host"),
		TQProxyHost: viper.GetString("node.tq_proxy_host"),
		SharedSecret: viper.GetString("node.shared_secret"),
		LoadBalancerIPs: splitNonEmpty(viper.GetString("node.load_balancer_ips")),
		GatewayPrefix: viper.GetString("node.gateway_prefix"),
		HTTPPort: viper.GetInt("server.http_port"),
		MaxBackgroundWorkers: viper.GetInt("server.max_background_workers"),
		APIServerPortCeiling: viper.GetInt("apiserver.port_ceiling"),
		RegistryAddr: viper.GetString("registry.addr"),
		SupervisorAddr: viper.GetString("supervisor.addr"),
		UnpackRoot: viper.GetString("paths.unpack_root"),
		PidfileDir: viper.GetString("paths.pidfile_dir"),
		LogrotateConfigDir: viper.GetString("paths.logrotate_dir"),
	}

	if v := os.Getenv("AIM_PRIVATE_IP"); v != "" {
		ci.PrivateIP = v
	}
	if v := os.Getenv("AIM_LOAD_BALANCER_IPS"); v != "" {
		ci.LoadBalancerIPs = splitNonEmpty(v)
	}
	if v := os.Getenv("AIM_SHARED_SECRET"); v != "" {
		ci.SharedSecret = v
	}

	if ci.HTTPPort == 0 {
		ci.HTTPPort = defaultHTTPPort
	}
	if ci.MaxBackgroundWorkers == 0 {
		ci.MaxBackgroundWorkers = defaultMaxBackgroundWorkers
	}
	if ci.APIServerPortCeiling == 0 {
		ci.APIServerPortCeiling = defaultAPIServerPortCeiling
	}
	if ci.GatewayPrefix == "" {
		ci.GatewayPrefix = defaultGatewayPrefix
	}
	if ci.UnpackRoot == "" {
		ci.UnpackRoot = "/opt/appscale/apps"
	}
	if ci.PidfileDir == "" {
		ci.PidfileDir = "/var/run/appscale"
	}
	if ci.LogrotateConfigDir == "" {
		ci.LogrotateConfigDir = "/etc/logrotate.d"
	}
	if ci.RegistryAddr == "" {
		ci.RegistryAddr = "127.0.0.1:8500"
	}

	if err := validate(ci); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return ci, nil
}

func validate(ci *ClusterInfo) error {
	if ci.PrivateIP == "" {
		return fmt.Errorf("node.private_ip is required")
	}
	if ci.SupervisorAddr == "" {
		return fmt.Errorf("supervisor.addr is required")
	}
	return nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
