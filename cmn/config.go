// Package cmn provides common constants, types, and utilities for the evacuation
// manager, agents, and their clients.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"
	"time"

	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/cmn/jsp"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
)

const (
	DfltMgrPort   = 8040
	DfltAgentPort = 8041
)

type (
	LogConf struct {
		Dir      string `json:"dir"`
		Level    int    `json:"level"` // hot-reloadable
		ToStderr bool   `json:"to_stderr"`
	}
	NetConf struct {
		Hostname string `json:"hostname"`
		Port     int    `json:"port"`
	}

	DBConf struct {
		// empty: in-memory job store
		DSN      string `json:"dsn"`
		MaxConns int32  `json:"max_conns"`
		// objects per discovery insert batch
		BatchSize int `json:"batch_size"`
	}
	MdStoreConf struct {
		// empty: in-memory metadata store (dev mode)
		RedisAddr string `json:"redis_addr"`
		Password  string `json:"password"`
		KeyPrefix string `json:"key_prefix"`
		RedisDB   int    `json:"redis_db"`
	}
	AgentAddr struct {
		ID         string `json:"manta_storage_id"`
		Datacenter string `json:"datacenter"`
		URL        string `json:"url"`
	}
	PlacementConf struct {
		// storinfo-like service; when empty, agents listed below are asked for capacity
		URL    string      `json:"url"`
		Agents []AgentAddr `json:"agents"`
	}
	DiscoveryConf struct {
		// one of: "http" (NDJSON stream), "file" (NDJSON file), "md" (scan metadata store)
		Source string `json:"source"`
		URL    string `json:"url"`
		File   string `json:"file"`
	}
	AgentClientConf struct {
		Timeout cos.Duration `json:"timeout"`
		Port    int          `json:"port"`
	}

	// EvacuateConf: job policy defaults; all fields are hot-reloadable and apply to jobs created afterwards
	// (except md_update_concurrency, which running jobs pick up via the control channel only).
	EvacuateConf struct {
		SourceURLFmt            string       `json:"source_url_fmt"`
		MaxAssignmentAge        cos.Duration `json:"max_assignment_age"`
		PollInterval            cos.Duration `json:"poll_interval"`
		RefreshInterval         cos.Duration `json:"refresh_interval"`
		MaxFillPercentage       int          `json:"max_fill_percentage"`
		MaxTasksPerAssignment   int          `json:"max_tasks_per_assignment"`
		MdUpdateConcurrency     int          `json:"md_update_concurrency"`
		MaxAgentFailures        int          `json:"max_agent_failures"`
		MaxPosters              int          `json:"max_posters"`
		SnaplinkCleanupRequired bool         `json:"snaplink_cleanup_required"`
	}

	MgrConfig struct {
		Log       LogConf         `json:"log"`
		Net       NetConf         `json:"net"`
		DB        DBConf          `json:"db"`
		MdStore   MdStoreConf     `json:"mdstore"`
		Placement PlacementConf   `json:"placement"`
		Discovery DiscoveryConf   `json:"discovery"`
		Agent     AgentClientConf `json:"agent"`
		Evacuate  EvacuateConf    `json:"evacuate"`
	}

	AgentConfig struct {
		Log LogConf `json:"log"`
		Net NetConf `json:"net"`
		// object root: <root>/<owner>/<object-id>
		Root   string `json:"root"`
		DBPath string `json:"db_path"`
		// this node as known to the placement service
		StorageID       string       `json:"manta_storage_id"`
		Datacenter      string       `json:"datacenter"`
		ManagerURL      string       `json:"manager_url"`
		DownloadTimeout cos.Duration `json:"download_timeout"`
		// fixed at startup
		MaxDownloads int `json:"max_downloads"`
		// pending (not yet acknowledged) assignments; hot-reloadable
		MaxAssignments int `json:"max_assignments"`
	}
)

// Init configures logging for the daemon `role`; only the level is applied again on reload.
func (c *LogConf) Init(role string) {
	nlog.SetLogDirRole(c.Dir, role)
	nlog.SetToStderr(c.ToStderr || c.Dir == "")
	nlog.SetVerbosity(c.Level)
}

///////////////
// MgrConfig //
///////////////

func (c *MgrConfig) SetDefaults() {
	if c.Net.Port == 0 {
		c.Net.Port = DfltMgrPort
	}
	if c.DB.BatchSize == 0 {
		c.DB.BatchSize = 256
	}
	if c.DB.MaxConns == 0 {
		c.DB.MaxConns = 16
	}
	if c.Discovery.Source == "" {
		c.Discovery.Source = "md"
	}
	if c.Agent.Port == 0 {
		c.Agent.Port = DfltAgentPort
	}
	if c.Agent.Timeout == 0 {
		c.Agent.Timeout = cos.Duration(30 * time.Second)
	}
	c.Evacuate.SetDefaults()
}

func (c *EvacuateConf) SetDefaults() {
	if c.MaxFillPercentage == 0 {
		c.MaxFillPercentage = 90
	}
	if c.MaxTasksPerAssignment == 0 {
		c.MaxTasksPerAssignment = 100
	}
	if c.MaxAssignmentAge == 0 {
		c.MaxAssignmentAge = cos.Duration(5 * time.Second)
	}
	if c.MdUpdateConcurrency == 0 {
		c.MdUpdateConcurrency = 16
	}
	if c.PollInterval == 0 {
		c.PollInterval = cos.Duration(2 * time.Second)
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = cos.Duration(time.Minute)
	}
	if c.MaxAgentFailures == 0 {
		c.MaxAgentFailures = 5
	}
	if c.MaxPosters == 0 {
		c.MaxPosters = 8
	}
}

func (c *EvacuateConf) Validate() error {
	if c.MaxFillPercentage < 1 || c.MaxFillPercentage > 100 {
		return fmt.Errorf("invalid evacuate.max_fill_percentage %d (expecting [1, 100])", c.MaxFillPercentage)
	}
	if c.MdUpdateConcurrency < 1 || c.MdUpdateConcurrency > 250 {
		return fmt.Errorf("invalid evacuate.md_update_concurrency %d (expecting [1, 250])", c.MdUpdateConcurrency)
	}
	if c.MaxTasksPerAssignment < 1 || c.MaxAgentFailures < 1 || c.MaxPosters < 1 {
		return fmt.Errorf("invalid evacuate config %+v", c)
	}
	if c.PollInterval.D() < time.Millisecond || c.MaxAssignmentAge.D() < time.Millisecond {
		return fmt.Errorf("evacuate intervals too small (poll %v, age %v)", c.PollInterval, c.MaxAssignmentAge)
	}
	return nil
}

func (c *MgrConfig) Validate() error {
	if c.Net.Port <= 0 || c.Net.Port > 65535 {
		return fmt.Errorf("invalid net.port %d", c.Net.Port)
	}
	switch c.Discovery.Source {
	case "md":
	case "http":
		if c.Discovery.URL == "" {
			return fmt.Errorf("discovery source %q requires url", c.Discovery.Source)
		}
	case "file":
		if c.Discovery.File == "" {
			return fmt.Errorf("discovery source %q requires file", c.Discovery.Source)
		}
	default:
		return fmt.Errorf("invalid discovery.source %q (expecting md, http, or file)", c.Discovery.Source)
	}
	if c.Placement.URL == "" && len(c.Placement.Agents) == 0 {
		return fmt.Errorf("placement: neither url nor agents configured")
	}
	return c.Evacuate.Validate()
}

// MergeReloadable returns a copy of c with the hot-reloadable fields taken from `loaded`;
// connection identifiers (DSN, addresses, ports, paths) are never overwritten.
func (c *MgrConfig) MergeReloadable(loaded *MgrConfig) *MgrConfig {
	merged := *c
	merged.Log.Level = loaded.Log.Level
	merged.Evacuate = loaded.Evacuate
	merged.Agent.Timeout = loaded.Agent.Timeout
	merged.Placement.Agents = append([]AgentAddr(nil), loaded.Placement.Agents...)
	return &merged
}

/////////////////
// AgentConfig //
/////////////////

func (c *AgentConfig) SetDefaults() {
	if c.Net.Port == 0 {
		c.Net.Port = DfltAgentPort
	}
	if c.MaxDownloads == 0 {
		c.MaxDownloads = 16
	}
	if c.MaxAssignments == 0 {
		c.MaxAssignments = 64
	}
	if c.DownloadTimeout == 0 {
		c.DownloadTimeout = cos.Duration(10 * time.Minute)
	}
}

func (c *AgentConfig) Validate() error {
	if c.Root == "" || c.DBPath == "" {
		return fmt.Errorf("agent: root and db_path are required (%q, %q)", c.Root, c.DBPath)
	}
	if c.Net.Port <= 0 || c.Net.Port > 65535 {
		return fmt.Errorf("invalid net.port %d", c.Net.Port)
	}
	if c.MaxDownloads < 1 || c.MaxAssignments < 1 {
		return fmt.Errorf("agent: invalid limits (max_downloads %d, max_assignments %d)", c.MaxDownloads, c.MaxAssignments)
	}
	return nil
}

// MergeReloadable: same rules as the manager's; max_downloads is fixed at startup.
func (c *AgentConfig) MergeReloadable(loaded *AgentConfig) *AgentConfig {
	merged := *c
	merged.Log.Level = loaded.Log.Level
	merged.DownloadTimeout = loaded.DownloadTimeout
	merged.MaxAssignments = loaded.MaxAssignments
	merged.ManagerURL = loaded.ManagerURL
	return &merged
}

//
// loading
//

type config interface {
	SetDefaults()
	Validate() error
}

// LoadConfig reads JSON or YAML (by extension), applies defaults, and validates.
func LoadConfig[T any, PT interface {
	*T
	config
}](fqn string) (*T, error) {
	var c T
	if err := jsp.Load(fqn, &c); err != nil {
		return nil, err
	}
	pc := PT(&c)
	pc.SetDefaults()
	if err := pc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", fqn, err)
	}
	return &c, nil
}
