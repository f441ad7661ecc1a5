// Package config loads controller and process manager settings from YAML.
package config

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/children"
	"github.com/goliatone/go-runcontrol/fsm"
)

const (
	DefaultPublishInterval = 2 * time.Second
	DefaultKillTimeout     = 500 * time.Millisecond
	DefaultInitUser        = "root"
)

// Broadcast selects the broadcast sink. Kind is "log" (default) or "none".
type Broadcast struct {
	Kind string `yaml:"kind,omitempty"`
}

func (b Broadcast) Enabled() bool {
	return !strings.EqualFold(b.Kind, "none")
}

type ControllerConfig struct {
	Name     string `yaml:"name"`
	Session  string `yaml:"session"`
	Detector string `yaml:"detector,omitempty"`
	// Listen is the host:port the RPC server binds.
	Listen string `yaml:"listen"`
	// Advertise is the host:port published to the connectivity service,
	// Listen when empty.
	Advertise string `yaml:"advertise,omitempty"`
	// Connectivity is the address of the connectivity service. Lookups and
	// publishing are off when empty.
	Connectivity    string        `yaml:"connectivity,omitempty"`
	Depth           int           `yaml:"depth,omitempty"`
	LookupTimeout   time.Duration `yaml:"lookup_timeout,omitempty"`
	PublishInterval time.Duration `yaml:"publish_interval,omitempty"`
	InitUser        string        `yaml:"init_user,omitempty"`
	InitToken       string        `yaml:"init_token,omitempty"`

	FSM       fsm.Config        `yaml:"fsm"`
	Children  []children.Config `yaml:"children,omitempty"`
	Broadcast Broadcast         `yaml:"broadcast,omitempty"`
}

// Validate fills defaults and rejects incomplete settings.
func (c *ControllerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("controller name is required", nil)
	}
	if strings.TrimSpace(c.Session) == "" {
		return invalid("session is required", map[string]any{"controller": c.Name})
	}
	if c.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Listen); err != nil {
			return invalid(fmt.Sprintf("listen address %q is not host:port", c.Listen), map[string]any{"controller": c.Name})
		}
	}
	if c.Depth <= 0 {
		c.Depth = 1
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = children.DefaultLookupTimeout
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = DefaultPublishInterval
	}
	if c.InitUser == "" {
		c.InitUser = DefaultInitUser
	}
	if err := c.FSM.Validate(); err != nil {
		return err
	}
	seen := map[string]bool{}
	for idx, child := range c.Children {
		if strings.TrimSpace(child.Name) == "" {
			return invalid(fmt.Sprintf("children[%d]: name is required", idx), map[string]any{"controller": c.Name})
		}
		if seen[child.Name] {
			return invalid(fmt.Sprintf("child %q is declared twice", child.Name), map[string]any{"controller": c.Name})
		}
		seen[child.Name] = true
	}
	return nil
}

// InitActor is the identity that owns the controller and its children at
// startup.
func (c ControllerConfig) InitActor() runcontrol.Token {
	return runcontrol.Token{Token: c.InitToken, UserName: c.InitUser}
}

// ControlURI is the address published for this controller.
func (c ControllerConfig) ControlURI() string {
	address := c.Advertise
	if address == "" {
		address = c.Listen
	}
	return "rpc://" + address
}

// SSH selects and configures the process launcher.
type SSH struct {
	// Launcher is "exec" (system ssh binary, default) or "native".
	Launcher     string   `yaml:"launcher,omitempty"`
	Binary       string   `yaml:"binary,omitempty"`
	Port         int      `yaml:"port,omitempty"`
	IdentityFile string   `yaml:"identity_file,omitempty"`
	Options      []string `yaml:"options,omitempty"`
}

type ProcessManagerConfig struct {
	Name        string        `yaml:"name"`
	Session     string        `yaml:"session"`
	Listen      string        `yaml:"listen"`
	KillTimeout time.Duration `yaml:"kill_timeout,omitempty"`
	SSH         SSH           `yaml:"ssh,omitempty"`
	Broadcast   Broadcast     `yaml:"broadcast,omitempty"`
	// Boot is launched at startup, in order.
	Boot []runcontrol.BootRequest `yaml:"boot,omitempty"`
}

func (c *ProcessManagerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("process manager name is required", nil)
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = DefaultKillTimeout
	}
	switch strings.ToLower(c.SSH.Launcher) {
	case "":
		c.SSH.Launcher = "exec"
	case "exec", "native":
		c.SSH.Launcher = strings.ToLower(c.SSH.Launcher)
	default:
		return invalid(fmt.Sprintf("unknown ssh launcher %q", c.SSH.Launcher), map[string]any{"process_manager": c.Name})
	}
	if c.SSH.Binary == "" {
		c.SSH.Binary = "ssh"
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	for idx, req := range c.Boot {
		if len(req.Restriction.AllowedHosts) == 0 {
			return invalid(fmt.Sprintf("boot[%d]: allowed_hosts is required", idx), map[string]any{"process_manager": c.Name})
		}
	}
	return nil
}

func invalid(message string, metadata map[string]any) error {
	return runcontrol.NewError(runcontrol.ErrInvalidConfiguration, message, nil, metadata)
}

// ParseController decodes and validates a controller configuration.
func ParseController(data []byte) (ControllerConfig, error) {
	var cfg ControllerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, runcontrol.NewError(runcontrol.ErrInvalidConfiguration, "controller configuration is not valid YAML", err, nil)
	}
	return cfg, cfg.Validate()
}

// ParseProcessManager decodes and validates a process manager configuration.
func ParseProcessManager(data []byte) (ProcessManagerConfig, error) {
	var cfg ProcessManagerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, runcontrol.NewError(runcontrol.ErrInvalidConfiguration, "process manager configuration is not valid YAML", err, nil)
	}
	return cfg, cfg.Validate()
}

// Source supplies the configuration of a node.
type Source interface {
	Controller(ctx context.Context) (ControllerConfig, error)
	ProcessManager(ctx context.Context) (ProcessManagerConfig, error)
}

// File reads a YAML document from disk on every call.
type File string

func (f File) read() ([]byte, error) {
	raw, err := os.ReadFile(string(f))
	if err != nil {
		return nil, runcontrol.NewError(runcontrol.ErrInvalidConfiguration,
			fmt.Sprintf("cannot read configuration %s", string(f)), err, map[string]any{"path": string(f)})
	}
	return raw, nil
}

func (f File) Controller(context.Context) (ControllerConfig, error) {
	raw, err := f.read()
	if err != nil {
		return ControllerConfig{}, err
	}
	return ParseController(raw)
}

func (f File) ProcessManager(context.Context) (ProcessManagerConfig, error) {
	raw, err := f.read()
	if err != nil {
		return ProcessManagerConfig{}, err
	}
	return ParseProcessManager(raw)
}

// Static serves configurations built in code.
type Static struct {
	ControllerConfig     ControllerConfig
	ProcessManagerConfig ProcessManagerConfig
}

func (s Static) Controller(context.Context) (ControllerConfig, error) {
	cfg := s.ControllerConfig
	return cfg, cfg.Validate()
}

func (s Static) ProcessManager(context.Context) (ProcessManagerConfig, error) {
	cfg := s.ProcessManagerConfig
	return cfg, cfg.Validate()
}
