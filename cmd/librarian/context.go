package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"librarian/internal/config"
	"librarian/internal/ipc"
	"librarian/internal/logging"
	"librarian/internal/materials"
	"librarian/internal/queueaccess"
	"librarian/internal/workflow"
)

type commandContext struct {
	socketFlag *string
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(socketFlag, configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		socketFlag: socketFlag,
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func (c *commandContext) socketPath() string {
	if c.socketFlag != nil {
		if socket := strings.TrimSpace(*c.socketFlag); socket != "" {
			return socket
		}
	}
	if cfg := c.configValue(); cfg != nil {
		return cfg.SocketPath()
	}
	return defaultSocketPath()
}

// withAccess runs fn against the daemon, or against the broker directly when
// the daemon socket is unreachable.
func (c *commandContext) withAccess(cmd *cobra.Command, fn func(queueaccess.Access) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	session, err := queueaccess.OpenWithFallback(
		func() (*ipc.Client, error) { return ipc.Dial(c.socketPath()) },
		func() (*workflow.Manager, error) {
			return workflow.NewManager(cfg, materials.NewStaticFrom(nil), logging.NewNop()), nil
		},
	)
	if err != nil {
		return err
	}
	defer session.Close()
	if session.Direct && !c.jsonOutput() {
		fmt.Fprintln(cmd.ErrOrStderr(), "Daemon not running; using the broker directly (jobs run when the daemon starts)")
	}
	return fn(session.Access)
}

func defaultSocketPath() string {
	cfg := config.Default()
	if state, err := config.ExpandPath(cfg.Paths.StateDir); err == nil && state != "" {
		cfg.Paths.StateDir = state
		return cfg.SocketPath()
	}
	return filepath.Join(os.TempDir(), "librarian.sock")
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
