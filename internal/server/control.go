package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/MrWong99/auricle/internal/config"
	"github.com/MrWong99/auricle/internal/gateway"
)

// UpdateConfig reloads the configuration file and applies the hot-reloadable
// parts: log level, persona template, and the interaction settings live
// connections read per turn. Changes the diff classifies as restart-required
// are logged but deferred until the next restart.
func (s *Server) UpdateConfig(_ context.Context) error {
	if s.cfgPath == "" {
		return errors.New("server: no config path configured for reload")
	}
	cfg, err := config.Load(s.cfgPath)
	if err != nil {
		return fmt.Errorf("server: reload config: %w", err)
	}

	s.cfgMu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.cfgMu.Unlock()

	diff := config.Diff(old, cfg)
	if diff.Empty() {
		s.log.Info("config reloaded, no changes")
		return nil
	}

	if diff.LogLevelChanged && s.logLevel != nil {
		s.logLevel.Set(diff.NewLogLevel.Level())
		s.log.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.PromptChanged && s.prompt != nil {
		s.prompt.SetTemplate(cfg.Prompt)
	}

	s.gw.ApplyConfig(cfg)

	s.connMu.Lock()
	conns := make([]*gateway.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	for _, c := range conns {
		c.ApplyConfig(cfg)
	}

	if diff.RestartRequired() {
		s.log.Warn("config changes require a restart", "reasons", diff.RestartReasons)
	}
	s.log.Info("config reloaded",
		"connections_updated", len(conns),
		"interaction_changed", diff.InteractionChanged)
	return nil
}

// ScheduleRestart re-executes the process after a short delay so the success
// reply reaches the requesting device first.
func (s *Server) ScheduleRestart() {
	s.log.Warn("restart scheduled", "delay", restartDelay)
	go func() {
		time.Sleep(restartDelay)
		s.restartFn()
	}()
}

// reexec replaces the current process image with a fresh copy of itself,
// preserving arguments and environment. Listener sockets are not inherited;
// the new process binds them again.
func (s *Server) reexec() {
	exe, err := os.Executable()
	if err != nil {
		s.log.Error("restart failed: cannot resolve executable", "error", err)
		return
	}
	s.closeAll("server restarting")
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		s.log.Error("restart failed", "error", err)
	}
}
