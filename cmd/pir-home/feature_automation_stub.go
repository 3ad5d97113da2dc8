//go:build no_automation

package main

import (
	"log/slog"

	"pir-go-home/internal/presence"
	"pir-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *presence.Monitor, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
