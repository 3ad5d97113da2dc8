//go:build no_mqtt

package main

import (
	"log/slog"

	"pir-go-home/internal/presence"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *presence.Monitor, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
