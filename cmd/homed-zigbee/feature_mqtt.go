//go:build !no_mqtt

package main

import (
	mqttbridge "github.com/iphizic/homed-service-zigbee/internal/mqtt"
)

// startMQTT connects the bridge when enabled. The bridge is stopped by
// gw.close before the registry flushes, so "offline" is its last message.
func startMQTT(gw *gateway, cfg *Config) {
	if !cfg.MQTT.Enabled {
		return
	}
	bridge, err := mqttbridge.NewBridge(gw.reg, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, gw.logger)
	if err != nil {
		gw.logger.Error("mqtt bridge disabled", "broker", cfg.MQTT.Broker, "err", err)
		return
	}
	bridge.Start()
	gw.onStop(bridge.Stop)
}
