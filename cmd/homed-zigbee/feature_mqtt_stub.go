//go:build no_mqtt

package main

func startMQTT(gw *gateway, cfg *Config) {
	if cfg.MQTT.Enabled {
		gw.logger.Warn("mqtt is enabled in config but this build has no mqtt support")
	}
}
