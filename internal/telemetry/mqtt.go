// Package telemetry publishes race server activity to an MQTT broker so
// fleet dashboards can watch many hosts without polling their APIs.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/slipstream-racing/slipstream/internal/config"
	"github.com/slipstream-racing/slipstream/internal/events"
	"github.com/slipstream-racing/slipstream/internal/room"
	"github.com/slipstream-racing/slipstream/internal/server"
	"github.com/slipstream-racing/slipstream/internal/util"
)

// MQTT topic suffixes, appended to the configured topic base.
const (
	TopicStatus  = "status"
	TopicRooms   = "rooms"
	TopicRaces   = "races"
	TopicPlayers = "players"
	TopicLag     = "lag"
)

const heartbeatInterval = 30 * time.Second

// MQTTHandler manages the MQTT connection and publishes telemetry events.
type MQTTHandler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	game     *server.GameServer
	rooms    *room.Manager
	client   mqtt.Client

	topicBase string

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus, game *server.GameServer, rooms *room.Manager) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"hostname":  sysInfo.Hostname,
		"os":        sysInfo.OS,
		"cpu_model": sysInfo.CPUModel,
		"cpu_cores": sysInfo.CPUCores,
		"memory_mb": sysInfo.TotalMemory,
	}

	topicBase := mqttCfg.TopicBase
	if topicBase == "" {
		topicBase = "slipstream"
	}

	handler := &MQTTHandler{
		cfg:       cfg,
		eventBus:  eventBus,
		game:      game,
		rooms:     rooms,
		topicBase: topicBase,
		metadata:  metadata,
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("slipstream-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

// Start connects to the broker and publishes until ctx is cancelled. Blocking.
func (h *MQTTHandler) Start(ctx context.Context) error {
	mqttCfg := h.cfg.GetApplicationData().MQTT
	log.Info().
		Str("broker", mqttCfg.BrokerURL).
		Int("port", mqttCfg.Port).
		Str("base", h.topicBase).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	h.publishHeartbeat()
	for {
		select {
		case <-ctx.Done():
			h.publishShutdown()
			h.client.Disconnect(5000)
			log.Info().Msg("MQTT disconnected")
			return nil
		case <-heartbeat.C:
			h.publishHeartbeat()
		}
	}
}

// subscribeEvents registers event handlers for MQTT publishing.
func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventRoomCreated, "mqtt.roomCreated", h.roomEvent("room_created"))
	h.eventBus.Subscribe(events.EventRoomDestroyed, "mqtt.roomDestroyed", h.roomEvent("room_destroyed"))
	h.eventBus.Subscribe(events.EventRaceStarted, "mqtt.raceStarted", h.raceEvent("race_started", TopicRaces))
	h.eventBus.Subscribe(events.EventRaceFinished, "mqtt.raceFinished", h.raceEvent("race_finished", TopicRaces))
	h.eventBus.Subscribe(events.EventPlayerJoined, "mqtt.playerJoined", h.raceEvent("player_joined", TopicPlayers))
	h.eventBus.Subscribe(events.EventPlayerLeft, "mqtt.playerLeft", h.raceEvent("player_left", TopicPlayers))
	h.eventBus.Subscribe(events.EventTickLag, "mqtt.tickLag", h.raceEvent("tick_lag", TopicLag))
}

func (h *MQTTHandler) roomEvent(name string) events.HandlerFunc {
	return h.raceEvent(name, TopicRooms)
}

func (h *MQTTHandler) raceEvent(name, topic string) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		h.publish(topic, map[string]interface{}{
			"event":   name,
			"payload": event.Payload,
		})
		return nil
	}
}

// publish sends a JSON message to an MQTT topic under the topic base.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	msg := h.buildMessage(payload)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	full := h.topicBase + "/" + topic
	token := h.client.Publish(full, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", full).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines host metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{})
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// publishHeartbeat reports the live state of this host.
func (h *MQTTHandler) publishHeartbeat() {
	h.publish(TopicStatus, map[string]interface{}{
		"event":          "heartbeat",
		"players":        h.game.PlayerCount(),
		"rooms":          len(h.rooms.Rooms()),
		"uptime_seconds": int64(h.game.Uptime().Seconds()),
	})
}

func (h *MQTTHandler) publishShutdown() {
	h.publish(TopicStatus, map[string]interface{}{"event": "shutdown"})
}
