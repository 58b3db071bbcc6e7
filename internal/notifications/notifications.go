// Package notifications pushes alarm events to an ntfy topic so an
// operator hears about failsafe entries without watching dashboards.
package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/internal/config"
	"github.com/Phoenix5595/grow-controller/internal/model"
)

var (
	client      *http.Client
	server      string
	topic       string
	initialized bool
)

// Init initializes the notification client. An empty topic disables
// notifications.
func Init(cfg config.Notifications) {
	if cfg.NtfyTopic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		return
	}

	client = &http.Client{Timeout: 10 * time.Second}
	server = cfg.NtfyServer
	if server == "" {
		server = "https://ntfy.sh"
	}
	topic = cfg.NtfyTopic
	initialized = true

	log.Info().
		Str("server", server).
		Str("topic", topic).
		Msg("Ntfy notifications initialized")
}

// Send posts one notification. Critical severity maps to ntfy's high
// priority so phones buzz.
func Send(title, message string, severity model.Severity) error {
	if !initialized {
		return fmt.Errorf("notifications not initialized")
	}

	priority := 3
	if severity == model.SeverityCritical {
		priority = 5
	}
	payload := map[string]interface{}{
		"topic":    topic,
		"title":    title,
		"message":  message,
		"priority": priority,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequest("POST", server, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", title).
		Int("status", resp.StatusCode).
		Msg("Notification sent successfully")
	return nil
}

// NotifyAlarm fires a notification for an alarm in the background.
// Failures only log; alarms never block on the network.
func NotifyAlarm(a model.Alarm) {
	if !initialized {
		return
	}
	go func() {
		title := fmt.Sprintf("[%s] %s", a.Severity, a.Name)
		message := fmt.Sprintf("%s: %s", a.Zone, a.Message)
		if err := Send(title, message, a.Severity); err != nil {
			log.Warn().Err(err).Str("alarm", a.Name).Msg("Failed to send alarm notification")
		}
	}()
}
