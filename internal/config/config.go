// Package config reads the orchestrator's runtime tunables from the
// environment, following the same os.Getenv-with-defaults approach the
// rest of this codebase's test harness uses rather than pulling in a
// configuration framework the teacher and pack never exercise.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DeploymentType selects the container engine backend.
type DeploymentType string

const (
	DeploymentPodman DeploymentType = "podman"
	DeploymentK8s    DeploymentType = "k8s"
)

// Config holds every environment-driven tunable from spec.md §6.
type Config struct {
	DeploymentType DeploymentType

	PodmanSocketURL string

	ReadinessTimeout    time.Duration
	LivenessTimeout     time.Duration
	LivenessCheckPeriod time.Duration

	MaxRestartsOnFailure   int
	RestartDelayOnFailure  time.Duration
	RestartDelayOnComplete time.Duration

	MaxRunningActivations int // negative = unlimited

	FlushAfter string // integer string, or "end"

	LogLevel string

	AllowForceRestartWhenOffline bool

	MonitorInterval time.Duration

	// ControllerURL/ControllerSSLVerify/ControllerToken are the
	// AAP/controller connection details handed back in the Worker
	// handshake's ControllerInfo record (spec.md §4.5).
	ControllerURL       string
	ControllerSSLVerify bool
	ControllerToken     string

	// GatewayBaseURL replaces the controller's own host in Action
	// message URLs (internal/wsendpoint/urlrewrite.go).
	GatewayBaseURL string

	// WebsocketBaseURL is this orchestrator's own address, the one a
	// started rulebook worker is told to dial back to (the
	// "--websocket-address" argument); WebsocketSSLVerify controls
	// whether that worker verifies the TLS certificate on that
	// connection.
	WebsocketBaseURL    string
	WebsocketSSLVerify  bool
}

// Load reads Config from the environment, applying the defaults used
// elsewhere in this design (readiness/liveness windows generous enough
// to tolerate a slow image pull, restart caps conservative enough to
// avoid a crash loop storm).
func Load() (*Config, error) {
	cfg := &Config{
		DeploymentType:               DeploymentType(getenv("DEPLOYMENT_TYPE", string(DeploymentPodman))),
		PodmanSocketURL:              os.Getenv("PODMAN_SOCKET_URL"),
		MaxRestartsOnFailure:         5,
		MaxRunningActivations:        -1,
		FlushAfter:                   "1",
		LogLevel:                     getenv("ANSIBLE_RULEBOOK_LOG_LEVEL", "-v"),
		AllowForceRestartWhenOffline: false,
		MonitorInterval:              5 * time.Second,
		ControllerURL:                os.Getenv("EDA_CONTROLLER_URL"),
		ControllerToken:              os.Getenv("EDA_CONTROLLER_TOKEN"),
		GatewayBaseURL:               getenv("EDA_GATEWAY_BASE_URL", "https://localhost"),
		WebsocketBaseURL:             getenv("EDA_WEBSOCKET_BASE_URL", "ws://localhost:8000"),
	}
	if v := os.Getenv("EDA_CONTROLLER_SSL_VERIFY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("EDA_CONTROLLER_SSL_VERIFY: %w", err)
		}
		cfg.ControllerSSLVerify = b
	} else {
		cfg.ControllerSSLVerify = true
	}
	if v := os.Getenv("EDA_WEBSOCKET_SSL_VERIFY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("EDA_WEBSOCKET_SSL_VERIFY: %w", err)
		}
		cfg.WebsocketSSLVerify = b
	} else {
		cfg.WebsocketSSLVerify = true
	}

	var err error
	if cfg.ReadinessTimeout, err = getenvDuration("RULEBOOK_READINESS_TIMEOUT_SECONDS", 60); err != nil {
		return nil, err
	}
	if cfg.LivenessTimeout, err = getenvDuration("RULEBOOK_LIVENESS_TIMEOUT_SECONDS", 310); err != nil {
		return nil, err
	}
	if cfg.LivenessCheckPeriod, err = getenvDuration("RULEBOOK_LIVENESS_CHECK_SECONDS", 300); err != nil {
		return nil, err
	}
	if cfg.RestartDelayOnFailure, err = getenvDuration("ACTIVATION_RESTART_SECONDS_ON_FAILURE", 60); err != nil {
		return nil, err
	}
	if cfg.RestartDelayOnComplete, err = getenvDuration("ACTIVATION_RESTART_SECONDS_ON_COMPLETE", 0); err != nil {
		return nil, err
	}
	if v := os.Getenv("ACTIVATION_MAX_RESTARTS_ON_FAILURE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("ACTIVATION_MAX_RESTARTS_ON_FAILURE: %w", err)
		}
		cfg.MaxRestartsOnFailure = n
	}
	if v := os.Getenv("MAX_RUNNING_ACTIVATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MAX_RUNNING_ACTIVATIONS: %w", err)
		}
		cfg.MaxRunningActivations = n
	}
	if v := os.Getenv("ANSIBLE_RULEBOOK_FLUSH_AFTER"); v != "" {
		cfg.FlushAfter = v
	}
	if v := os.Getenv("ALLOW_FORCE_RESTART_WHEN_OFFLINE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("ALLOW_FORCE_RESTART_WHEN_OFFLINE: %w", err)
		}
		cfg.AllowForceRestartWhenOffline = b
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvDuration(key string, fallbackSeconds int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallbackSeconds) * time.Second, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}
