// Package config loads relay and train-agent configuration from the
// environment, with an optional .env file providing defaults the way the
// teacher's config.Load parses one — scanned line by line, `key=value`,
// comments and blank lines skipped.
package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds relay-process configuration (§6 environment).
type Config struct {
	Host          string
	FastAPIPort   int // HTTP control surface
	QUICPort      int
	MQTTBrokerURL string
	MQTTPort      int
	TLS           TLSConfig
}

// TLSConfig holds certificate/key paths. Left empty, the QUIC listener
// uses a generated self-signed certificate; the HTTP/WS listener is
// plaintext either way (production wiring is out of scope per spec.md §1).
type TLSConfig struct {
	CertPath string
	KeyPath  string
}

// TrainAgentConfig holds the train agent process's own configuration: which
// relay to dial and how to identify itself.
type TrainAgentConfig struct {
	TrainID    string
	RelayWSURL string
	MTU        int
}

// LoadTrainAgent reads train-agent configuration the same way Load reads
// relay configuration: environment first, envPath as fallback.
func LoadTrainAgent(envPath string) (*TrainAgentConfig, error) {
	fileVals, err := loadEnvFile(envPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("open env file: %w", err)
	}

	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		if v, ok := fileVals[key]; ok && v != "" {
			return v
		}
		return def
	}

	cfg := &TrainAgentConfig{
		TrainID:    get("TRAIN_ID", ""),
		RelayWSURL: get("RELAY_WS_URL", "ws://localhost:8000"),
	}
	if cfg.TrainID == "" {
		return nil, fmt.Errorf("TRAIN_ID is required")
	}

	mtu, err := strconv.Atoi(get("TRAIN_MTU", "1200"))
	if err != nil {
		return nil, fmt.Errorf("TRAIN_MTU: %w", err)
	}
	cfg.MTU = mtu

	return cfg, nil
}

// Load reads configuration from the process environment, falling back to
// envPath (an optional .env-style file) for any variable not already set.
func Load(envPath string) (*Config, error) {
	fileVals, err := loadEnvFile(envPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("open env file: %w", err)
	}

	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		if v, ok := fileVals[key]; ok && v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Host:          get("HOST", "0.0.0.0"),
		MQTTBrokerURL: get("MQTT_BROKER_URL", "tcp://localhost"),
		TLS: TLSConfig{
			CertPath: get("TLS_CERT_PATH", ""),
			KeyPath:  get("TLS_KEY_PATH", ""),
		},
	}

	cfg.FastAPIPort, err = parsePort(get("FAST_API_PORT", "8000"))
	if err != nil {
		return nil, fmt.Errorf("FAST_API_PORT: %w", err)
	}
	cfg.QUICPort, err = parsePort(get("QUIC_PORT", "4437"))
	if err != nil {
		return nil, fmt.Errorf("QUIC_PORT: %w", err)
	}
	cfg.MQTTPort, err = parsePort(get("MQTT_PORT", "1883"))
	if err != nil {
		return nil, fmt.Errorf("MQTT_PORT: %w", err)
	}

	return cfg, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	if p <= 0 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}

// loadEnvFile parses a .env-style file into a map, mirroring the teacher's
// config.Load scanner (skip blanks/comments, split on first '=', URL
// decode the value).
func loadEnvFile(path string) (map[string]string, error) {
	vals := make(map[string]string)
	if path == "" {
		return vals, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return vals, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decoded, err := url.QueryUnescape(value)
		if err != nil {
			decoded = value
		}
		vals[key] = decoded
	}

	if err := scanner.Err(); err != nil {
		return vals, fmt.Errorf("scan env file: %w", err)
	}

	return vals, nil
}
