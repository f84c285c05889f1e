package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	ClientIDEnv     = "CTRADER_CLIENT_ID"
	ClientSecretEnv = "CTRADER_CLIENT_SECRET"
)

// LoadGatewayConfig reads the YAML file, applies defaults and takes the
// application credential pair from the environment.
func LoadGatewayConfig(filename string) (GatewayConfig, error) {
	var cfg GatewayConfig
	input, err := os.ReadFile(filename)
	if err != nil {
		return cfg, fmt.Errorf("%w: can't read file", err)
	}

	if err := yaml.Unmarshal(input, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: can't unmarshal config", err)
	}

	cfg.Broker.ClientID = os.Getenv(ClientIDEnv)
	cfg.Broker.ClientSecret = os.Getenv(ClientSecretEnv)

	if err := cfg.ValidateAndSetup(); err != nil {
		return cfg, fmt.Errorf("%w: can't setup cfg", err)
	}

	return cfg, nil
}
