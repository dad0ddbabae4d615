// Package config loads the Chimera swarm configuration from a JSON or YAML
// file, fills defaults and applies environment overrides such as REDIS_URL,
// MAX_DAILY_SPEND_USDC and CHIMERA_LOG_LEVEL.
package config
