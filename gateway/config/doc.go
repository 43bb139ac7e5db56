// Package config holds the gateway's runtime configuration.
//
// Values come from command-line flags backed by environment variables
// (SERVER, CONFIG, DEFAULT_CHAT_ID, ...). A .env file in the working
// directory is loaded before flags are parsed.
//
// The bot configuration forwarded in the init handshake is a JSON document.
// It is read from CONFIG, or from the YAML/JSON file named by CONFIG_FILE.
//
// Missing SERVER or bot configuration is fatal at startup; see Validate.
package config
