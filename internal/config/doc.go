// Package config handles configuration loading for rag-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, then defaults are applied and the result is validated.
//
// # Configuration File
//
// Locations, in order:
//
//  1. The -config flag
//  2. Path from the RAG_GATEWAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/rag-gateway/config.yaml
//  4. ~/.config/rag-gateway/config.yaml
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	agent:
//	  api_key: "${OPENAI_API_KEY}"
//
// Only the ${VAR_NAME} form is expanded. Unset variables become empty strings.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	runs:
//	  poll_interval: "500ms"
//	dedupe:
//	  ttl: "10m"
//
// # Configuration Sections
//
// Server listeners:
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  grpc_addr: "127.0.0.1:50051"   # gRPC health service, optional
//	  read_header_timeout: "10s"
//	  shutdown_timeout: "15s"
//
// Conversation store and the SQL sub-agent's data source:
//
//	database:
//	  driver: "sqlite"               # or postgres
//	  dsn: "./rag-gateway.db"
//	  data_driver: "postgres"
//	  data_dsn: "postgres://reader@db/sales"
//
// Primary agent:
//
//	agent:
//	  provider: "openai"             # or anthropic
//	  api_key: "${OPENAI_API_KEY}"
//	  azure_endpoint: ""             # set to use Azure OpenAI
//	  model: "gpt-4o"
//	  history_messages: 4
//	  max_tool_rounds: 4
//
// Run-based sub-agents:
//
//	runs:
//	  sql_assistant_id: "asst_..."
//	  chart_assistant_id: "asst_..."
//	  poll_interval: "500ms"
//	  max_polls: 240
//	  result_limit: 20000
//
// Identity, rate limits and replay protection:
//
//	auth:
//	  jwt_secret: "${RAG_JWT_SECRET}"
//	  principal_header: "X-Ms-Client-Principal-Id"
//	  trust_principal_header: false   # default: true only without jwt_secret
//	  admin_token_hash: "$2a$10$..."
//	  allow_anonymous: false
//	limits:
//	  turns_per_minute: 20
//	  burst: 5
//	dedupe:
//	  ttl: "10m"
//	  max_entries: 10000
//
// Tailnet listener and logging:
//
//	tailscale:
//	  enabled: false
//	  hostname: "rag-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	logging:
//	  level: "info"                  # debug, info, warn, error
//	  format: "text"                 # text or json
package config
