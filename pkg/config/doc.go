// Package config loads meterd configuration from environment variables.
//
// # Overview
//
// Every setting has a default except METERD_POSTGRES_URL. LoadConfig reads
// the environment and runs Validate.
//
// Server settings:
//
//	METERD_HOST="0.0.0.0"
//	METERD_PORT="8080"
//	METERD_MAX_BODY_BYTES="1048576"
//
// Datastores:
//
//	METERD_POSTGRES_URL="postgres://localhost/meterd?sslmode=disable"
//	METERD_POSTGRES_REPLICA_URLS="postgres://replica-1/meterd,postgres://replica-2/meterd"
//	METERD_REDIS_URL="redis://localhost:6379/0"
//	METERD_LEDGER_BACKEND="postgres"     # postgres, redis
//	METERD_RATELIMIT_BACKEND="postgres"  # postgres, redis
//	METERD_S3_BUCKET="meterd-usage-archive"
//
// Billing:
//
//	METERD_STRIPE_SECRET_KEY="sk_live_..."
//	METERD_STRIPE_WEBHOOK_SECRET="whsec_..."
//	METERD_PUBLIC_BASE_URL="https://app.example.com"
//	METERD_BILLING_ENFORCE_EVENT_ORDER="true"
//
// Plans:
//
//	METERD_PLANS_CATALOG="/etc/meterd/plans.yaml"
//	METERD_PLANS_WATCH="true"
//
// Observability:
//
//	METERD_LOG_LEVEL="info"  # debug, info, warn, error
//	METERD_OTEL_ENABLED="true"
//	METERD_OTEL_ENDPOINT="otel-collector:4317"
package config
