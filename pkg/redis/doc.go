// Package redis connects the membership service to Redis, retrying until
// the server answers a ping. The client backs the side-effect journal that
// makes webhook effect delivery idempotent across retries.
//
// Configuration is described by the Config struct whose fields are populated
// from environment variables via github.com/caarlos0/env.
package redis
