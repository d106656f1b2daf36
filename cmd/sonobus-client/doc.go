// Command sonobus-client is a minimal client of a sonobus rendezvous
// server. It connects, joins one group, logs every event and sends a text
// message to the group at a fixed interval until interrupted.
//
// Usage:
//
//	sonobus-client --server.host rendezvous.example.org --group.name studio --user.name alice
//
// Every flag can also be set in a YAML file passed with --config, using
// the flag name as the key path, or through SONOBUS_* environment
// variables, e.g. SONOBUS_SERVER_HOST or SONOBUS_GROUP_PASSWORD. Flags win
// over the environment, which wins over the file.
//
// With --metrics_addr set, Prometheus metrics are served on /metrics.
package main
