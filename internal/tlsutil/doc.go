// Package tlsutil holds the hardened TLS settings (TLS 1.2+, AEAD suites
// only) used by the model provider clients and the Redis connection.
package tlsutil
