// Package config holds the configuration of a hub node and its translation
// into dragonboat configuration for replicated shards.
//
// Values are read by the command line layer from flags, the environment
// (prefix CTXHUB_) and .env files. This package only validates and reports
// them.
package config
