// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// An optional .env file is loaded into the environment before expansion.
// Secret values may be stored as "sealed:<base64>" and are opened with the site secret.
package config
