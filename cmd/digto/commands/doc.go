// Package commands defines the digto CLI.
//
// Commands
//
//   - proxy     Forward every request sent to a subdomain to a local address
//   - url       Print the public and relay URLs of a subdomain
//   - version   Print the build version
//
// Settings come from an optional YAML file (--config) and are overridden by
// flags that were set explicitly. The proxy command restarts its workers
// when the file changes.
package commands
