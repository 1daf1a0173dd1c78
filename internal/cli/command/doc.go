// Package command defines the topomesh-cli commands.
//
// Commands talk to one member over AdminService:
//
//   - node: put, delete, get and list device node configurations
//   - cluster: status and readiness of the member's cluster
//   - device: read and write device datastores through proxy transactions
//   - config: show and edit the CLI profile
//   - version: build information
package command
