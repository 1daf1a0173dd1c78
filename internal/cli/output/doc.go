// Package output renders topomesh-cli results as tables, JSON or YAML, and
// draws the progress spinner of waiting commands.
package output
