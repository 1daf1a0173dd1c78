// Package confloader loads layered configuration with koanf.
//
// Sources are applied in order: defaults already present in the target,
// a YAML file, TOPOMESH_ environment variables, then explicit overrides.
// Watcher reports edits of the file through fsnotify.
package confloader
