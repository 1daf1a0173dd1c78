// Package logger builds the slog logger of topomesh binaries.
//
// Output is JSON or text. The level is shared and can be changed at
// runtime with SetLevel. Attributes under sensitive keys (password,
// secret, credential, key, auth) are redacted and sealed values are
// shortened. A request id stored with WithRequestID is attached to records
// logged with that context.
package logger
