// Package logging wraps zap with landd conventions: a trace level below
// debug, context-carried correlation fields, and an observing test logger.
package logging
