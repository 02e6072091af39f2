// Package logger provides structured logging for meshkit components
// using zerolog.
//
// It supports JSON and console output, log level configuration, and
// component-scoped loggers carrying structured fields.
//
// # Configuration
//
//	logging:
//	  level: "info"
//	  format: "json"
//
// # Usage
//
//	log := logger.Get("registration")
//	log.Info("service registered", logger.Fields(logger.FieldServiceID, id))
package logger
