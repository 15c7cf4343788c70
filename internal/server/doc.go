/*
Package server provides the HTTP server and its middleware chain.

# Middleware Components

## Request ID (requestid.go)

RequestIDMiddleware keeps a caller-supplied X-Request-ID when it is a valid
UUID and generates one otherwise. The id is stored in the request context
(see GetRequestID) and echoed in the response header.

## Logging (logging.go)

LoggingMiddleware provides structured request logging using slog:
  - Logs request start at debug level
  - Logs request completion (status, duration, route pattern)
  - Supports custom log fields via AddLogField/AddError

## Timeout (timeout.go)

TimeoutMiddleware puts a deadline on the request context. Handlers must watch
context.Done(); streaming generation ends with a cancellation frame.

# Middleware Chain Order

 1. RequestIDMiddleware (first, to generate request IDs)
 2. LoggingMiddleware (logs all requests)
 3. TimeoutMiddleware (enforces timeouts)
 4. Recoverer (catches panics)
 5. OTel instrumentation (OpenTelemetry)

# Example Usage

	srv := server.New(cfg.Server, logger)
	handler.Routes(srv.Router)
	srv.Start()
*/
package server
