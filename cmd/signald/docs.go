// Package main OwlyCall Relay API
//
//	@title			OwlyCall Relay API
//	@version		1.0
//	@description	Call signaling relay: websocket routing of call events and call history.
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT token (format: Bearer <token>)
package main
