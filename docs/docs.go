// Package docs registers the OpenAPI description of the relay's HTTP API.
// Regenerate with: swag init -g cmd/signald/docs.go -o docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/calls": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["calls"],
                "summary": "Get user's call history",
                "parameters": [
                    {"type": "integer", "description": "Page size (default 50, max 100)", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "Offset (default 0)", "name": "offset", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/server.CallHistoryResponse"}}
                }
            }
        },
        "/calls/missed/count": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Calls the user never answered within the window (default 7 days).",
                "produces": ["application/json"],
                "tags": ["calls"],
                "summary": "Count missed calls",
                "parameters": [
                    {"type": "string", "description": "Window as a Go duration, e.g. 24h", "name": "since", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/server.MissedCallsResponse"}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/calls/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["calls"],
                "summary": "Get a specific call",
                "parameters": [
                    {"type": "string", "description": "Call ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/database.CallLog"}},
                    "403": {"description": "Forbidden", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "404": {"description": "Not Found", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        }
    },
    "definitions": {
        "database.CallLog": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "conversation_id": {"type": "string"},
                "initiator_id": {"type": "string"},
                "call_type": {"type": "string"},
                "status": {"type": "string"},
                "started_at": {"type": "string"},
                "ended_at": {"type": "string"},
                "duration_seconds": {"type": "integer"},
                "created_at": {"type": "string"},
                "initiator_username": {"type": "string"},
                "conversation_title": {"type": "string"},
                "conversation_type": {"type": "string"},
                "answered_by": {"type": "string"}
            }
        },
        "server.CallHistoryResponse": {
            "type": "object",
            "properties": {
                "calls": {"type": "array", "items": {"$ref": "#/definitions/database.CallLog"}},
                "limit": {"type": "integer"},
                "offset": {"type": "integer"}
            }
        },
        "server.MissedCallsResponse": {
            "type": "object",
            "properties": {
                "count": {"type": "integer"},
                "since": {"type": "string", "format": "date-time"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "description": "JWT token (format: Bearer <token>)",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "OwlyCall Relay API",
	Description:      "Call signaling relay: websocket routing of call events and call history.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
