package host

// ManifestSchema is the JSON Schema for v2 plugin manifests
const ManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["manifestVersion", "name", "capabilities"],
  "properties": {
    "manifestVersion": {
      "const": "v2"
    },
    "id": {
      "type": "string",
      "pattern": "^[a-z0-9-]+$",
      "description": "Plugin identifier, derived from name when omitted"
    },
    "name": {
      "type": "string",
      "minLength": 1
    },
    "version": {
      "type": "string"
    },
    "description": {
      "type": "string"
    },
    "minHostVersion": {
      "type": "string",
      "description": "Lowest host version the plugin runs on, or a semver constraint"
    },
    "permissions": {
      "oneOf": [
        {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        {
          "type": "object",
          "required": ["required"],
          "properties": {
            "required": {
              "type": "array",
              "items": { "type": "string", "minLength": 1 }
            }
          }
        }
      ]
    },
    "routes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["path"],
        "properties": {
          "method": {
            "type": "string",
            "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS",
                     "get", "post", "put", "patch", "delete", "head", "options"]
          },
          "path": { "type": "string", "pattern": "^/" },
          "permission": { "type": "string" }
        }
      }
    },
    "hooks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "permission": { "type": "string" }
        }
      }
    },
    "cron": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "schedule"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "schedule": { "type": "string", "minLength": 1 },
          "permission": { "type": "string" }
        }
      }
    },
    "httpAllowlist": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "capabilities": {
      "type": "object",
      "properties": {
        "db": {
          "type": "array",
          "items": { "type": "string", "enum": ["read", "write"] }
        },
        "fs": {
          "type": "array",
          "items": { "type": "string", "enum": ["read", "write"] }
        },
        "http": {
          "type": "array",
          "items": {
            "type": "string",
            "enum": ["outbound", "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]
          }
        }
      }
    },
    "config": {
      "type": "object",
      "description": "Configuration passed to the plugin in init"
    }
  }
}`
