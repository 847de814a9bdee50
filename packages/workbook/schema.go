package workbook

// Schema is the JSON schema every workbook must satisfy before it reaches
// the engine.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["requests"],
  "properties": {
    "version": {"type": "string"},
    "name": {"type": "string"},
    "requests": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/definitions/request"}
    }
  },
  "definitions": {
    "pair": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string"},
        "value": {"type": "string"},
        "disabled": {"type": "boolean"}
      }
    },
    "body": {
      "type": "object",
      "properties": {
        "type": {
          "type": "string",
          "enum": ["none", "text", "json", "xml", "form", "raw"]
        },
        "text": {"type": "string"},
        "data": {},
        "form": {"type": "array", "items": {"$ref": "#/definitions/pair"}},
        "raw": {"type": "string"}
      }
    },
    "request": {
      "type": "object",
      "required": ["url"],
      "properties": {
        "name": {"type": "string"},
        "method": {
          "type": "string",
          "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"]
        },
        "url": {"type": "string", "minLength": 1},
        "headers": {"type": "array", "items": {"$ref": "#/definitions/pair"}},
        "queryParams": {"type": "array", "items": {"$ref": "#/definitions/pair"}},
        "body": {"$ref": "#/definitions/body"},
        "timeout": {"type": "integer", "minimum": 0},
        "maxRedirects": {"type": "integer", "minimum": 0},
        "runs": {"type": "integer", "minimum": 1}
      }
    }
  }
}`
