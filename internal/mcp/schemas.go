package mcp

const enqueueSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["type", "payload"],
  "properties": {
    "type": {"type": "string"},
    "payload": {"type": "object"},
    "priority": {"type": "integer", "default": 0},
    "affinityKey": {"type": ["string", "null"]},
    "maxAttempts": {"type": "integer", "minimum": 1, "default": 3}
  }
}`

const claimSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["workerId", "leaseSeconds"],
  "properties": {
    "workerId": {"type": "string", "minLength": 1},
    "leaseSeconds": {"type": "integer", "minimum": 1},
    "allowedTypes": {"type": "array", "items": {"type": "string"}},
    "workerCapabilities": {"type": "array", "items": {"type": "string"}}
  }
}`

const heartbeatSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["jobId", "workerId", "leaseSeconds"],
  "properties": {
    "jobId": {"type": "string", "format": "uuid"},
    "workerId": {"type": "string", "minLength": 1},
    "leaseSeconds": {"type": "integer", "minimum": 1}
  }
}`

const completeSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["jobId", "workerId"],
  "properties": {
    "jobId": {"type": "string", "format": "uuid"},
    "workerId": {"type": "string", "minLength": 1},
    "resultSummary": {"type": ["string", "null"]}
  }
}`

const failSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["jobId", "workerId", "errorMessage"],
  "properties": {
    "jobId": {"type": "string", "format": "uuid"},
    "workerId": {"type": "string", "minLength": 1},
    "errorMessage": {"type": "string", "minLength": 1},
    "retryable": {"type": "boolean", "default": false}
  }
}`

const cancelSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["jobId"],
  "properties": {
    "jobId": {"type": "string", "format": "uuid"},
    "reason": {"type": ["string", "null"]}
  }
}`

const getSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["jobId"],
  "properties": {
    "jobId": {"type": "string", "format": "uuid"}
  }
}`

const listSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "status": {"type": ["string", "null"]},
    "type": {"type": ["string", "null"]},
    "limit": {"type": "integer", "minimum": 1, "maximum": 200, "default": 50}
  }
}`

const uploadArtifactSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["jobId", "name", "contentBase64"],
  "properties": {
    "jobId": {"type": "string", "format": "uuid"},
    "name": {"type": "string", "minLength": 1},
    "contentBase64": {"type": "string", "minLength": 1},
    "contentType": {"type": ["string", "null"]},
    "digest": {"type": ["string", "null"]}
  }
}`
