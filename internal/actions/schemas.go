package actions

// JSON Schema параметров встроенных действий (проверяются реестром до исполнения/HITL).

const getClientDataSchema = `{
  "type": "object",
  "properties": {
    "client_id": {"type": "string"},
    "include_metrics": {"type": "boolean"},
    "include_system_info": {"type": "boolean"},
    "user_agent": {"type": "string"},
    "request_source": {"type": "string"}
  }
}`

const updateClientSessionSchema = `{
  "type": "object",
  "required": ["client_id"],
  "properties": {
    "client_id": {"type": "string", "minLength": 1},
    "session_data": {"type": "object"},
    "update_reason": {"type": "string"}
  }
}`

const processWebhookDataSchema = `{
  "type": "object",
  "properties": {
    "webhook_data": {"type": "object"},
    "client_id": {"type": "string"},
    "action_id": {"type": ["string", "number", "null"]}
  }
}`

const extractKnowledgeGraphSchema = `{
  "type": "object",
  "required": ["client_id"],
  "properties": {
    "client_id": {"type": "string", "minLength": 1},
    "webhook_data": {"type": "object"},
    "include_task_details": {"type": "boolean"}
  }
}`

const sendWebhookResponseSchema = `{
  "type": "object",
  "properties": {
    "response_url": {"type": "string", "format": "uri"},
    "source_id": {"type": "string"},
    "response_data": {"type": "object"},
    "response_type": {"type": "string"},
    "client_id": {"type": "string"}
  },
  "anyOf": [
    {"required": ["response_url"]},
    {"required": ["source_id"]}
  ]
}`

const validateSignatureSchema = `{
  "type": "object",
  "required": ["source_id", "signature"],
  "properties": {
    "source_id": {"type": "string", "minLength": 1},
    "signature": {"type": "string", "minLength": 1},
    "payload": {"type": "string"},
    "webhook_data": {"type": "object"},
    "client_id": {"type": "string"}
  }
}`
