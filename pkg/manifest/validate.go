package manifest

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/capassure/capcore/pkg/caperrors"
)

const schemaURL = "https://capassure.local/schemas/manifest.v1.0.json"

// schemaDocument is the published JSON-Schema (Draft 2020-12) governing
// manifest.v1.0: required fields, hash patterns, and enum values.
const schemaDocument = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://capassure.local/schemas/manifest.v1.0.json",
  "type": "object",
  "required": ["version", "created_at", "supplier_root", "ubo_root", "company_commitment_root", "policy", "audit", "signatures"],
  "properties": {
    "version": {"const": "1.0"},
    "created_at": {"type": "string", "format": "date-time"},
    "supplier_root": {"type": "string", "pattern": "^0x[0-9a-f]{64}$"},
    "ubo_root": {"type": "string", "pattern": "^0x[0-9a-f]{64}$"},
    "company_commitment_root": {"type": "string", "pattern": "^0x[0-9a-f]{64}$"},
    "sanctions_root": {"type": "string", "pattern": "^0x[0-9a-f]{64}$"},
    "jurisdiction_root": {"type": "string", "pattern": "^0x[0-9a-f]{64}$"},
    "policy": {
      "type": "object",
      "required": ["name", "version", "hash"],
      "properties": {
        "name": {"type": "string"},
        "version": {"type": "string"},
        "hash": {"type": "string", "pattern": "^0x[0-9a-f]{64}$"}
      }
    },
    "audit": {
      "type": "object",
      "required": ["tail_digest", "events_count"],
      "properties": {
        "tail_digest": {"type": "string", "pattern": "^0x[0-9a-f]{64}$"},
        "events_count": {"type": "integer", "minimum": 0}
      }
    },
    "proof": {
      "type": "object",
      "required": ["type", "status"],
      "properties": {
        "type": {"enum": ["none", "mock", "zk", "halo2", "spartan", "risc0"]},
        "status": {"enum": ["ok", "fail"]}
      }
    },
    "signatures": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kid", "algorithm", "signature_b64", "signed_at"],
        "properties": {
          "kid": {"type": "string", "pattern": "^[0-9a-f]{32}$"},
          "algorithm": {"const": "ed25519"},
          "signature_b64": {"type": "string"},
          "signed_at": {"type": "string", "format": "date-time"}
        }
      }
    },
    "time_anchor": {
      "type": "object",
      "required": ["kind", "audit_tip_hex", "created_at"],
      "properties": {
        "kind": {"type": "string"},
        "reference": {"type": "string"},
        "audit_tip_hex": {"type": "string", "pattern": "^0x[0-9a-f]{64}$"},
        "created_at": {"type": "string", "format": "date-time"},
        "private": {
          "type": "object",
          "required": ["audit_tip_hex"],
          "properties": {
            "audit_tip_hex": {"type": "string", "pattern": "^0x[0-9a-f]{64}$"}
          }
        },
        "public": {
          "type": "object",
          "required": ["chain", "txid", "digest"],
          "properties": {
            "chain": {"enum": ["ethereum", "hedera", "btc"]},
            "txid": {"type": "string", "minLength": 1},
            "digest": {"type": "string", "pattern": "^0x[0-9a-f]{64}$"}
          }
        }
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(schemaDocument)); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Validate checks m against the published manifest.v1.0 JSON Schema.
func Validate(m Manifest) error {
	schema, err := compiledSchema()
	if err != nil {
		return caperrors.StorageIO("manifest: schema compile failed: %v", err)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return caperrors.Canonicalisation("manifest", "failed to marshal manifest: %v", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return caperrors.Canonicalisation("manifest", "failed to decode manifest for validation: %v", err)
	}

	if err := schema.Validate(doc); err != nil {
		return caperrors.SchemaValidation("manifest", "%v", err)
	}
	return nil
}
