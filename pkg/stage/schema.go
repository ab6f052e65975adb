package stage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
)

const confidenceSchema = `{"type": "number", "minimum": 0, "maximum": 1}`

var builtinSchemas = map[models.StageKind]string{
	models.StageInteraction: `{
  "type": "object",
  "required": ["interaction_detected", "severity", "confidence"],
  "properties": {
    "interaction_detected": {"type": "boolean"},
    "severity": {"enum": ["none", "minor", "moderate", "major", "contraindicated"]},
    "interacting_drugs": {"type": "array", "items": {"type": "string"}},
    "confidence": ` + confidenceSchema + `
  }
}`,
	models.StageAdverseEvent: `{
  "type": "object",
  "required": ["adverse_event_predicted", "probability", "confidence"],
  "properties": {
    "adverse_event_predicted": {"type": "boolean"},
    "probability": {"type": "number", "minimum": 0, "maximum": 1},
    "serious": {"type": "boolean"},
    "events": {"type": "array", "items": {"type": "object"}},
    "confidence": ` + confidenceSchema + `
  }
}`,
	models.StageDosing: `{
  "type": "object",
  "required": ["recommended_dose_mg", "confidence"],
  "properties": {
    "recommended_dose_mg": {"type": "number", "exclusiveMinimum": 0},
    "adjustment_factor": {"type": "number", "exclusiveMinimum": 0},
    "confidence": ` + confidenceSchema + `
  }
}`,
	models.StageCustom: `{
  "type": "object",
  "properties": {
    "confidence": ` + confidenceSchema + `
  }
}`,
}

func compileSchema(def Definition) (*jsonschema.Schema, error) {
	var source []byte
	if def.Schema != nil {
		raw, err := json.Marshal(def.Schema)
		if err != nil {
			return nil, models.NewConfigurationError("stages."+def.Name+".schema", "encode: %v", err)
		}
		source = raw
	} else {
		builtin, ok := builtinSchemas[def.Kind]
		if !ok {
			return nil, models.NewConfigurationError("stages."+def.Name+".kind", "no output schema for kind %q", def.Kind)
		}
		source = []byte(builtin)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://trialsim.local/stages/%s.schema.json", url.PathEscape(def.Name))
	if err := c.AddResource(schemaURL, bytes.NewReader(source)); err != nil {
		return nil, &models.ConfigurationError{Field: "stages." + def.Name + ".schema", Reason: "load failed", Err: err}
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, &models.ConfigurationError{Field: "stages." + def.Name + ".schema", Reason: "compile failed", Err: err}
	}
	return compiled, nil
}
