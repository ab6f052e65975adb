package pipeline

import (
	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/stage"
)

// BuildRequest assembles what a stage sees for one patient: the profile, the
// recorded results of its declared dependencies, and its parameters.
func BuildRequest(def stage.Definition, patient *models.PatientProfile, table *ResultTable) models.StageRequest {
	upstream := make(map[string]models.StageResult, len(def.DependsOn))
	for _, dep := range def.DependsOn {
		if r, ok := table.Get(models.CellKey{PatientID: patient.ID, Stage: dep}); ok {
			upstream[dep] = r
		}
	}
	params := make(map[string]interface{}, len(def.Params))
	for k, v := range def.Params {
		params[k] = v
	}
	return models.StageRequest{
		Stage:    def.Name,
		Kind:     def.Kind,
		Patient:  patient,
		Upstream: upstream,
		Params:   params,
	}
}
