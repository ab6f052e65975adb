package trial

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/pipeline"
)

var csvHeader = []string{"patient_id", "stage", "status", "failure_kind", "attempts", "duration_ms", "confidence", "message", "payload"}

// WriteCSV exports the run's result table, one row per cell.
func WriteCSV(w io.Writer, run *pipeline.Run) error {
	return WriteCells(w, run.Cells())
}

func WriteCells(w io.Writer, cells []models.Cell) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, cell := range cells {
		r := cell.Result
		row := []string{
			cell.PatientID,
			cell.Stage,
			string(r.Status),
			string(r.FailureKind()),
			strconv.Itoa(r.Attempts),
			strconv.FormatInt(r.Duration.Milliseconds(), 10),
			"",
			"",
			"",
		}
		if r.IsSuccess() {
			row[6] = strconv.FormatFloat(r.Confidence, 'f', 4, 64)
			if payload, err := json.Marshal(r.Payload); err == nil {
				row[8] = string(payload)
			}
		} else if r.Failure != nil {
			row[7] = r.Failure.Message
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
