package streammanager

import (
	"mediakit/internal/ini"
	"mediakit/pkg/models"
)

// output is one protocol muxer and the reader schemas served by it
type output struct {
	name    models.Schema
	enable  string
	demand  string
	schemas []models.Schema
}

var outputs = []output{
	{models.SchemaRTSP, ini.KeyEnableRTSP, ini.KeyRTSPDemand, []models.Schema{models.SchemaRTSP}},
	{models.SchemaRTMP, ini.KeyEnableRTMP, ini.KeyRTMPDemand, []models.Schema{models.SchemaRTMP, models.SchemaHTTP}},
	{models.SchemaTS, ini.KeyEnableTS, ini.KeyTSDemand, []models.Schema{models.SchemaTS, models.SchemaSRT}},
}

// OutputEnabled reports whether players of schema may attach under cfg.
// Schemas without a protocol switch are always enabled.
func OutputEnabled(cfg *ini.Ini, schema models.Schema) bool {
	for _, o := range outputs {
		for _, s := range o.schemas {
			if s == schema {
				return cfg.GetBool(o.enable)
			}
		}
	}
	return true
}
